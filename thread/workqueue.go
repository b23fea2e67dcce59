package thread

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c35s/hvcore/sched"
	"golang.org/x/sys/unix"
)

// Work is a unit of deferred work. A Work is queued at most once at a time.
type Work struct {
	fn func(w *Work)

	// guarded by the owning queue
	queued bool
	timer  *time.Timer

	Data any
}

// NewWork returns work that calls fn.
func NewWork(fn func(w *Work), data any) *Work {
	return &Work{fn: fn, Data: data}
}

// WorkQueue runs work items in order on its own thread.
type WorkQueue struct {
	th *Thread

	mu      sync.Mutex
	pending []*Work
	running *Work
	closed  bool

	kick chan struct{}

	// closed and replaced each time the queue drains
	idle chan struct{}
}

// NewWorkQueue creates and starts a work queue.
func NewWorkQueue(ctx context.Context, name string, prio int) (*WorkQueue, error) {
	wq := &WorkQueue{
		kick: make(chan struct{}, 1),
		idle: make(chan struct{}),
	}

	wq.th = Create(name, wq.loop, prio)

	if err := wq.th.Start(ctx); err != nil {
		return nil, err
	}

	return wq, nil
}

// Thread returns the thread running the queue.
func (wq *WorkQueue) Thread() *Thread { return wq.th }

// Schedule queues w. It reports false if w was already queued.
func (wq *WorkQueue) Schedule(w *Work) bool {
	wq.mu.Lock()
	defer wq.mu.Unlock()

	if wq.closed || w.queued {
		return false
	}

	wq.queueLocked(w)
	return true
}

// ScheduleDelayed queues w after d.
func (wq *WorkQueue) ScheduleDelayed(w *Work, d time.Duration) bool {
	wq.mu.Lock()
	defer wq.mu.Unlock()

	if wq.closed || w.queued || w.timer != nil {
		return false
	}

	w.timer = time.AfterFunc(d, func() {
		wq.mu.Lock()
		defer wq.mu.Unlock()

		if w.timer == nil || wq.closed {
			return
		}

		w.timer = nil
		wq.queueLocked(w)
	})

	return true
}

// Stop dequeues w and cancels its delay. It reports whether w was pending.
func (wq *WorkQueue) Stop(w *Work) bool {
	wq.mu.Lock()
	defer wq.mu.Unlock()

	stopped := false
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
		stopped = true
	}

	if w.queued {
		for i, p := range wq.pending {
			if p == w {
				wq.pending = append(wq.pending[:i], wq.pending[i+1:]...)
				break
			}
		}

		w.queued = false
		stopped = true
	}

	return stopped
}

// Len returns the number of queued items.
func (wq *WorkQueue) Len() int {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	return len(wq.pending)
}

// Flush waits until every queued item has run.
func (wq *WorkQueue) Flush(ctx context.Context) error {
	for {
		wq.mu.Lock()
		if len(wq.pending) == 0 && wq.running == nil {
			wq.mu.Unlock()
			return nil
		}

		if wq.closed {
			wq.mu.Unlock()
			return fmt.Errorf("thread: flush of destroyed work queue: %w", unix.ESHUTDOWN)
		}

		idle := wq.idle
		wq.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Destroy stops the queue thread. Pending work is dropped.
func (wq *WorkQueue) Destroy() error {
	wq.mu.Lock()
	wq.closed = true
	for _, w := range wq.pending {
		w.queued = false
	}

	wq.pending = nil
	wq.mu.Unlock()

	err := wq.th.Stop()

	wq.mu.Lock()
	wq.running = nil
	close(wq.idle)
	wq.idle = make(chan struct{})
	wq.mu.Unlock()

	return err
}

func (wq *WorkQueue) queueLocked(w *Work) {
	w.queued = true
	wq.pending = append(wq.pending, w)

	select {
	case wq.kick <- struct{}{}:
	default:
	}
}

func (wq *WorkQueue) loop(ctx context.Context) error {
	for {
		wq.mu.Lock()
		if len(wq.pending) == 0 {
			if wq.running != nil {
				wq.running = nil
				close(wq.idle)
				wq.idle = make(chan struct{})
			}
			wq.mu.Unlock()

			wq.th.task.SetDetachedState(sched.Blocked)
			select {
			case <-wq.kick:
				wq.th.task.SetDetachedState(sched.Running)
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		w := wq.pending[0]
		wq.pending = wq.pending[1:]
		w.queued = false
		wq.running = w
		wq.mu.Unlock()

		w.fn(w)
	}
}
