// Package thread runs hypervisor threads and work queues on goroutines.
// Each thread carries a detached sched.Task so its state is visible next to
// the VCPUs.
package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c35s/hvcore/sched"
	"golang.org/x/sys/unix"
)

// Func is the body of a thread. It returns when ctx is cancelled.
type Func func(ctx context.Context) error

// Thread is a hypervisor thread.
type Thread struct {
	fn   Func
	task *sched.Task
	log  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Create returns a thread in the Reset state.
func Create(name string, fn Func, prio int) *Thread {
	return &Thread{
		fn:   fn,
		task: sched.NewTask(sched.TaskConfig{Name: name, Priority: prio}),
		log:  slog.Default().With("thread", name),
	}
}

func (th *Thread) Name() string { return th.task.Name() }
func (th *Thread) Task() *sched.Task { return th.task }

// Start runs the thread. Starting a running thread fails with unix.EBUSY.
func (th *Thread) Start(ctx context.Context) error {
	th.mu.Lock()
	defer th.mu.Unlock()

	if th.done != nil {
		return fmt.Errorf("thread: %s already started: %w", th.Name(), unix.EBUSY)
	}

	ctx, cancel := context.WithCancel(ctx)
	th.cancel = cancel
	th.done = make(chan struct{})
	th.task.SetDetachedState(sched.Running)

	go func() {
		err := th.fn(ctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}

		if err != nil {
			th.log.Error("thread failed", "err", err)
		}

		th.mu.Lock()
		th.err = err
		th.mu.Unlock()

		th.task.SetDetachedState(sched.Halted)
		close(th.done)
	}()

	return nil
}

// Stop cancels the thread and waits for it to return. It returns the
// thread's error.
func (th *Thread) Stop() error {
	th.mu.Lock()
	cancel, done := th.cancel, th.done
	th.mu.Unlock()

	if done == nil {
		return nil
	}

	cancel()
	<-done

	th.mu.Lock()
	defer th.mu.Unlock()
	return th.err
}

// Sleep blocks the thread for d. The task shows Blocked meanwhile.
func (th *Thread) Sleep(ctx context.Context, d time.Duration) error {
	th.task.SetDetachedState(sched.Blocked)
	defer th.task.SetDetachedState(sched.Running)

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
