// Package waitq provides the blocking primitives of the hypervisor: wait
// queues, completions, semaphores and a sleeping mutex. Waits take a
// context and return its error when cancelled; timed waits return
// unix.ETIMEDOUT.
package waitq

import (
	"context"
	"slices"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// WaitQueue is a FIFO of sleepers.
type WaitQueue struct {
	mu      sync.Mutex
	waiters []chan struct{}
}

// Sleep blocks until woken or ctx is done. A wakeup racing with
// cancellation wins.
func (wq *WaitQueue) Sleep(ctx context.Context) error {
	return wq.wait(ctx, wq.enqueue())
}

// SleepTimeout is Sleep bounded by d.
func (wq *WaitQueue) SleepTimeout(ctx context.Context, d time.Duration) error {
	return withTimeout(ctx, d, wq.Sleep)
}

// WakeFirst wakes the oldest sleeper and reports whether there was one.
func (wq *WaitQueue) WakeFirst() bool {
	wq.mu.Lock()
	defer wq.mu.Unlock()

	if len(wq.waiters) == 0 {
		return false
	}

	close(wq.waiters[0])
	wq.waiters = wq.waiters[1:]
	return true
}

// WakeAll wakes every sleeper and returns how many there were.
func (wq *WaitQueue) WakeAll() int {
	wq.mu.Lock()
	defer wq.mu.Unlock()

	n := len(wq.waiters)
	for _, ch := range wq.waiters {
		close(ch)
	}

	wq.waiters = nil
	return n
}

// Len returns the number of sleepers.
func (wq *WaitQueue) Len() int {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	return len(wq.waiters)
}

func (wq *WaitQueue) forget(ch chan struct{}) bool {
	wq.mu.Lock()
	defer wq.mu.Unlock()

	i := slices.Index(wq.waiters, ch)
	if i < 0 {
		return false
	}

	wq.waiters = slices.Delete(wq.waiters, i, i+1)
	return true
}

// withTimeout runs wait under a deadline and turns an expired deadline into
// unix.ETIMEDOUT. Cancellation of the parent still returns its own error.
func withTimeout(ctx context.Context, d time.Duration, wait func(context.Context) error) error {
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	err := wait(tctx)
	if err != nil && ctx.Err() == nil && tctx.Err() == context.DeadlineExceeded {
		return unix.ETIMEDOUT
	}

	return err
}

// Completion counts completions that waiters consume one at a time.
type Completion struct {
	mu   sync.Mutex
	done uint
	wq   WaitQueue
}

const completeAll = ^uint(0)

// Complete releases one waiter, now or in the future.
func (c *Completion) Complete() {
	c.mu.Lock()
	if c.done != completeAll {
		c.done++
	}
	c.mu.Unlock()

	c.wq.WakeFirst()
}

// CompleteAll releases every current and future waiter until Reinit.
func (c *Completion) CompleteAll() {
	c.mu.Lock()
	c.done = completeAll
	c.mu.Unlock()

	c.wq.WakeAll()
}

// Done reports whether a Wait would return immediately.
func (c *Completion) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done > 0
}

// Reinit forgets all completions.
func (c *Completion) Reinit() {
	c.mu.Lock()
	c.done = 0
	c.mu.Unlock()
}

// Wait consumes one completion, blocking until one is available.
func (c *Completion) Wait(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.done > 0 {
			if c.done != completeAll {
				c.done--
			}

			c.mu.Unlock()
			return nil
		}

		ch := c.wq.enqueue()
		c.mu.Unlock()

		if err := c.wq.wait(ctx, ch); err != nil {
			return err
		}
	}
}

// WaitTimeout is Wait bounded by d.
func (c *Completion) WaitTimeout(ctx context.Context, d time.Duration) error {
	return withTimeout(ctx, d, c.Wait)
}

func (wq *WaitQueue) enqueue() chan struct{} {
	ch := make(chan struct{})

	wq.mu.Lock()
	wq.waiters = append(wq.waiters, ch)
	wq.mu.Unlock()

	return ch
}

func (wq *WaitQueue) wait(ctx context.Context, ch chan struct{}) error {
	select {
	case <-ch:
		return nil

	case <-ctx.Done():
		if !wq.forget(ch) {
			return nil
		}

		return ctx.Err()
	}
}

// Semaphore is a counting semaphore with a fixed limit.
type Semaphore struct {
	mu    sync.Mutex
	avail uint
	limit uint
	wq    WaitQueue
}

// NewSemaphore returns a semaphore with avail of limit units free.
func NewSemaphore(limit, avail uint) *Semaphore {
	return &Semaphore{limit: limit, avail: min(avail, limit)}
}

// Avail returns the free units.
func (s *Semaphore) Avail() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.avail
}

// Up returns a unit. Returning more units than the limit fails with
// unix.EINVAL.
func (s *Semaphore) Up() error {
	s.mu.Lock()
	if s.avail >= s.limit {
		s.mu.Unlock()
		return unix.EINVAL
	}

	s.avail++
	s.mu.Unlock()

	s.wq.WakeFirst()
	return nil
}

// Down takes a unit, blocking until one is free.
func (s *Semaphore) Down(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.avail > 0 {
			s.avail--
			s.mu.Unlock()
			return nil
		}

		ch := s.wq.enqueue()
		s.mu.Unlock()

		if err := s.wq.wait(ctx, ch); err != nil {
			return err
		}
	}
}

// DownTimeout is Down bounded by d.
func (s *Semaphore) DownTimeout(ctx context.Context, d time.Duration) error {
	return withTimeout(ctx, d, s.Down)
}

// Mutex is a sleeping lock whose waits can be interrupted.
type Mutex struct {
	once sync.Once
	ch   chan struct{}
}

func (m *Mutex) init() {
	m.once.Do(func() { m.ch = make(chan struct{}, 1) })
}

// Lock acquires the mutex.
func (m *Mutex) Lock() {
	m.init()
	m.ch <- struct{}{}
}

// LockInterruptible acquires the mutex unless ctx ends first.
func (m *Mutex) LockInterruptible(ctx context.Context) error {
	m.init()

	select {
	case m.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryLock acquires the mutex if it is free.
func (m *Mutex) TryLock() bool {
	m.init()

	select {
	case m.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Unlock releases the mutex. Unlocking a free mutex panics.
func (m *Mutex) Unlock() {
	m.init()

	select {
	case <-m.ch:
	default:
		panic("waitq: unlock of unlocked mutex")
	}
}
