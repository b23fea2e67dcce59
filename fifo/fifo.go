// Package fifo implements a bounded first-in first-out queue.
package fifo

import "sync"

// FIFO is a bounded ring of elements. It is safe for concurrent use.
type FIFO[T any] struct {
	mu   sync.Mutex
	buf  []T
	head int
	n    int
}

// New returns a FIFO holding at most size elements.
func New[T any](size int) *FIFO[T] {
	if size <= 0 {
		size = 1
	}

	return &FIFO[T]{buf: make([]T, size)}
}

// Enqueue appends v. When the FIFO is full it drops the oldest element if
// overwrite is set and otherwise rejects v.
func (f *FIFO[T]) Enqueue(v T, overwrite bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.n == len(f.buf) {
		if !overwrite {
			return false
		}

		f.head = (f.head + 1) % len(f.buf)
		f.n--
	}

	f.buf[(f.head+f.n)%len(f.buf)] = v
	f.n++

	return true
}

// Dequeue removes and returns the oldest element.
func (f *FIFO[T]) Dequeue() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var zero T
	if f.n == 0 {
		return zero, false
	}

	v := f.buf[f.head]
	f.buf[f.head] = zero
	f.head = (f.head + 1) % len(f.buf)
	f.n--

	return v, true
}

// Peek returns the oldest element without removing it.
func (f *FIFO[T]) Peek() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.n == 0 {
		var zero T
		return zero, false
	}

	return f.buf[f.head], true
}

// Drain removes up to len(p) elements into p and returns the count.
func (f *FIFO[T]) Drain(p []T) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	var zero T
	i := 0
	for ; i < len(p) && f.n > 0; i++ {
		p[i] = f.buf[f.head]
		f.buf[f.head] = zero
		f.head = (f.head + 1) % len(f.buf)
		f.n--
	}

	return i
}

func (f *FIFO[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

func (f *FIFO[T]) Cap() int { return len(f.buf) }

func (f *FIFO[T]) IsEmpty() bool { return f.Len() == 0 }
func (f *FIFO[T]) IsFull() bool { return f.Len() == len(f.buf) }

// Reset discards every element.
func (f *FIFO[T]) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	clear(f.buf)
	f.head, f.n = 0, 0
}
