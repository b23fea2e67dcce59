// Package notifier implements prioritized callback chains used to publish
// subsystem events such as guest creation or a new virtual serial port.
package notifier

import (
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sys/unix"
)

// Result is returned by a callback.
type Result int

const (
	Done Result = iota // nothing of interest
	OK                 // handled, continue
	Bad                // handled with an error, continue
	Stop               // handled, stop the chain
)

// Func is a chain callback. It receives the event and its payload.
type Func func(event uint64, data any) Result

// Block is a registered callback. Higher priorities run first.
type Block struct {
	Name     string
	Priority int
	Call     Func
}

// Chain is a blocking notifier chain. Callbacks run in the caller's
// goroutine and may block.
type Chain struct {
	mu     sync.RWMutex
	blocks []*Block
}

// Register adds b to the chain. A block can be registered once.
func (c *Chain) Register(b *Block) error {
	if b == nil || b.Call == nil {
		return unix.EINVAL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if slices.Contains(c.blocks, b) {
		return fmt.Errorf("notifier: %s already registered: %w", b.Name, unix.EEXIST)
	}

	i := slices.IndexFunc(c.blocks, func(o *Block) bool { return o.Priority < b.Priority })
	if i < 0 {
		i = len(c.blocks)
	}

	c.blocks = slices.Insert(c.blocks, i, b)
	return nil
}

// Unregister removes b from the chain.
func (c *Chain) Unregister(b *Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := slices.Index(c.blocks, b)
	if i < 0 {
		return unix.ENOENT
	}

	c.blocks = slices.Delete(c.blocks, i, i+1)
	return nil
}

// Call runs the chain for event. It returns the last result and the number
// of callbacks run; a Stop result ends the walk.
func (c *Chain) Call(event uint64, data any) (Result, int) {
	c.mu.RLock()
	blocks := slices.Clone(c.blocks)
	c.mu.RUnlock()

	res, n := Done, 0
	for _, b := range blocks {
		res = b.Call(event, data)
		n++

		if res == Stop {
			break
		}
	}

	return res, n
}

// Len returns the number of registered blocks.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocks)
}
