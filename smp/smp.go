// Package smp brings up host CPUs and delivers inter-processor interrupts.
//
// Every CPU has a mailbox of pending IPI functions. The sending side hands a
// function over a channel, which orders the sender's earlier stores before
// the receiver runs it. The CPU's loop drains its mailbox between slices.
package smp

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/c35s/hvcore/cpumask"
	"golang.org/x/sys/unix"
)

// MailboxDepth is the number of IPIs that can be queued for one CPU.
const MailboxDepth = 64

// CPUs is the set of host CPUs.
type CPUs struct {
	n      int
	online atomic.Pointer[cpumask.Mask]

	cpu []*cpu
}

type cpu struct {
	mbox chan func()
	sent atomic.Uint64
	recv atomic.Uint64
}

// New describes n CPUs. Only the boot CPU (0) is online.
func New(n int) (*CPUs, error) {
	if n <= 0 || n > cpumask.MaxCPUs {
		return nil, fmt.Errorf("smp: bad cpu count %d: %w", n, unix.EINVAL)
	}

	c := &CPUs{n: n, cpu: make([]*cpu, n)}
	for i := range c.cpu {
		c.cpu[i] = &cpu{mbox: make(chan func(), MailboxDepth)}
	}

	boot := cpumask.Of(0)
	c.online.Store(&boot)
	return c, nil
}

// Count returns the number of possible CPUs.
func (c *CPUs) Count() int { return c.n }

// Online returns the mask of online CPUs.
func (c *CPUs) Online() cpumask.Mask {
	return *c.online.Load()
}

// Possible returns the mask of all CPUs.
func (c *CPUs) Possible() cpumask.Mask {
	return cpumask.All(c.n)
}

// BringUp marks a secondary CPU online.
func (c *CPUs) BringUp(cpu int) error {
	if cpu < 0 || cpu >= c.n {
		return fmt.Errorf("smp: no cpu %d: %w", cpu, unix.EINVAL)
	}

	for {
		old := c.online.Load()
		if old.Has(cpu) {
			return fmt.Errorf("smp: cpu %d already online: %w", cpu, unix.EBUSY)
		}

		next := old.Set(cpu)
		if c.online.CompareAndSwap(old, &next) {
			slog.Info("cpu online", "cpu", cpu)
			return nil
		}
	}
}

// SendIPI queues fn to run on cpu. It fails with EBUSY if the mailbox is full.
func (c *CPUs) SendIPI(cpu int, fn func()) error {
	if cpu < 0 || cpu >= c.n {
		return fmt.Errorf("smp: no cpu %d: %w", cpu, unix.EINVAL)
	}

	if !c.Online().Has(cpu) {
		return fmt.Errorf("smp: cpu %d is offline: %w", cpu, unix.ENOENT)
	}

	p := c.cpu[cpu]
	select {
	case p.mbox <- fn:
		p.sent.Add(1)
	default:
		return fmt.Errorf("smp: cpu %d mailbox full: %w", cpu, unix.EBUSY)
	}

	return nil
}

// Broadcast sends fn to every online CPU in mask and returns the first error.
func (c *CPUs) Broadcast(mask cpumask.Mask, fn func()) error {
	var first error
	for _, cpu := range mask.And(c.Online()).CPUs() {
		if err := c.SendIPI(cpu, fn); err != nil && first == nil {
			first = err
		}
	}

	return first
}

// Mailbox returns the channel cpu's loop receives IPIs on.
func (c *CPUs) Mailbox(cpu int) <-chan func() {
	return c.cpu[cpu].mbox
}

// Run executes one IPI function received from cpu's mailbox.
func (c *CPUs) Run(cpu int, fn func()) {
	c.cpu[cpu].recv.Add(1)
	fn()
}

// Drain runs every queued IPI for cpu and returns how many ran.
func (c *CPUs) Drain(cpu int) int {
	n := 0
	for {
		select {
		case fn := <-c.cpu[cpu].mbox:
			c.Run(cpu, fn)
			n++
		default:
			return n
		}
	}
}

// Stats returns the IPIs sent to and handled by cpu.
func (c *CPUs) Stats(cpu int) (sent, handled uint64) {
	p := c.cpu[cpu]
	return p.sent.Load(), p.recv.Load()
}
