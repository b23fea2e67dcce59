package guest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c35s/hvcore/arch"
	"github.com/c35s/hvcore/clock"
	"github.com/c35s/hvcore/sched"
	"golang.org/x/sys/unix"
)

// VCPU is a schedulable virtual CPU. A normal VCPU belongs to a guest and
// runs guest code on an arch.VCPU; an orphan VCPU runs a host function.
type VCPU struct {
	id    int
	subid int
	name  string

	m     *Manager
	guest *Guest

	task     *sched.Task
	cpu      arch.VCPU
	runner   sched.Runner
	startPC  uint64
	powerOff bool

	// mu serializes lifecycle changes of the VCPU. It nests inside the
	// run-queue lock and outside the guest lock.
	mu   sync.Mutex
	wait *clock.Event

	exits [arch.ExitUndefined + 1]atomic.Uint64
	irqs  atomic.Uint64
}

func (v *VCPU) ID() int { return v.id }
func (v *VCPU) SubID() int { return v.subid }
func (v *VCPU) Name() string { return v.name }
func (v *VCPU) Guest() *Guest { return v.guest }
func (v *VCPU) Task() *sched.Task { return v.task }
func (v *VCPU) Arch() arch.VCPU { return v.cpu }
func (v *VCPU) IsNormal() bool { return v.guest != nil }
func (v *VCPU) State() sched.State { return v.task.State() }
func (v *VCPU) StartPC() uint64 { return v.startPC }

// Regs returns the register file of a normal VCPU, nil for orphans.
func (v *VCPU) Regs() *arch.Regs {
	if v.cpu == nil {
		return nil
	}

	return v.cpu.Regs()
}

// Exits returns how many exits of the given reason the VCPU took.
func (v *VCPU) Exits(r arch.ExitReason) uint64 {
	if r < 0 || int(r) >= len(v.exits) {
		return 0
	}

	return v.exits[r].Load()
}

// IRQs returns how many interrupts were asserted on the VCPU.
func (v *VCPU) IRQs() uint64 { return v.irqs.Load() }

func (v *VCPU) String() string { return v.name }

// Reset stops the VCPU and restores its reset state. Resetting a VCPU
// already in Reset only restores the registers.
func (v *VCPU) Reset() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.resetLocked(v.startPC)
}

func (v *VCPU) resetLocked(entry uint64) error {
	v.stopWait()

	if v.task.State() != sched.Reset {
		if err := v.m.sched.Reset(v.task); err != nil {
			return fmt.Errorf("guest: reset %s: %w", v.name, err)
		}
	}

	if v.cpu != nil {
		v.cpu.Reset(entry)
	}

	return nil
}

// Kick makes a VCPU in Reset runnable.
func (v *VCPU) Kick() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.m.sched.Kick(v.task)
}

func (v *VCPU) Pause() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.m.sched.Pause(v.task)
}

func (v *VCPU) Resume() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.m.sched.Resume(v.task)
}

func (v *VCPU) Halt() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.stopWait()
	return v.m.sched.Halt(v.task)
}

// start sets the entry point and X0 of a VCPU in Reset and kicks it.
func (v *VCPU) start(entry, x0 uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.task.State() != sched.Reset {
		return sched.ErrState
	}

	v.cpu.Reset(entry)
	v.cpu.Regs().X[0] = x0

	return v.m.sched.Kick(v.task)
}

// IRQWaitTimeout blocks the VCPU until an interrupt is asserted or d
// passes. A zero d waits for the interrupt only. The call does not sleep:
// the VCPU leaves its run-queue and the CPU moves on.
func (v *VCPU) IRQWaitTimeout(d time.Duration) error {
	if v.cpu == nil {
		return fmt.Errorf("guest: %s is an orphan: %w", v.name, unix.EINVAL)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cpu.IRQPending() {
		return nil
	}

	if err := v.m.sched.Block(v.task); err != nil {
		return err
	}

	// an assert racing the block saw the VCPU still running
	if v.cpu.IRQPending() {
		v.m.sched.Wake(v.task)
		return nil
	}

	if d > 0 {
		if err := v.m.timers.Start(v.wait, v.task.CPU(), d); err != nil {
			v.m.sched.Wake(v.task)
			return err
		}
	}

	return nil
}

func (v *VCPU) waitExpired(*clock.Event) {
	if err := v.m.sched.Wake(v.task); err != nil && !errors.Is(err, sched.ErrState) {
		v.m.log.Warn("irq wait timeout wakeup failed", "vcpu", v.name, "err", err)
	}
}

func (v *VCPU) stopWait() {
	if v.wait != nil {
		v.m.timers.Stop(v.wait)
	}
}

// AssertIRQ raises the VCPU's interrupt line and wakes it if it waits for
// one.
func (v *VCPU) AssertIRQ() {
	if v.cpu == nil {
		return
	}

	v.irqs.Add(1)
	v.cpu.SetIRQPending(true)

	if v.task.State() == sched.Blocked {
		v.stopWait()
		v.m.sched.Wake(v.task)
	}
}

func (v *VCPU) DeassertIRQ() {
	if v.cpu != nil {
		v.cpu.SetIRQPending(false)
	}
}

// Run executes one time slice of guest code and handles the exit.
func (v *VCPU) Run() (arch.Exit, error) {
	if v.cpu == nil {
		return arch.Exit{}, fmt.Errorf("guest: %s is an orphan: %w", v.name, unix.EINVAL)
	}

	exit := v.cpu.Run(v.m.cfg.Budget)
	v.exits[exit.Reason].Add(1)

	return exit, v.guest.HandleFault(v, exit)
}

// RunSlice implements sched.Runner.
func (v *VCPU) RunSlice(ctx context.Context, cpu int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if v.runner != nil {
		return v.runner.RunSlice(ctx, cpu)
	}

	_, err := v.Run()
	return err
}

// DumpRegs writes the register file to w.
func (v *VCPU) DumpRegs(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%s: %v\n", v.name, v.task.State()); err != nil {
		return err
	}

	r := v.Regs()
	if r == nil {
		return nil
	}

	for i := 0; i < arch.NumRegs; i += 4 {
		_, err := fmt.Fprintf(w, "  x%-2d %016x  x%-2d %016x  x%-2d %016x  x%-2d %016x\n",
			i, r.X[i], i+1, r.X[i+1], i+2, r.X[i+2], i+3, r.X[i+3])

		if err != nil {
			return err
		}
	}

	_, err := fmt.Fprintf(w, "  pc  %016x  sp  %016x  vbar %016x  elr %016x  far %016x  irq %v\n",
		r.PC, r.SP, r.VBAR, r.ELR, r.FAR, r.IRQEnabled)

	return err
}
