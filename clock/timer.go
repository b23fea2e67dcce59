package clock

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Event is a timer event. Its handler runs on the CPU it was started on, in
// the clockchip's interrupt context.
type Event struct {
	Name    string
	Handler func(ev *Event)
	Priv    any

	timers   *Timers
	cpu      int
	expiry   uint64
	duration time.Duration
	active   bool
}

// NewEvent returns an inactive event.
func NewEvent(name string, fn func(ev *Event), priv any) *Event {
	return &Event{Name: name, Handler: fn, Priv: priv, cpu: -1}
}

// Timers multiplexes timer events onto each CPU's oneshot clockchip.
type Timers struct {
	now func() uint64
	cpu []*cpuTimers
}

type cpuTimers struct {
	mu     sync.Mutex
	chip   Clockchip
	events []*Event // sorted by expiry
}

// NewTimers returns the timer subsystem for ncpu CPUs. The now function
// returns monotonic nanoseconds.
func NewTimers(ncpu int, now func() uint64) *Timers {
	t := &Timers{now: now, cpu: make([]*cpuTimers, ncpu)}
	for i := range t.cpu {
		t.cpu[i] = &cpuTimers{}
	}

	return t
}

// Attach binds cpu's event queue to chip and switches the chip to oneshot.
func (t *Timers) Attach(cpu int, chip Clockchip) error {
	if cpu < 0 || cpu >= len(t.cpu) {
		return fmt.Errorf("clock: no cpu %d: %w", cpu, unix.EINVAL)
	}

	ct := t.cpu[cpu]

	ct.mu.Lock()
	ct.chip = chip
	ct.mu.Unlock()

	chip.SetMode(ModeOneshot, 0)
	chip.SetEventHandler(func() { t.process(cpu) })

	ct.mu.Lock()
	defer ct.mu.Unlock()
	return t.program(ct)
}

// Now returns the timestamp used for expiries.
func (t *Timers) Now() uint64 { return t.now() }

// Start arms ev to fire on cpu after d. A pending event is restarted.
func (t *Timers) Start(ev *Event, cpu int, d time.Duration) error {
	if cpu < 0 || cpu >= len(t.cpu) {
		return fmt.Errorf("clock: no cpu %d: %w", cpu, unix.EINVAL)
	}

	t.Stop(ev)

	ct := t.cpu[cpu]
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if d < 0 {
		d = 0
	}

	ev.timers = t
	ev.cpu = cpu
	ev.duration = d
	ev.expiry = t.now() + uint64(d)
	ev.active = true

	i, _ := slices.BinarySearchFunc(ct.events, ev.expiry, func(e *Event, x uint64) int {
		if e.expiry <= x {
			return -1
		}

		return 1
	})

	ct.events = slices.Insert(ct.events, i, ev)
	if i == 0 {
		return t.program(ct)
	}

	return nil
}

// Restart re-arms ev with its previous duration and CPU.
func (t *Timers) Restart(ev *Event) error {
	if ev.cpu < 0 {
		return fmt.Errorf("clock: event %s never started: %w", ev.Name, unix.EINVAL)
	}

	return t.Start(ev, ev.cpu, ev.duration)
}

// Stop disarms ev and reports whether it was pending.
func (t *Timers) Stop(ev *Event) bool {
	if ev.cpu < 0 {
		return false
	}

	ct := t.cpu[ev.cpu]
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if !ev.active {
		return false
	}

	ev.active = false
	if i := slices.Index(ct.events, ev); i >= 0 {
		ct.events = slices.Delete(ct.events, i, i+1)
		if i == 0 {
			t.program(ct)
		}
	}

	return true
}

// Expire fires a pending ev immediately.
func (t *Timers) Expire(ev *Event) bool {
	if !t.Stop(ev) {
		return false
	}

	ev.Handler(ev)
	return true
}

// Pending reports whether ev is armed.
func (t *Timers) Pending(ev *Event) bool {
	if ev.cpu < 0 {
		return false
	}

	ct := t.cpu[ev.cpu]
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ev.active
}

// Expiry returns the absolute expiry of ev.
func (ev *Event) Expiry() uint64 { return ev.expiry }

// Duration returns the delay ev was last started with.
func (ev *Event) Duration() time.Duration { return ev.duration }

func (t *Timers) process(cpu int) {
	ct := t.cpu[cpu]
	now := t.now()

	ct.mu.Lock()
	var fired []*Event
	for len(ct.events) > 0 && ct.events[0].expiry <= now {
		ev := ct.events[0]
		ev.active = false
		ct.events = ct.events[1:]
		fired = append(fired, ev)
	}
	ct.mu.Unlock()

	for _, ev := range fired {
		ev.Handler(ev)
	}

	ct.mu.Lock()
	t.program(ct)
	ct.mu.Unlock()
}

func (t *Timers) program(ct *cpuTimers) error {
	if ct.chip == nil || len(ct.events) == 0 {
		return nil
	}

	delta := time.Duration(0)
	if now := t.now(); ct.events[0].expiry > now {
		delta = time.Duration(ct.events[0].expiry - now)
	}

	return ct.chip.SetNextEvent(delta)
}
