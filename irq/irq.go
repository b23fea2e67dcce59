// Package irq is the host interrupt subsystem: per-line descriptors, the
// chips that mask and acknowledge lines, the flow handlers that drive them,
// and domains translating controller-local numbers into host IRQ numbers.
package irq

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/c35s/hvcore/cpumask"
	"golang.org/x/sys/unix"
)

// Type is the trigger type of a line.
type Type int

const (
	TypeNone Type = iota
	TypeEdgeRising
	TypeEdgeFalling
	TypeEdgeBoth
	TypeLevelHigh
	TypeLevelLow
)

func (t Type) IsLevel() bool { return t == TypeLevelHigh || t == TypeLevelLow }

// Return is the result of an action.
type Return int

const (
	None Return = iota
	Handled
)

// HandlerFunc services an interrupt on cpu.
type HandlerFunc func(num, cpu int, priv any) Return

// Action is one registered handler of a line.
type Action struct {
	Name    string
	Handler HandlerFunc
	Priv    any
}

// Chip is an interrupt controller as seen by its lines.
type Chip interface {
	Name() string
	Mask(d *Desc)
	Unmask(d *Desc)
	Ack(d *Desc)
	EOI(d *Desc)
	SetType(d *Desc, t Type) error
	SetAffinity(d *Desc, m cpumask.Mask) error
}

// NopChip implements Chip by doing nothing. Embed it to implement a subset.
type NopChip struct{ ChipName string }

func (c NopChip) Name() string { return c.ChipName }
func (NopChip) Mask(*Desc) {}
func (NopChip) Unmask(*Desc) {}
func (NopChip) Ack(*Desc) {}
func (NopChip) EOI(*Desc) {}
func (NopChip) SetType(*Desc, Type) error { return nil }
func (NopChip) SetAffinity(*Desc, cpumask.Mask) error { return nil }

// Flow drives a line through its chip and runs its actions.
type Flow func(d *Desc, cpu int)

const (
	stateEnabled = 1 << iota
	statePerCPU
	stateIPI
	stateInProgress
	statePending
	stateMasked
	stateAsserted
)

// Desc describes one host interrupt line.
type Desc struct {
	Num  int
	Name string

	mu       sync.Mutex
	chip     Chip
	chipData any
	flow     Flow
	typ      Type
	affinity cpumask.Mask
	state    uint32
	actions  []*Action

	// percpu actions and in-progress flags, one slot per cpu
	pcActions [][]*Action
	pcBusy    []atomic.Bool

	count []atomic.Uint64
}

func newDesc(num, ncpu int) *Desc {
	return &Desc{
		Num:       num,
		chip:      NopChip{ChipName: "none"},
		flow:      Simple,
		pcActions: make([][]*Action, ncpu),
		pcBusy:    make([]atomic.Bool, ncpu),
		count:     make([]atomic.Uint64, ncpu),
	}
}

func (d *Desc) Chip() Chip {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.chip
}

func (d *Desc) ChipData() any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.chipData
}

func (d *Desc) Type() Type {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.typ
}

func (d *Desc) Affinity() cpumask.Mask {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.affinity
}

func (d *Desc) has(bit uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state&bit != 0
}

func (d *Desc) IsEnabled() bool { return d.has(stateEnabled) }
func (d *Desc) IsPerCPU() bool { return d.has(statePerCPU) }
func (d *Desc) IsIPI() bool { return d.has(stateIPI) }

// InProgress reports whether a flow is running the line's actions.
func (d *Desc) InProgress() bool { return d.has(stateInProgress) }

// Count returns how often the line fired on cpu.
func (d *Desc) Count(cpu int) uint64 { return d.count[cpu].Load() }

// runActions calls the line's actions and reports whether any handled it.
func (d *Desc) runActions(cpu int) Return {
	d.mu.Lock()
	actions := d.actions
	d.mu.Unlock()

	ret := None
	for _, a := range actions {
		if a.Handler(d.Num, cpu, a.Priv) == Handled {
			ret = Handled
		}
	}

	return ret
}

// Simple runs the actions with no chip interaction.
func Simple(d *Desc, cpu int) {
	d.runActions(cpu)
}

// FastEOI signals end of interrupt and runs the actions.
func FastEOI(d *Desc, cpu int) {
	d.Chip().EOI(d)
	d.runActions(cpu)
}

// Level masks and acknowledges the line and runs its actions with the line
// in progress. A level that fires again while the actions run on another
// CPU is left masked; the running CPU unmasks it when done and the still
// asserted line fires anew.
func Level(d *Desc, cpu int) {
	c := d.Chip()
	c.Mask(d)
	c.Ack(d)

	d.mu.Lock()
	if d.state&stateInProgress != 0 {
		d.mu.Unlock()
		return
	}

	d.state |= stateInProgress
	d.mu.Unlock()

	d.runActions(cpu)

	d.mu.Lock()
	d.state &^= stateInProgress
	enabled := d.state&stateEnabled != 0
	d.mu.Unlock()

	if enabled {
		c.Unmask(d)
	}
}

// Edge acknowledges the line and runs the actions. An edge arriving while
// the actions run on another CPU is latched, the line is masked, and the
// running CPU replays it.
func Edge(d *Desc, cpu int) {
	d.mu.Lock()
	c := d.chip
	if d.state&stateInProgress != 0 {
		d.state |= statePending | stateMasked
		d.mu.Unlock()

		c.Mask(d)
		c.Ack(d)
		return
	}

	d.state |= stateInProgress
	d.mu.Unlock()

	c.Ack(d)

	for {
		d.runActions(cpu)

		d.mu.Lock()
		if d.state&statePending == 0 {
			d.state &^= stateInProgress
			masked := d.state&stateMasked != 0
			d.state &^= stateMasked
			d.mu.Unlock()

			if masked {
				c.Unmask(d)
			}

			return
		}

		d.state &^= statePending
		d.mu.Unlock()
	}
}

// PerCPU runs the actions registered for cpu without cross-CPU locking.
func PerCPU(d *Desc, cpu int) {
	if !d.pcBusy[cpu].CompareAndSwap(false, true) {
		return
	}

	defer d.pcBusy[cpu].Store(false)

	d.mu.Lock()
	c, actions := d.chip, d.pcActions[cpu]
	d.mu.Unlock()

	c.Ack(d)
	for _, a := range actions {
		a.Handler(d.Num, cpu, a.Priv)
	}

	c.EOI(d)
}

// Host is the table of host interrupt descriptors.
type Host struct {
	ncpu int
	log  *slog.Logger

	mu    sync.RWMutex
	descs []*Desc
	ext   int // first extended number

	domMu   sync.Mutex
	domains []*Domain
}

// NewHost creates descriptors for lines [0, n) on ncpu CPUs. Numbers from n
// upward are allocated on demand for domains and cascades.
func NewHost(n, ncpu int, log *slog.Logger) *Host {
	if log == nil {
		log = slog.Default()
	}

	h := &Host{ncpu: ncpu, log: log, ext: n, descs: make([]*Desc, n)}
	for i := range h.descs {
		h.descs[i] = newDesc(i, ncpu)
	}

	return h
}

// Desc returns the descriptor of num.
func (h *Host) Desc(num int) (*Desc, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if num < 0 || num >= len(h.descs) || h.descs[num] == nil {
		return nil, fmt.Errorf("irq: no line %d: %w", num, unix.ENOENT)
	}

	return h.descs[num], nil
}

// Count returns the number of descriptors, extended ones included.
func (h *Host) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.descs)
}

// NumCPU returns the number of CPUs statistics are kept for.
func (h *Host) NumCPU() int { return h.ncpu }

// AllocExtended allocates a descriptor above the fixed lines.
func (h *Host) AllocExtended() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := h.ext; i < len(h.descs); i++ {
		if h.descs[i] == nil {
			h.descs[i] = newDesc(i, h.ncpu)
			return i
		}
	}

	num := len(h.descs)
	h.descs = append(h.descs, newDesc(num, h.ncpu))
	return num
}

// FreeExtended releases an extended descriptor.
func (h *Host) FreeExtended(num int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if num < h.ext || num >= len(h.descs) || h.descs[num] == nil {
		return fmt.Errorf("irq: %d is not an extended line: %w", num, unix.EINVAL)
	}

	h.descs[num] = nil
	return nil
}

func (h *Host) SetChip(num int, c Chip, data any) error {
	d, err := h.Desc(num)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.chip = c
	d.chipData = data

	return nil
}

func (h *Host) SetFlow(num int, f Flow) error {
	d, err := h.Desc(num)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.flow = f

	return nil
}

// SetType programs the trigger type through the chip.
func (h *Host) SetType(num int, t Type) error {
	d, err := h.Desc(num)
	if err != nil {
		return err
	}

	if err := d.Chip().SetType(d, t); err != nil {
		return err
	}

	d.mu.Lock()
	d.typ = t
	d.mu.Unlock()

	return nil
}

// SetAffinity routes the line to the CPUs in m.
func (h *Host) SetAffinity(num int, m cpumask.Mask) error {
	if m.And(cpumask.All(h.ncpu)).Empty() {
		return fmt.Errorf("irq: empty affinity for %d: %w", num, unix.EINVAL)
	}

	d, err := h.Desc(num)
	if err != nil {
		return err
	}

	if err := d.Chip().SetAffinity(d, m); err != nil {
		return err
	}

	d.mu.Lock()
	d.affinity = m
	d.mu.Unlock()

	return nil
}

// MarkPerCPU makes num a per-CPU line driven by the PerCPU flow.
func (h *Host) MarkPerCPU(num int) error {
	d, err := h.Desc(num)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.state |= statePerCPU
	d.flow = PerCPU

	return nil
}

// MarkIPI flags num as an inter-processor interrupt.
func (h *Host) MarkIPI(num int) error {
	d, err := h.Desc(num)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.state |= stateIPI | statePerCPU
	d.flow = PerCPU

	return nil
}

func (h *Host) Enable(num int) error {
	d, err := h.Desc(num)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.state |= stateEnabled
	d.mu.Unlock()

	d.Chip().Unmask(d)
	return nil
}

func (h *Host) Disable(num int) error {
	d, err := h.Desc(num)
	if err != nil {
		return err
	}

	d.Chip().Mask(d)

	d.mu.Lock()
	d.state &^= stateEnabled
	d.mu.Unlock()

	return nil
}

// Register adds an action to num. The first action enables the line.
// Action names are unique per line.
func (h *Host) Register(num int, name string, fn HandlerFunc, priv any) error {
	return h.register(num, -1, name, fn, priv)
}

// RegisterPerCPU adds an action to a per-CPU line for one cpu.
func (h *Host) RegisterPerCPU(num, cpu int, name string, fn HandlerFunc, priv any) error {
	if cpu < 0 || cpu >= h.ncpu {
		return fmt.Errorf("irq: no cpu %d: %w", cpu, unix.EINVAL)
	}

	return h.register(num, cpu, name, fn, priv)
}

func (h *Host) register(num, cpu int, name string, fn HandlerFunc, priv any) error {
	if fn == nil {
		return unix.EINVAL
	}

	d, err := h.Desc(num)
	if err != nil {
		return err
	}

	a := &Action{Name: name, Handler: fn, Priv: priv}
	named := func(o *Action) bool { return o.Name == name }

	d.mu.Lock()

	var first bool
	if cpu < 0 {
		if slices.ContainsFunc(d.actions, named) {
			d.mu.Unlock()
			return fmt.Errorf("irq: %d already has action %s: %w", num, name, unix.EEXIST)
		}

		first = len(d.actions) == 0
		d.actions = append(slices.Clip(d.actions), a)
	} else {
		if slices.ContainsFunc(d.pcActions[cpu], named) {
			d.mu.Unlock()
			return fmt.Errorf("irq: %d/cpu%d already has action %s: %w", num, cpu, name, unix.EEXIST)
		}

		first = d.state&stateEnabled == 0
		d.pcActions[cpu] = append(slices.Clip(d.pcActions[cpu]), a)
	}

	if d.Name == "" {
		d.Name = name
	}

	if first {
		d.state |= stateEnabled
	}

	d.mu.Unlock()

	if first {
		d.Chip().Unmask(d)
	}

	return nil
}

// Unregister removes the named action. The line is disabled when no
// actions remain.
func (h *Host) Unregister(num int, name string) error {
	d, err := h.Desc(num)
	if err != nil {
		return err
	}

	d.mu.Lock()

	found := false
	named := func(o *Action) bool { return o.Name == name }
	if i := slices.IndexFunc(d.actions, named); i >= 0 {
		d.actions = slices.Delete(slices.Clone(d.actions), i, i+1)
		found = true
	}

	empty := len(d.actions) == 0
	for cpu := range d.pcActions {
		if i := slices.IndexFunc(d.pcActions[cpu], named); i >= 0 {
			d.pcActions[cpu] = slices.Delete(slices.Clone(d.pcActions[cpu]), i, i+1)
			found = true
		}

		empty = empty && len(d.pcActions[cpu]) == 0
	}

	if !found {
		d.mu.Unlock()
		return fmt.Errorf("irq: %d has no action %s: %w", num, name, unix.ENOENT)
	}

	if empty {
		d.state &^= stateEnabled
	}

	d.mu.Unlock()

	if empty {
		d.Chip().Mask(d)
	}

	return nil
}

// Exec handles an interrupt on num arriving at cpu.
func (h *Host) Exec(cpu, num int) error {
	d, err := h.Desc(num)
	if err != nil {
		return err
	}

	if cpu < 0 || cpu >= h.ncpu {
		return fmt.Errorf("irq: no cpu %d: %w", cpu, unix.EINVAL)
	}

	d.mu.Lock()
	flow, enabled := d.flow, d.state&stateEnabled != 0
	d.mu.Unlock()

	if !enabled {
		h.log.Debug("interrupt on disabled line", "irq", num, "cpu", cpu)
		return nil
	}

	d.count[cpu].Add(1)
	flow(d, cpu)

	return nil
}

// Line samples the level of a level-triggered line. Actions run once per
// distinct assertion: a line already asserted is not handled again until
// it has been seen deasserted.
func (h *Host) Line(cpu, num int, asserted bool) error {
	d, err := h.Desc(num)
	if err != nil {
		return err
	}

	d.mu.Lock()
	was := d.state&stateAsserted != 0
	if asserted {
		d.state |= stateAsserted
	} else {
		d.state &^= stateAsserted
	}
	d.mu.Unlock()

	if !asserted || was {
		return nil
	}

	return h.Exec(cpu, num)
}

// Stats returns per-CPU counts for every line that has fired.
func (h *Host) Stats() map[int][]uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	st := make(map[int][]uint64)
	for _, d := range h.descs {
		if d == nil {
			continue
		}

		var fired bool
		cc := make([]uint64, h.ncpu)
		for cpu := range cc {
			cc[cpu] = d.count[cpu].Load()
			fired = fired || cc[cpu] != 0
		}

		if fired {
			st[d.Num] = cc
		}
	}

	return st
}
