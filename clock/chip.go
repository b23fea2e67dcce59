package clock

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/c35s/hvcore/cpumask"
	"golang.org/x/sys/unix"
)

// Mode is a clockchip operating mode.
type Mode int

const (
	ModeUnused Mode = iota
	ModeShutdown
	ModePeriodic
	ModeOneshot
)

func (m Mode) String() string {
	switch m {
	case ModeUnused:
		return "unused"
	case ModeShutdown:
		return "shutdown"
	case ModePeriodic:
		return "periodic"
	case ModeOneshot:
		return "oneshot"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Clockchip is a programmable event device serving a set of CPUs.
type Clockchip interface {
	Name() string
	Rating() int
	CPUMask() cpumask.Mask

	// SetMode switches the chip. Periodic chips fire every period.
	SetMode(m Mode, period time.Duration)

	// SetNextEvent arms a oneshot chip to fire after delta.
	SetNextEvent(delta time.Duration) error

	// SetEventHandler installs the function called when the chip fires.
	SetEventHandler(fn func())
}

// Chips is the clockchip registry.
type Chips struct {
	mu   sync.Mutex
	list []Clockchip
}

func (c *Chips) Register(cc Clockchip) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if slices.ContainsFunc(c.list, func(o Clockchip) bool { return o.Name() == cc.Name() }) {
		return fmt.Errorf("clock: clockchip %s: %w", cc.Name(), unix.EEXIST)
	}

	c.list = append(c.list, cc)
	return nil
}

func (c *Chips) Unregister(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := slices.IndexFunc(c.list, func(o Clockchip) bool { return o.Name() == name })
	if i < 0 {
		return fmt.Errorf("clock: clockchip %s: %w", name, unix.ENOENT)
	}

	c.list = slices.Delete(c.list, i, i+1)
	return nil
}

// Find returns the best rated chip serving cpu.
func (c *Chips) Find(cpu int) (Clockchip, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var best Clockchip
	for _, cc := range c.list {
		if cc.CPUMask().Has(cpu) && (best == nil || cc.Rating() > best.Rating()) {
			best = cc
		}
	}

	return best, best != nil
}

func (c *Chips) List() []Clockchip {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.list)
}

// SoftChip is a clockchip with its own notion of time, moved forward with
// Advance. It is deterministic and serves the reference architecture and
// tests.
type SoftChip struct {
	name   string
	rating int
	mask   cpumask.Mask

	mu       sync.Mutex
	now      time.Duration
	mode     Mode
	period   time.Duration
	deadline time.Duration
	armed    bool
	handler  func()
}

func NewSoftChip(name string, rating int, mask cpumask.Mask) *SoftChip {
	return &SoftChip{name: name, rating: rating, mask: mask}
}

func (s *SoftChip) Name() string { return s.name }
func (s *SoftChip) Rating() int { return s.rating }
func (s *SoftChip) CPUMask() cpumask.Mask { return s.mask }

func (s *SoftChip) SetMode(m Mode, period time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mode = m
	s.armed = false

	if m == ModePeriodic && period > 0 {
		s.period = period
		s.deadline = s.now + period
		s.armed = true
	}
}

func (s *SoftChip) SetNextEvent(delta time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode != ModeOneshot {
		return fmt.Errorf("clock: %s is in %v mode: %w", s.name, s.mode, unix.EINVAL)
	}

	if delta < 0 {
		delta = 0
	}

	s.deadline = s.now + delta
	s.armed = true

	return nil
}

func (s *SoftChip) SetEventHandler(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = fn
}

// Now returns the chip's elapsed time in nanoseconds.
func (s *SoftChip) Now() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(s.now)
}

// Advance moves time forward by d, firing the handler at every deadline
// crossed on the way.
func (s *SoftChip) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now + d

	for s.armed && s.deadline <= target {
		s.now = s.deadline
		if s.mode == ModePeriodic {
			s.deadline += s.period
		} else {
			s.armed = false
		}

		fn := s.handler
		s.mu.Unlock()

		if fn != nil {
			fn()
		}

		s.mu.Lock()
	}

	s.now = target
	s.mu.Unlock()
}

// HostChip is a clockchip backed by Go timers.
type HostChip struct {
	name   string
	rating int
	mask   cpumask.Mask

	mu      sync.Mutex
	mode    Mode
	period  time.Duration
	timer   *time.Timer
	handler func()
}

func NewHostChip(name string, rating int, mask cpumask.Mask) *HostChip {
	return &HostChip{name: name, rating: rating, mask: mask}
}

func (h *HostChip) Name() string { return h.name }
func (h *HostChip) Rating() int { return h.rating }
func (h *HostChip) CPUMask() cpumask.Mask { return h.mask }

func (h *HostChip) SetMode(m Mode, period time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.mode = m
	h.stop()

	if m == ModePeriodic && period > 0 {
		h.period = period
		h.arm(period)
	}
}

func (h *HostChip) SetNextEvent(delta time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.mode != ModeOneshot {
		return fmt.Errorf("clock: %s is in %v mode: %w", h.name, h.mode, unix.EINVAL)
	}

	h.stop()
	h.arm(delta)

	return nil
}

func (h *HostChip) SetEventHandler(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = fn
}

func (h *HostChip) arm(d time.Duration) {
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		h.mu.Lock()
		if h.timer != t {
			h.mu.Unlock()
			return
		}

		h.timer = nil
		if h.mode == ModePeriodic {
			h.arm(h.period)
		}

		fn := h.handler
		h.mu.Unlock()

		if fn != nil {
			fn()
		}
	})

	h.timer = t
}

func (h *HostChip) stop() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}
