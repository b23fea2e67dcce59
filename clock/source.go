// Package clock provides the host's notion of time: clocksources that count,
// clockchips that interrupt, per-CPU timer events built on the chips and the
// wallclock.
package clock

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Clocksource is a free-running monotonic counter.
type Clocksource interface {
	Name() string
	Rating() int

	// Read returns the raw counter value.
	Read() uint64

	// Mask covers the valid bits of Read.
	Mask() uint64

	// Mult and Shift convert counter deltas to nanoseconds.
	Mult() uint32
	Shift() uint32
}

// CyclesToNs converts a counter delta to nanoseconds.
func CyclesToNs(cycles uint64, mult, shift uint32) uint64 {
	hi, lo := bits.Mul64(cycles, uint64(mult))
	if shift == 0 {
		return lo
	}

	return hi<<(64-shift) | lo>>shift
}

// CalcMultShift returns the mult/shift pair converting a from Hz counter to
// a to Hz one, precise enough for deltas up to maxsec seconds.
func CalcMultShift(from, to, maxsec uint32) (mult, shift uint32) {
	tmp := uint64(maxsec) * uint64(from) >> 32
	sftacc := uint32(32)
	for tmp != 0 {
		tmp >>= 1
		sftacc--
	}

	var sft uint32
	for sft = 32; sft > 0; sft-- {
		tmp = uint64(to) << sft
		tmp += uint64(from) / 2
		tmp /= uint64(from)
		if tmp>>sftacc == 0 {
			break
		}
	}

	return uint32(tmp), sft
}

var (
	ErrNoSource = fmt.Errorf("clock: no clocksource: %w", unix.ENOENT)
	errBadRead  = errors.New("clock: clock_gettime failed")
)

// Sources is the clocksource registry. The highest rated source provides the
// system timestamp.
type Sources struct {
	mu   sync.Mutex
	list []Clocksource

	best  Clocksource
	last  uint64 // raw counter at the previous read of best
	nsecs uint64 // timestamp at last
}

// Register adds cs. Names are unique.
func (s *Sources) Register(cs Clocksource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slices.ContainsFunc(s.list, func(o Clocksource) bool { return o.Name() == cs.Name() }) {
		return fmt.Errorf("clock: clocksource %s: %w", cs.Name(), unix.EEXIST)
	}

	s.list = append(s.list, cs)
	s.selectBest()

	return nil
}

// Unregister removes the named source.
func (s *Sources) Unregister(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := slices.IndexFunc(s.list, func(o Clocksource) bool { return o.Name() == name })
	if i < 0 {
		return fmt.Errorf("clock: clocksource %s: %w", name, unix.ENOENT)
	}

	s.list = slices.Delete(s.list, i, i+1)
	s.selectBest()

	return nil
}

// Find returns the named source.
func (s *Sources) Find(name string) (Clocksource, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cs := range s.list {
		if cs.Name() == name {
			return cs, true
		}
	}

	return nil, false
}

// Best returns the highest rated source.
func (s *Sources) Best() (Clocksource, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.best, s.best != nil
}

// List returns the registered sources.
func (s *Sources) List() []Clocksource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.list)
}

// Timestamp returns monotonic nanoseconds from the best source. The
// timestamp never goes backwards across a change of source.
func (s *Sources) Timestamp() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.best == nil {
		return 0
	}

	s.accumulate()
	return s.nsecs
}

func (s *Sources) accumulate() {
	now := s.best.Read()
	delta := (now - s.last) & s.best.Mask()
	s.nsecs += CyclesToNs(delta, s.best.Mult(), s.best.Shift())
	s.last = now
}

func (s *Sources) selectBest() {
	var best Clocksource
	for _, cs := range s.list {
		if best == nil || cs.Rating() > best.Rating() {
			best = cs
		}
	}

	if best == s.best {
		return
	}

	if s.best != nil {
		s.accumulate()
	}

	s.best = best
	if best != nil {
		s.last = best.Read()
	}
}

// HostMonotonic reads the host's CLOCK_MONOTONIC in nanoseconds.
type HostMonotonic struct{}

func (HostMonotonic) Name() string { return "host-monotonic" }
func (HostMonotonic) Rating() int { return 300 }
func (HostMonotonic) Mask() uint64 { return math.MaxUint64 }
func (HostMonotonic) Mult() uint32 { return 1 }
func (HostMonotonic) Shift() uint32 { return 0 }

func (HostMonotonic) Read() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		panic(fmt.Errorf("%w: %w", errBadRead, err))
	}

	return uint64(ts.Nano())
}

// Counter is a clocksource advanced by hand at a fixed frequency.
type Counter struct {
	name   string
	rating int
	mask   uint64
	mult   uint32
	shift  uint32
	v      atomic.Uint64
}

// NewCounter returns a counter ticking at hz with width valid bits.
func NewCounter(name string, rating int, hz uint32, width uint) *Counter {
	mult, shift := CalcMultShift(hz, 1e9, 600)

	mask := uint64(math.MaxUint64)
	if width < 64 {
		mask = 1<<width - 1
	}

	return &Counter{name: name, rating: rating, mask: mask, mult: mult, shift: shift}
}

func (c *Counter) Name() string { return c.name }
func (c *Counter) Rating() int { return c.rating }
func (c *Counter) Mask() uint64 { return c.mask }
func (c *Counter) Mult() uint32 { return c.mult }
func (c *Counter) Shift() uint32 { return c.shift }
func (c *Counter) Read() uint64 { return c.v.Load() & c.mask }

// Advance moves the counter forward by cycles.
func (c *Counter) Advance(cycles uint64) { c.v.Add(cycles) }
