// Package boot holds the early boot state: the load parameters handed over
// by the architecture entry code and the initial translation table that
// covers the kernel image until the address space manager takes over.
package boot

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// SectionSize is the granule of the initial table.
const SectionSize = 2 << 20

// MaxSections bounds the initial table.
const MaxSections = 64

// Params are the arguments of the kernel entry point.
type Params struct {
	LoadPA    uint64 // start of the image in RAM
	LoadEndPA uint64
	ExecVA    uint64 // where the image wants to execute
	ExecEndVA uint64
}

var ErrParams = errors.New("boot: invalid load parameters")

// Validate checks that the load and exec windows are the same non-empty,
// page-aligned size.
func (p Params) Validate() error {
	const pageMask = 0xfff

	switch {
	case p.LoadEndPA <= p.LoadPA:
		return fmt.Errorf("%w: empty load window %#x-%#x: %w", ErrParams, p.LoadPA, p.LoadEndPA, unix.EINVAL)

	case p.ExecEndVA <= p.ExecVA:
		return fmt.Errorf("%w: empty exec window %#x-%#x: %w", ErrParams, p.ExecVA, p.ExecEndVA, unix.EINVAL)

	case (p.LoadPA|p.LoadEndPA|p.ExecVA|p.ExecEndVA)&pageMask != 0:
		return fmt.Errorf("%w: unaligned window: %w", ErrParams, unix.EINVAL)

	case p.LoadEndPA-p.LoadPA != p.ExecEndVA-p.ExecVA:
		return fmt.Errorf("%w: load and exec sizes differ: %w", ErrParams, unix.EINVAL)
	}

	return nil
}

// Size returns the image size.
func (p Params) Size() uint64 { return p.LoadEndPA - p.LoadPA }

// Section is one entry of the initial table.
type Section struct {
	VA   uint64
	PA   uint64
	Exec bool
}

// InitialTable is the statically allocated table built before paging is on.
type InitialTable struct {
	sec [MaxSections]Section
	n   int
}

var (
	initialMu    sync.Mutex
	initialTable InitialTable
)

// MMUOff populates the initial table for p: an identity map of the load
// window and a mapping of the exec window onto the load window. It runs once
// on the boot CPU before any allocator exists.
func MMUOff(p Params) (*InitialTable, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	initialMu.Lock()
	defer initialMu.Unlock()

	t := &initialTable
	t.n = 0

	if err := t.add(p.LoadPA, p.LoadPA, p.LoadEndPA, false); err != nil {
		return nil, err
	}

	if p.ExecVA != p.LoadPA {
		if err := t.add(p.ExecVA, p.LoadPA, p.LoadEndPA, true); err != nil {
			return nil, err
		}
	} else {
		for i := range t.sec[:t.n] {
			t.sec[i].Exec = true
		}
	}

	return t, nil
}

func (t *InitialTable) add(va, pa, paEnd uint64, exec bool) error {
	va &^= SectionSize - 1
	first := pa &^ (SectionSize - 1)
	for s := first; s < paEnd; s += SectionSize {
		if t.n == MaxSections {
			return fmt.Errorf("boot: image needs more than %d sections: %w", MaxSections, unix.ENOMEM)
		}

		t.sec[t.n] = Section{VA: va + (s - first), PA: s, Exec: exec}
		t.n++
	}

	return nil
}

// Sections returns the populated entries.
func (t *InitialTable) Sections() []Section {
	return t.sec[:t.n]
}

// Translate looks va up in the initial table.
func (t *InitialTable) Translate(va uint64) (uint64, bool) {
	for _, s := range t.sec[:t.n] {
		if va >= s.VA && va-s.VA < SectionSize {
			return s.PA + (va - s.VA), true
		}
	}

	return 0, false
}

// Mapper receives the initial mappings once paging is on.
type Mapper interface {
	Map(va, pa, size uint64, exec bool) error
}

// Handoff installs every section into m and clears the table.
func (t *InitialTable) Handoff(m Mapper) error {
	initialMu.Lock()
	defer initialMu.Unlock()

	for _, s := range t.sec[:t.n] {
		if err := m.Map(s.VA, s.PA, SectionSize, s.Exec); err != nil {
			return fmt.Errorf("boot: handoff of %#x: %w", s.VA, err)
		}
	}

	t.n = 0
	return nil
}
