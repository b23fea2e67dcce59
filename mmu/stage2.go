// Package mmu manages guest stage-2 translation: guest physical to host
// physical. RAM and ROM regions are mapped lazily, one page per fault.
// Unmapping shoots down the translations cached by the guest's VCPUs.
package mmu

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/c35s/hvcore/mm"
	"github.com/c35s/hvcore/mm/pgtbl"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
)

// TLB is a cache of stage-2 translations, one per VCPU.
type TLB interface {
	FlushTLB()
	FlushTLBEntry(gpa uint64)
}

// Backing describes a guest region backed by host memory.
type Backing struct {
	GPA  uint64
	HPA  uint64
	Size uint64

	Cacheable  bool
	Bufferable bool
	ReadOnly   bool
}

// Attr returns the stage-2 attributes for pages of b.
func (b Backing) Attr() pgtbl.Attr {
	a := pgtbl.AttrRead | pgtbl.AttrExec
	if !b.ReadOnly {
		a |= pgtbl.AttrWrite
	}

	if b.Cacheable {
		a |= pgtbl.AttrCacheable
	}

	if b.Bufferable {
		a |= pgtbl.AttrBufferable
	}

	return a
}

// Contains reports whether gpa lies in b.
func (b Backing) Contains(gpa uint64) bool {
	return gpa >= b.GPA && gpa-b.GPA < b.Size
}

// flushAllThreshold is the page count above which Unmap flushes whole TLBs
// instead of single entries.
const flushAllThreshold = 64

// Stage2 is a guest's stage-2 translation table.
type Stage2 struct {
	pt  *pgtbl.Table
	ram *mm.HostRAM

	mu   sync.Mutex
	tlbs []TLB

	populated atomic.Uint64
	raced     atomic.Uint64
}

// New returns an empty stage-2 table over host RAM.
func New(ram *mm.HostRAM) *Stage2 {
	return &Stage2{pt: pgtbl.New(), ram: ram}
}

func (s *Stage2) Table() *pgtbl.Table { return s.pt }

// Map installs translations for [gpa, gpa+size).
func (s *Stage2) Map(gpa, hpa, size uint64, attr pgtbl.Attr) error {
	if !s.ram.Contains(hpa, size) {
		return fmt.Errorf("mmu: %#x+%#x is not host RAM: %w", hpa, size, unix.EINVAL)
	}

	return s.pt.Map(gpa, hpa, size, attr)
}

// Unmap removes translations for [gpa, gpa+size) and flushes them from every
// registered TLB.
func (s *Stage2) Unmap(gpa, size uint64) error {
	if err := s.pt.Unmap(gpa, size); err != nil {
		return err
	}

	s.mu.Lock()
	tlbs := slices.Clone(s.tlbs)
	s.mu.Unlock()

	pages := size >> pgtbl.PageShift
	for _, t := range tlbs {
		if pages > flushAllThreshold {
			t.FlushTLB()
			continue
		}

		for p := uint64(0); p < pages; p++ {
			t.FlushTLBEntry(gpa + p<<pgtbl.PageShift)
		}
	}

	return nil
}

// Translate returns the host physical address for gpa if a mapping allows
// the access.
func (s *Stage2) Translate(gpa uint64, write bool) (uint64, bool) {
	m, ok := s.pt.Walk(gpa)
	if !ok || m.Attr&pgtbl.AttrRead == 0 {
		return 0, false
	}

	if write && m.Attr&pgtbl.AttrWrite == 0 {
		return 0, false
	}

	return m.PA, true
}

// Bytes returns n bytes of host RAM at hpa.
func (s *Stage2) Bytes(hpa uint64, n int) ([]byte, error) {
	return s.ram.Bytes(hpa, n)
}

// Populate maps the page of b containing gpa. A page another VCPU mapped
// first counts as success.
func (s *Stage2) Populate(b Backing, gpa uint64) error {
	if !b.Contains(gpa) {
		return fmt.Errorf("mmu: %#x outside %#x+%#x: %w", gpa, b.GPA, b.Size, unix.EFAULT)
	}

	page := gpa &^ pgtbl.PageMask
	hpa := b.HPA + (page - b.GPA)

	err := s.pt.MapPage(page, hpa, b.Attr())
	if errors.Is(err, pgtbl.ErrExists) {
		s.raced.Add(1)
		return nil
	}

	if err != nil {
		return err
	}

	s.populated.Add(1)
	return nil
}

// Stats returns the number of pages populated and of populates that found
// the page already mapped.
func (s *Stage2) Stats() (populated, raced uint64) {
	return s.populated.Load(), s.raced.Load()
}

// RegisterTLB adds a TLB to the shootdown set.
func (s *Stage2) RegisterTLB(t TLB) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !slices.Contains(s.tlbs, t) {
		s.tlbs = append(s.tlbs, t)
	}
}

// UnregisterTLB removes a TLB from the shootdown set.
func (s *Stage2) UnregisterTLB(t TLB) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tlbs = slices.DeleteFunc(s.tlbs, func(x TLB) bool { return x == t })
}

// FlushAll empties every registered TLB.
func (s *Stage2) FlushAll() {
	s.mu.Lock()
	tlbs := slices.Clone(s.tlbs)
	s.mu.Unlock()

	for _, t := range tlbs {
		t.FlushTLB()
	}
}

// Clear removes every translation. The TLBs are flushed even if some
// leaves could not be removed.
func (s *Stage2) Clear() error {
	var spans [][2]uint64
	s.pt.Range(func(va uint64, m pgtbl.Mapping) bool {
		spans = append(spans, [2]uint64{va, m.Size})
		return true
	})

	var errs *multierror.Error
	for _, sp := range spans {
		if err := s.pt.Unmap(sp[0], sp[1]); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("mmu: unmap %#x+%#x: %w", sp[0], sp[1], err))
		}
	}

	s.FlushAll()
	return errs.ErrorOrNil()
}
