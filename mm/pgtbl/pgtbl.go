// Package pgtbl implements four-level page tables with a 4K granule. The same
// tables describe the host's own mappings and guest stage-2 translations.
//
// Level 0 entries cover 512G, level 1 1G, level 2 2M and level 3 4K. Leaves
// may be installed at levels 1, 2 and 3.
package pgtbl

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1

	entriesPerTable = 512
	levels          = 4
)

var levelShift = [levels]uint{39, 30, 21, 12}

// BlockSize returns the span of a leaf at the given level.
func BlockSize(level int) uint64 {
	return 1 << levelShift[level]
}

// Attr are the memory attributes of a leaf.
type Attr uint32

const (
	AttrRead Attr = 1 << iota
	AttrWrite
	AttrExec
	AttrCacheable
	AttrBufferable
	AttrDevice
)

const AttrRWX = AttrRead | AttrWrite | AttrExec

func (a Attr) String() string {
	b := []byte("------")
	for i, c := range "rwxcbd" {
		if a&(1<<i) != 0 {
			b[i] = byte(c)
		}
	}

	return string(b)
}

var (
	// ErrExists is returned when an identical leaf is already present.
	ErrExists = fmt.Errorf("pgtbl: mapping exists: %w", unix.EEXIST)

	// ErrConflict is returned when a different mapping occupies the range.
	ErrConflict = fmt.Errorf("pgtbl: conflicting mapping: %w", unix.EBUSY)

	ErrUnaligned = fmt.Errorf("pgtbl: unaligned address or size: %w", unix.EINVAL)
)

type pte struct {
	valid bool
	leaf  bool
	pa    uint64
	attr  Attr
	next  *ptes
}

type ptes [entriesPerTable]pte

// Table is a page table. It is safe for concurrent use.
type Table struct {
	mu     sync.RWMutex
	root   *ptes
	leaves int
}

// Mapping describes a translation found by Walk.
type Mapping struct {
	PA    uint64
	Attr  Attr
	Level int
	Size  uint64
}

// New returns an empty table.
func New() *Table {
	return &Table{root: new(ptes)}
}

func index(va uint64, level int) int {
	return int(va>>levelShift[level]) & (entriesPerTable - 1)
}

// Map installs translations for [va, va+size) to [pa, pa+size), using the
// largest leaves alignment permits.
func (t *Table) Map(va, pa, size uint64, attr Attr) error {
	if va&PageMask != 0 || pa&PageMask != 0 || size&PageMask != 0 || size == 0 {
		return ErrUnaligned
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var done uint64
	for done < size {
		level := levels - 1
		for l := 1; l < levels-1; l++ {
			bs := BlockSize(l)
			if (va+done)%bs == 0 && (pa+done)%bs == 0 && size-done >= bs && t.slotFree(va+done, l) {
				level = l
				break
			}
		}

		if err := t.install(va+done, pa+done, attr, level); err != nil {
			// roll back what this call installed
			if done > 0 {
				t.unmapLocked(va, done)
			}

			return err
		}

		done += BlockSize(level)
	}

	return nil
}

// MapPage installs a single 4K leaf. It returns ErrExists if the same
// translation is already present, which racing populators treat as success.
func (t *Table) MapPage(va, pa uint64, attr Attr) error {
	if va&PageMask != 0 || pa&PageMask != 0 {
		return ErrUnaligned
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.install(va, pa, attr, levels-1)
}

// Unmap removes translations for [va, va+size). Block leaves partially
// covered by the range are split first. Unmapped holes are ignored.
func (t *Table) Unmap(va, size uint64) error {
	if va&PageMask != 0 || size&PageMask != 0 {
		return ErrUnaligned
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.unmapLocked(va, size)
	return nil
}

// Walk translates va.
func (t *Table) Walk(va uint64) (Mapping, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tbl := t.root
	for l := 0; l < levels; l++ {
		e := &tbl[index(va, l)]
		if !e.valid {
			return Mapping{}, false
		}

		if e.leaf {
			bs := BlockSize(l)
			return Mapping{
				PA:    e.pa + va&(bs-1),
				Attr:  e.attr,
				Level: l,
				Size:  bs,
			}, true
		}

		tbl = e.next
	}

	return Mapping{}, false
}

// Leaves returns the number of installed leaves.
func (t *Table) Leaves() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.leaves
}

// Range calls fn for each leaf in ascending address order.
func (t *Table) Range(fn func(va uint64, m Mapping) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rangeTable(t.root, 0, 0, fn)
}

func rangeTable(tbl *ptes, level int, base uint64, fn func(uint64, Mapping) bool) bool {
	for i := range tbl {
		e := &tbl[i]
		if !e.valid {
			continue
		}

		va := base | uint64(i)<<levelShift[level]
		if e.leaf {
			if !fn(va, Mapping{PA: e.pa, Attr: e.attr, Level: level, Size: BlockSize(level)}) {
				return false
			}

			continue
		}

		if !rangeTable(e.next, level+1, va, fn) {
			return false
		}
	}

	return true
}

func (t *Table) slotFree(va uint64, level int) bool {
	tbl := t.root
	for l := 0; l < level; l++ {
		e := &tbl[index(va, l)]
		if !e.valid {
			return true
		}

		if e.leaf {
			return false
		}

		tbl = e.next
	}

	return !tbl[index(va, level)].valid
}

func (t *Table) install(va, pa uint64, attr Attr, level int) error {
	tbl := t.root
	for l := 0; l < level; l++ {
		e := &tbl[index(va, l)]
		if !e.valid {
			*e = pte{valid: true, next: new(ptes)}
		} else if e.leaf {
			bs := BlockSize(l)
			if e.pa+va&(bs-1) == pa && e.attr == attr {
				return ErrExists
			}

			return ErrConflict
		}

		tbl = e.next
	}

	e := &tbl[index(va, level)]
	if e.valid {
		if e.leaf && e.pa == pa && e.attr == attr {
			return ErrExists
		}

		return ErrConflict
	}

	*e = pte{valid: true, leaf: true, pa: pa, attr: attr}
	t.leaves++

	return nil
}

func (t *Table) unmapLocked(va, size uint64) {
	end := va + size
	for va < end {
		va += t.unmapOne(t.root, 0, va, end)
	}
}

// unmapOne clears the entry covering va at the deepest level necessary and
// returns how many bytes were handled.
func (t *Table) unmapOne(tbl *ptes, level int, va, end uint64) uint64 {
	bs := BlockSize(level)
	e := &tbl[index(va, level)]
	next := (va &^ (bs - 1)) + bs
	if next > end || next < va {
		next = end
	}

	if !e.valid {
		return next - va
	}

	if e.leaf {
		if va&(bs-1) == 0 && next-va == bs {
			*e = pte{}
			t.leaves--
			return bs
		}

		t.split(e, level)
	}

	if va&(bs-1) == 0 && next-va == bs && level < levels-1 {
		t.leaves -= countLeaves(e.next)
		*e = pte{}
		return bs
	}

	n := t.unmapOne(e.next, level+1, va, end)
	if empty(e.next) {
		*e = pte{}
	}

	return n
}

// split replaces a block leaf by a table of leaves one level down.
func (t *Table) split(e *pte, level int) {
	sub := new(ptes)
	cs := BlockSize(level + 1)
	for i := range sub {
		sub[i] = pte{valid: true, leaf: true, pa: e.pa + uint64(i)*cs, attr: e.attr}
	}

	t.leaves += entriesPerTable - 1
	*e = pte{valid: true, next: sub}
}

func countLeaves(tbl *ptes) int {
	n := 0
	for i := range tbl {
		switch e := &tbl[i]; {
		case !e.valid:
		case e.leaf:
			n++
		default:
			n += countLeaves(e.next)
		}
	}

	return n
}

func empty(tbl *ptes) bool {
	for i := range tbl {
		if tbl[i].valid {
			return false
		}
	}

	return true
}

// IsExists reports whether err means the mapping was already present.
func IsExists(err error) bool {
	return errors.Is(err, ErrExists)
}
