package mm

import (
	"fmt"
	"math/bits"

	"github.com/bits-and-blooms/bitset"
	"github.com/c35s/hvcore/mm/buddy"
	"golang.org/x/sys/unix"
)

// VAPool allocates page-granular ranges of host virtual addresses.
type VAPool struct {
	buddy *buddy.Allocator
	base  uint64
	pages uint
}

// NewVAPool manages the virtual window [base, base+size).
func NewVAPool(base, size uint64) (*VAPool, error) {
	if base&PageMask != 0 || size&PageMask != 0 || size == 0 {
		return nil, fmt.Errorf("mm: bad vapool %#x+%#x: %w", base, size, unix.EINVAL)
	}

	pages := uint(size >> PageShift)
	maxOrder := uint(PageShift + bits.Len(pages) - 1)
	b, err := buddy.New(base, size, PageShift, maxOrder)
	if err != nil {
		return nil, err
	}

	return &VAPool{buddy: b, base: base, pages: pages}, nil
}

// Alloc returns a free range of at least size bytes aligned to its rounded size.
func (v *VAPool) Alloc(size uint64) (uint64, error) {
	return v.buddy.Alloc(pageAlign(size))
}

// Reserve claims the range starting at va.
func (v *VAPool) Reserve(va, size uint64) error {
	return v.buddy.Reserve(va, pageAlign(size))
}

func (v *VAPool) Free(va uint64) error {
	return v.buddy.Free(va)
}

// Size returns the size of the range allocated at va.
func (v *VAPool) Size(va uint64) (uint64, error) {
	return v.buddy.AllocSize(va)
}

func (v *VAPool) Contains(va uint64) bool { return v.buddy.Contains(va) }
func (v *VAPool) Base() uint64 { return v.base }
func (v *VAPool) TotalBytes() uint64 { return v.buddy.TotalBytes() }
func (v *VAPool) FreeBytes() uint64 { return v.buddy.FreeBytes() }

// Stats returns the free block count of every bin.
func (v *VAPool) Stats() []buddy.BinStat { return v.buddy.Stats() }

// Bitmap returns a page bitmap of the pool. Bit i is set if page i is in use.
func (v *VAPool) Bitmap() *bitset.BitSet {
	bm := bitset.New(v.pages).FlipRange(0, v.pages)
	for _, s := range v.buddy.FreeBlocks() {
		first := uint((s.Addr - v.base) >> PageShift)
		for i := first; i < first+uint(s.Size>>PageShift); i++ {
			bm.Clear(i)
		}
	}

	return bm
}

func pageAlign(n uint64) uint64 {
	return (n + PageMask) &^ PageMask
}
