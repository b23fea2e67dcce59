package mm

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/c35s/hvcore/mm/buddy"
	"golang.org/x/sys/unix"
)

// FramePool hands out page frames of host RAM in power-of-two runs. A bitmap
// records which frames are in use.
type FramePool struct {
	mu     sync.Mutex
	buddy  *buddy.Allocator
	bitmap *bitset.BitSet
	base   uint64
	total  uint
	free   uint
}

// NewFramePool manages frames page frames starting at base.
func NewFramePool(base uint64, frames int) (*FramePool, error) {
	if frames <= 0 || base&PageMask != 0 {
		return nil, fmt.Errorf("mm: bad frame pool %#x/%d: %w", base, frames, unix.EINVAL)
	}

	maxOrder := uint(PageShift + bits.Len(uint(frames)) - 1)
	b, err := buddy.New(base, uint64(frames)<<PageShift, PageShift, maxOrder)
	if err != nil {
		return nil, err
	}

	return &FramePool{
		buddy:  b,
		bitmap: bitset.New(uint(frames)),
		base:   base,
		total:  uint(frames),
		free:   uint(frames),
	}, nil
}

// Alloc allocates a run of n frames, rounded up to a power of two, and
// returns the physical address of the first.
func (p *FramePool) Alloc(n int) (uint64, error) {
	if n <= 0 {
		return 0, unix.EINVAL
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	pa, err := p.buddy.Alloc(uint64(n) << PageShift)
	if err != nil {
		return 0, err
	}

	sz, _ := p.buddy.AllocSize(pa)
	p.mark(pa, uint(sz>>PageShift), true)

	return pa, nil
}

// Reserve claims a specific run of frames, such as the kernel image.
func (p *FramePool) Reserve(pa uint64, n int) error {
	if n <= 0 || pa&PageMask != 0 {
		return unix.EINVAL
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.buddy.Reserve(pa, uint64(n)<<PageShift); err != nil {
		return err
	}

	sz, _ := p.buddy.AllocSize(pa)
	p.mark(pa, uint(sz>>PageShift), true)

	return nil
}

// Free releases the run starting at pa. The frame count must match the one
// given to Alloc.
func (p *FramePool) Free(pa uint64, n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	sz, err := p.buddy.AllocSize(pa)
	if err != nil {
		return fmt.Errorf("mm: free of unallocated frame %#x: %w", pa, err)
	}

	if want := uint64(n) << PageShift; n <= 0 || want > sz {
		return fmt.Errorf("mm: free %d frames at %#x of a %d frame run: %w", n, pa, sz>>PageShift, unix.EINVAL)
	}

	if err := p.buddy.Free(pa); err != nil {
		return err
	}

	p.mark(pa, uint(sz>>PageShift), false)
	return nil
}

// Contains reports whether pa belongs to the pool.
func (p *FramePool) Contains(pa uint64) bool { return p.buddy.Contains(pa) }

func (p *FramePool) Base() uint64 { return p.base }

func (p *FramePool) TotalFrames() int { return int(p.total) }

// FreeFrames returns the number of unallocated frames.
func (p *FramePool) FreeFrames() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.free)
}

// Allocated reports whether the frame at pa is in use.
func (p *FramePool) Allocated(pa uint64) bool {
	if !p.Contains(pa) {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bitmap.Test(uint((pa - p.base) >> PageShift))
}

// Bitmap returns a copy of the frame bitmap. Bit i is set if frame i is used.
func (p *FramePool) Bitmap() *bitset.BitSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bitmap.Clone()
}

func (p *FramePool) mark(pa uint64, n uint, used bool) {
	first := uint((pa - p.base) >> PageShift)
	for i := first; i < first+n; i++ {
		p.bitmap.SetTo(i, used)
	}

	if used {
		p.free -= n
	} else {
		p.free += n
	}
}
