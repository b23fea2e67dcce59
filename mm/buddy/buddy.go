// Package buddy implements a binary buddy allocator over a contiguous address
// range. It backs the host frame pool, the virtual address pool and the heaps.
//
// Bin k holds free blocks of 2^k bytes. Allocation rounds a request up to the
// smallest bin that fits, takes the lowest free address from the first
// non-empty bin at or above it and splits the block down. Every block is
// aligned to its own size.
package buddy

import (
	"fmt"
	"io"
	"math/bits"
	"slices"
	"sync"

	"golang.org/x/sys/unix"
)

// Allocator is a buddy allocator. It is safe for concurrent use.
type Allocator struct {
	mu sync.Mutex

	base uint64
	size uint64

	minOrder uint
	maxOrder uint

	free [][]uint64 // free block addresses per bin, sorted
	used map[uint64]block

	freeBytes uint64
}

type block struct {
	order uint
	req   uint64
}

// BinStat describes one bin of an allocator.
type BinStat struct {
	Order     uint
	BlockSize uint64
	Free      int
}

// New returns an allocator managing [base, base+size). Blocks are between
// 2^minOrder and 2^maxOrder bytes. The base and size must be aligned to the
// minimum block size.
func New(base, size uint64, minOrder, maxOrder uint) (*Allocator, error) {
	if minOrder > maxOrder || maxOrder >= 64 {
		return nil, fmt.Errorf("buddy: bad orders %d..%d: %w", minOrder, maxOrder, unix.EINVAL)
	}

	minSz := uint64(1) << minOrder
	if size == 0 || base%minSz != 0 || size%minSz != 0 {
		return nil, fmt.Errorf("buddy: range %#x+%#x is not %#x aligned: %w", base, size, minSz, unix.EINVAL)
	}

	if base+size < base {
		return nil, fmt.Errorf("buddy: range %#x+%#x overflows: %w", base, size, unix.EINVAL)
	}

	a := &Allocator{
		base:     base,
		size:     size,
		minOrder: minOrder,
		maxOrder: maxOrder,
		free:     make([][]uint64, maxOrder-minOrder+1),
		used:     make(map[uint64]block),
	}

	// carve the range into the largest naturally aligned blocks
	end := base + size
	for addr := base; addr < end; {
		o := maxOrder
		for o > minOrder && (addr%(1<<o) != 0 || addr+(1<<o) > end) {
			o--
		}

		a.push(o, addr)
		a.freeBytes += 1 << o
		addr += 1 << o
	}

	return a, nil
}

// Base returns the first address managed by the allocator.
func (a *Allocator) Base() uint64 { return a.base }

// TotalBytes returns the size of the managed range.
func (a *Allocator) TotalBytes() uint64 { return a.size }

// MinBlock returns the smallest block size.
func (a *Allocator) MinBlock() uint64 { return 1 << a.minOrder }

// FreeBytes returns the number of bytes not covered by an allocation.
func (a *Allocator) FreeBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeBytes
}

// Contains reports whether addr lies in the managed range.
func (a *Allocator) Contains(addr uint64) bool {
	return addr >= a.base && addr-a.base < a.size
}

// Alloc allocates a block of at least n bytes and returns its address.
// It returns unix.ENOMEM if no bin can satisfy the request.
func (a *Allocator) Alloc(n uint64) (uint64, error) {
	if n == 0 {
		return 0, unix.EINVAL
	}

	order := a.orderFor(n)
	if order > a.maxOrder {
		return 0, unix.ENOMEM
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	o := order
	for o <= a.maxOrder && len(a.bin(o)) == 0 {
		o++
	}

	if o > a.maxOrder {
		return 0, unix.ENOMEM
	}

	addr := a.bin(o)[0]
	a.remove(o, addr)

	for o > order {
		o--
		a.push(o, addr+(1<<o))
	}

	a.used[addr] = block{order: order, req: n}
	a.freeBytes -= 1 << order

	return addr, nil
}

// Reserve claims the block of at least size bytes starting at addr. The
// address must be aligned to the rounded block size and currently free.
func (a *Allocator) Reserve(addr, size uint64) error {
	if size == 0 {
		return unix.EINVAL
	}

	order := a.orderFor(size)
	if order > a.maxOrder || addr%(1<<order) != 0 || !a.Contains(addr) {
		return unix.EINVAL
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for o := order; o <= a.maxOrder; o++ {
		start := addr &^ ((1 << o) - 1)
		if _, ok := slices.BinarySearch(a.bin(o), start); !ok {
			continue
		}

		a.remove(o, start)

		// split towards addr, freeing the halves that don't contain it
		for o > order {
			o--
			half := uint64(1) << o
			if addr >= start+half {
				a.push(o, start)
				start += half
			} else {
				a.push(o, start+half)
			}
		}

		a.used[addr] = block{order: order, req: size}
		a.freeBytes -= 1 << order
		return nil
	}

	return unix.EBUSY
}

// Free releases the block at addr and merges it with its free buddies.
func (a *Allocator) Free(addr uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.used[addr]
	if !ok {
		return fmt.Errorf("buddy: free of unknown block %#x: %w", addr, unix.ENOENT)
	}

	delete(a.used, addr)
	a.freeBytes += 1 << b.order

	o := b.order
	for o < a.maxOrder {
		buddy := addr ^ (1 << o)
		parent := addr &^ (1 << o)
		if parent < a.base || parent+(1<<(o+1)) > a.base+a.size {
			break
		}

		if _, ok := slices.BinarySearch(a.bin(o), buddy); !ok {
			break
		}

		a.remove(o, buddy)
		addr = parent
		o++
	}

	a.push(o, addr)
	return nil
}

// AllocSize returns the size of the block allocated at addr, which is never
// smaller than the size requested.
func (a *Allocator) AllocSize(addr uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.used[addr]
	if !ok {
		return 0, unix.ENOENT
	}

	return 1 << b.order, nil
}

// Requested returns the size originally requested for the block at addr.
func (a *Allocator) Requested(addr uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.used[addr]
	if !ok {
		return 0, unix.ENOENT
	}

	return b.req, nil
}

// Allocations returns the number of live allocations.
func (a *Allocator) Allocations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}

// Stats returns the free block count of every bin.
func (a *Allocator) Stats() []BinStat {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := make([]BinStat, 0, len(a.free))
	for o := a.minOrder; o <= a.maxOrder; o++ {
		st = append(st, BinStat{
			Order:     o,
			BlockSize: 1 << o,
			Free:      len(a.bin(o)),
		})
	}

	return st
}

// WriteState prints the allocator's bins to w.
func (a *Allocator) WriteState(w io.Writer) error {
	for _, s := range a.Stats() {
		if _, err := fmt.Fprintf(w, "bin %2d (%#x): %d free\n", s.Order, s.BlockSize, s.Free); err != nil {
			return err
		}
	}

	_, err := fmt.Fprintf(w, "free %#x of %#x bytes\n", a.FreeBytes(), a.size)
	return err
}

func (a *Allocator) orderFor(n uint64) uint {
	o := uint(bits.Len64(n - 1))
	if o < a.minOrder {
		o = a.minOrder
	}

	return o
}

func (a *Allocator) bin(o uint) []uint64 {
	return a.free[o-a.minOrder]
}

func (a *Allocator) push(o uint, addr uint64) {
	l := a.free[o-a.minOrder]
	i, _ := slices.BinarySearch(l, addr)
	a.free[o-a.minOrder] = slices.Insert(l, i, addr)
}

func (a *Allocator) remove(o uint, addr uint64) {
	l := a.free[o-a.minOrder]
	if i, ok := slices.BinarySearch(l, addr); ok {
		a.free[o-a.minOrder] = slices.Delete(l, i, i+1)
	}
}

// Block is a free block.
type Block struct {
	Addr uint64
	Size uint64
}

// FreeBlocks lists every free block in ascending bin order.
func (a *Allocator) FreeBlocks() []Block {
	a.mu.Lock()
	defer a.mu.Unlock()

	var bb []Block
	for o := a.minOrder; o <= a.maxOrder; o++ {
		for _, addr := range a.bin(o) {
			bb = append(bb, Block{Addr: addr, Size: 1 << o})
		}
	}

	return bb
}
