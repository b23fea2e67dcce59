package mm

import (
	"fmt"
	"io"
	"math/bits"
	"sync"
	"unsafe"

	"github.com/bits-and-blooms/bitset"
	"github.com/c35s/hvcore/mm/buddy"
	"golang.org/x/sys/unix"
)

// HeapMinOrder is the smallest heap block: one cache line.
const HeapMinOrder = 6

// Heap is a buddy allocator over a run of mapped host pages. Addresses it
// returns are host virtual addresses.
type Heap struct {
	name  string
	as    *AddressSpace
	flags Flags

	va    uint64
	pages int
	buddy *buddy.Allocator

	// house-keeping lives either at hkVA inside this heap or in hkHeap
	hkVA   uint64
	hkSize uint64
	hkHeap *Heap

	// live is backed by the house-keeping block: bit i is set while an
	// allocation starts at va + i<<HeapMinOrder
	mu   sync.Mutex
	live *bitset.BitSet
}

// NewNormalHeap creates a cached heap of size bytes. Its house-keeping is
// allocated inside its own region.
func NewNormalHeap(as *AddressSpace, size uint64) (*Heap, error) {
	h, err := newHeap("normal", as, size, Normal)
	if err != nil {
		return nil, err
	}

	h.hkVA, err = h.buddy.Alloc(h.hkSize)
	if err != nil {
		h.release()
		return nil, fmt.Errorf("mm: normal heap house-keeping: %w", err)
	}

	if err := h.initLive(); err != nil {
		h.release()
		return nil, err
	}

	h.live.Set(h.bit(h.hkVA))
	return h, nil
}

// NewDMAHeap creates a non-cacheable heap of size bytes. Its house-keeping is
// borrowed from normal.
func NewDMAHeap(as *AddressSpace, normal *Heap, size uint64) (*Heap, error) {
	h, err := newHeap("dma", as, size, Readable|Writeable|DMA)
	if err != nil {
		return nil, err
	}

	h.hkVA, err = normal.Alloc(h.hkSize)
	if err != nil {
		h.release()
		return nil, fmt.Errorf("mm: dma heap house-keeping: %w", err)
	}

	h.hkHeap = normal
	if err := h.initLive(); err != nil {
		normal.Free(h.hkVA)
		h.release()
		return nil, err
	}

	return h, nil
}

func newHeap(name string, as *AddressSpace, size uint64, flags Flags) (*Heap, error) {
	if size < PageSize || size&PageMask != 0 {
		return nil, fmt.Errorf("mm: bad %s heap size %#x: %w", name, size, unix.EINVAL)
	}

	pages := int(size >> PageShift)
	va, err := as.AllocPages(pages, flags)
	if err != nil {
		return nil, fmt.Errorf("mm: %s heap pages: %w", name, err)
	}

	maxOrder := uint(bits.Len64(size) - 1)
	b, err := buddy.New(va, size, HeapMinOrder, maxOrder)
	if err != nil {
		as.FreePages(va, pages)
		return nil, err
	}

	// one bit per minimum block
	hk := size >> HeapMinOrder / 8
	if hk < 1<<HeapMinOrder {
		hk = 1 << HeapMinOrder
	}

	return &Heap{
		name:   name,
		as:     as,
		flags:  flags,
		va:     va,
		pages:  pages,
		buddy:  b,
		hkSize: hk,
	}, nil
}

// initLive lays the allocation map over the house-keeping block.
func (h *Heap) initLive() error {
	b, err := h.as.Bytes(h.hkVA, int(h.hkSize))
	if err != nil {
		return fmt.Errorf("mm: %s heap house-keeping: %w", h.name, err)
	}

	clear(b)
	words := unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), len(b)/8)
	h.live = bitset.FromWithLength(uint(h.buddy.TotalBytes()>>HeapMinOrder), words)
	return nil
}

func (h *Heap) bit(va uint64) uint { return uint((va - h.va) >> HeapMinOrder) }

func (h *Heap) Name() string { return h.name }

// Base returns the first address of the heap.
func (h *Heap) Base() uint64 { return h.va }

// Alloc returns the address of a block of at least n bytes, aligned to its
// size class.
func (h *Heap) Alloc(n uint64) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	va, err := h.buddy.Alloc(n)
	if err != nil {
		return 0, err
	}

	h.live.Set(h.bit(va))
	return va, nil
}

// Allocated reports whether an allocation starts at va.
func (h *Heap) Allocated(va uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Contains(va) && h.live.Test(h.bit(va))
}

// Zalloc is Alloc with the block cleared.
func (h *Heap) Zalloc(n uint64) (uint64, error) {
	va, err := h.Alloc(n)
	if err != nil {
		return 0, err
	}

	b, err := h.Bytes(va)
	if err != nil {
		h.Free(va)
		return 0, err
	}

	clear(b)
	return va, nil
}

// AllocSize returns the usable size of the block at va.
func (h *Heap) AllocSize(va uint64) (uint64, error) {
	return h.buddy.AllocSize(va)
}

func (h *Heap) Free(va uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.Contains(va) || !h.live.Test(h.bit(va)) {
		return fmt.Errorf("mm: %s heap: free of %#x, not allocated: %w", h.name, va, unix.EINVAL)
	}

	if err := h.buddy.Free(va); err != nil {
		return err
	}

	h.live.Clear(h.bit(va))
	return nil
}

// Bytes returns the memory of the block at va.
func (h *Heap) Bytes(va uint64) ([]byte, error) {
	sz, err := h.buddy.AllocSize(va)
	if err != nil {
		return nil, err
	}

	return h.as.Bytes(va, int(sz))
}

// Contains reports whether va lies in the heap.
func (h *Heap) Contains(va uint64) bool { return h.buddy.Contains(va) }

func (h *Heap) TotalBytes() uint64 { return h.buddy.TotalBytes() }
func (h *Heap) FreeBytes() uint64 { return h.buddy.FreeBytes() }

// HouseKeeping reports where the heap's house-keeping lives.
func (h *Heap) HouseKeeping() (va, size uint64, owner *Heap) {
	if h.hkHeap != nil {
		return h.hkVA, h.hkSize, h.hkHeap
	}

	return h.hkVA, h.hkSize, h
}

// WriteState prints the heap's bins to w.
func (h *Heap) WriteState(w io.Writer) error {
	_, hk, owner := h.HouseKeeping()
	if _, err := fmt.Fprintf(w, "%s heap: va %#x size %#x flags %v house-keeping %#x in %s\n",
		h.name, h.va, h.buddy.TotalBytes(), h.flags, hk, owner.name); err != nil {
		return err
	}

	return h.buddy.WriteState(w)
}

// Close releases the heap's pages and house-keeping.
func (h *Heap) Close() error {
	if h.hkHeap != nil {
		if err := h.hkHeap.Free(h.hkVA); err != nil {
			return err
		}
	}

	return h.release()
}

func (h *Heap) release() error {
	return h.as.FreePages(h.va, h.pages)
}
