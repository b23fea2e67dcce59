package mm

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/c35s/hvcore/mm/pgtbl"
	"golang.org/x/sys/unix"
)

// Flags describe a host mapping.
type Flags uint32

const (
	Readable Flags = 1 << iota
	Writeable
	Executable
	Cacheable
	Bufferable
	IO
	DMA
)

const (
	// Normal is ordinary cached RAM.
	Normal = Readable | Writeable | Cacheable | Bufferable

	// Device is uncached I/O memory.
	Device = Readable | Writeable | IO
)

func (f Flags) String() string {
	var parts []string
	for i, n := range []string{"r", "w", "x", "c", "b", "io", "dma"} {
		if f&(1<<i) != 0 {
			parts = append(parts, n)
		}
	}

	return strings.Join(parts, "|")
}

// Attr converts the flags to page table attributes.
func (f Flags) Attr() pgtbl.Attr {
	var a pgtbl.Attr
	if f&Readable != 0 {
		a |= pgtbl.AttrRead
	}

	if f&Writeable != 0 {
		a |= pgtbl.AttrWrite
	}

	if f&Executable != 0 {
		a |= pgtbl.AttrExec
	}

	// I/O and DMA mappings are never cached
	if f&(IO|DMA) == 0 {
		if f&Cacheable != 0 {
			a |= pgtbl.AttrCacheable
		}

		if f&Bufferable != 0 {
			a |= pgtbl.AttrBufferable
		}
	}

	if f&IO != 0 {
		a |= pgtbl.AttrDevice
	}

	return a
}

var ErrNotMapped = fmt.Errorf("mm: virtual address not mapped: %w", unix.EFAULT)

// RegWindow is a device tree node with register windows.
type RegWindow interface {
	RegAddr(i int) (uint64, error)
	RegSize(i int) (uint64, error)
}

// AddressSpace is the host's own virtual address space. Virtual ranges come
// from a VAPool, RAM pages from a FramePool, and translations live in a page
// table.
type AddressSpace struct {
	ram    *HostRAM
	frames *FramePool
	va     *VAPool
	pt     *pgtbl.Table

	mu     sync.Mutex
	pa2va  map[uint64]uint64 // page cache for PA2VA
	regmap map[uint64]uint64 // regmap va -> size
}

// NewAddressSpace builds an address space over the given pools.
func NewAddressSpace(ram *HostRAM, frames *FramePool, va *VAPool) *AddressSpace {
	return &AddressSpace{
		ram:    ram,
		frames: frames,
		va:     va,
		pt:     pgtbl.New(),
		pa2va:  make(map[uint64]uint64),
		regmap: make(map[uint64]uint64),
	}
}

func (as *AddressSpace) RAM() *HostRAM { return as.ram }
func (as *AddressSpace) Frames() *FramePool { return as.frames }
func (as *AddressSpace) VAPool() *VAPool { return as.va }
func (as *AddressSpace) Table() *pgtbl.Table { return as.pt }

// AllocPages allocates n pages of RAM, maps them at a fresh virtual address
// and returns it.
func (as *AddressSpace) AllocPages(n int, flags Flags) (uint64, error) {
	if n <= 0 {
		return 0, unix.EINVAL
	}

	size := uint64(n) << PageShift

	pa, err := as.frames.Alloc(n)
	if err != nil {
		return 0, err
	}

	va, err := as.va.Alloc(size)
	if err != nil {
		as.frames.Free(pa, n)
		return 0, err
	}

	if err := as.pt.Map(va, pa, size, flags.Attr()); err != nil {
		as.va.Free(va)
		as.frames.Free(pa, n)
		return 0, err
	}

	return va, nil
}

// FreePages releases pages obtained from AllocPages.
func (as *AddressSpace) FreePages(va uint64, n int) error {
	pa, err := as.VA2PA(va)
	if err != nil {
		return err
	}

	size := uint64(n) << PageShift
	if err := as.pt.Unmap(va, size); err != nil {
		return err
	}

	if err := as.va.Free(va); err != nil {
		return err
	}

	return as.frames.Free(pa, n)
}

// Map installs a translation from va to pa.
func (as *AddressSpace) Map(va, pa, size uint64, flags Flags) error {
	return as.pt.Map(va, pa, size, flags.Attr())
}

// Unmap removes the translations of [va, va+size).
func (as *AddressSpace) Unmap(va, size uint64) error {
	return as.pt.Unmap(va, size)
}

// VA2PA translates a host virtual address.
func (as *AddressSpace) VA2PA(va uint64) (uint64, error) {
	m, ok := as.pt.Walk(va)
	if !ok {
		return 0, fmt.Errorf("%w: %#x", ErrNotMapped, va)
	}

	return m.PA, nil
}

// PA2VA returns a virtual address for pa, mapping the covering pages on
// first use and reusing the mapping afterwards.
func (as *AddressSpace) PA2VA(pa, size uint64, flags Flags) (uint64, error) {
	if size == 0 {
		return 0, unix.EINVAL
	}

	first := pa &^ PageMask
	span := pageAlign(pa+size) - first

	as.mu.Lock()
	defer as.mu.Unlock()

	if va, ok := as.pa2va[first]; ok {
		if m, ok := as.pt.Walk(va + span - 1); ok && m.PA == first+span-1 {
			return va + pa&PageMask, nil
		}
	}

	va, err := as.va.Alloc(span)
	if err != nil {
		return 0, err
	}

	if err := as.pt.Map(va, first, span, flags.Attr()); err != nil {
		as.va.Free(va)
		return 0, err
	}

	as.pa2va[first] = va
	return va + pa&PageMask, nil
}

// IOMap maps a device window and returns its virtual address.
func (as *AddressSpace) IOMap(pa, size uint64, flags Flags) (uint64, error) {
	first := pa &^ PageMask
	span := pageAlign(pa+size) - first

	va, err := as.va.Alloc(span)
	if err != nil {
		return 0, err
	}

	if err := as.pt.Map(va, first, span, (flags | IO).Attr()); err != nil {
		as.va.Free(va)
		return 0, err
	}

	return va + pa&PageMask, nil
}

// IOUnmap removes a mapping made by IOMap.
func (as *AddressSpace) IOUnmap(va, size uint64) error {
	first := va &^ PageMask
	span := pageAlign(va+size) - first

	if err := as.pt.Unmap(first, span); err != nil {
		return err
	}

	return as.va.Free(first)
}

// RequestRegmap maps register window idx of node with device attributes.
func (as *AddressSpace) RequestRegmap(node RegWindow, idx int) (uint64, error) {
	addr, err := node.RegAddr(idx)
	if err != nil {
		return 0, err
	}

	size, err := node.RegSize(idx)
	if err != nil {
		return 0, err
	}

	va, err := as.IOMap(addr, size, Device)
	if err != nil {
		return 0, err
	}

	as.mu.Lock()
	as.regmap[va] = size
	as.mu.Unlock()

	return va, nil
}

// ReleaseRegmap undoes RequestRegmap.
func (as *AddressSpace) ReleaseRegmap(va uint64) error {
	as.mu.Lock()
	size, ok := as.regmap[va]
	delete(as.regmap, va)
	as.mu.Unlock()

	if !ok {
		return fmt.Errorf("mm: no regmap at %#x: %w", va, unix.ENOENT)
	}

	return as.IOUnmap(va, size)
}

// Bytes returns n bytes of RAM at the virtual address va. The range must be
// backed by physically contiguous RAM.
func (as *AddressSpace) Bytes(va uint64, n int) ([]byte, error) {
	pa, err := as.VA2PA(va)
	if err != nil {
		return nil, err
	}

	if n > 1 {
		last, err := as.VA2PA(va + uint64(n) - 1)
		if err != nil {
			return nil, err
		}

		if last-pa != uint64(n)-1 {
			return nil, errors.New("mm: range is not physically contiguous")
		}
	}

	return as.ram.Bytes(pa, n)
}
