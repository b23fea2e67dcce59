// Package mm manages host memory: the RAM arena, the physical frame pool, the
// virtual address pool, the normal and DMA heaps and the host address space.
package mm

import (
	"errors"
	"fmt"

	"github.com/c35s/hvcore/mm/pgtbl"
	"golang.org/x/sys/unix"
)

const (
	PageShift = pgtbl.PageShift
	PageSize  = pgtbl.PageSize
	PageMask  = pgtbl.PageMask
)

var (
	ErrMmap    = errors.New("mm: host RAM mmap failed")
	ErrFault   = fmt.Errorf("mm: address outside host RAM: %w", unix.EFAULT)
	ErrAligned = fmt.Errorf("mm: address or size not page aligned: %w", unix.EINVAL)
)

// HostRAM is the host's physical RAM. It is an anonymous mapping addressed by
// host-physical addresses in [Base, Base+Size).
type HostRAM struct {
	base uint64
	mem  []byte
}

// NewHostRAM maps size bytes of RAM starting at physical address base.
func NewHostRAM(base, size uint64) (*HostRAM, error) {
	if base&PageMask != 0 || size&PageMask != 0 || size == 0 {
		return nil, ErrAligned
	}

	mem, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMmap, err)
	}

	return &HostRAM{base: base, mem: mem}, nil
}

func (r *HostRAM) Base() uint64 { return r.base }
func (r *HostRAM) Size() uint64 { return uint64(len(r.mem)) }

// Contains reports whether [pa, pa+n) lies in RAM.
func (r *HostRAM) Contains(pa, n uint64) bool {
	return pa >= r.base && n <= uint64(len(r.mem)) && pa-r.base <= uint64(len(r.mem))-n
}

// Bytes returns the n bytes of RAM at pa. The slice aliases RAM.
func (r *HostRAM) Bytes(pa uint64, n int) ([]byte, error) {
	if n < 0 || !r.Contains(pa, uint64(n)) {
		return nil, fmt.Errorf("%w: %#x+%#x", ErrFault, pa, n)
	}

	off := pa - r.base
	return r.mem[off : off+uint64(n) : off+uint64(n)], nil
}

// Zero clears [pa, pa+n).
func (r *HostRAM) Zero(pa uint64, n int) error {
	b, err := r.Bytes(pa, n)
	if err != nil {
		return err
	}

	clear(b)
	return nil
}

// Close unmaps the arena.
func (r *HostRAM) Close() error {
	if r.mem == nil {
		return nil
	}

	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}
