package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	DescFNext     = 1 // buffer continues in the next descriptor
	DescFWrite    = 2 // buffer is device wo (otherwise ro)
	DescFIndirect = 4 // buffer contains a descriptor table

	// AvailFNoInterrupt is set by a driver that doesn't want used buffer
	// notifications. Ignored when FEventIdx is negotiated.
	AvailFNoInterrupt = 1
)

// MaxQueueSize is the largest descriptor count of a split virtqueue.
const MaxQueueSize = 1 << 15

const descSize = 16

var le = binary.LittleEndian

// ErrNoBuffer is returned by Pop when the driver has made no buffer
// available since the last one popped.
var ErrNoBuffer = errors.New("virtio: no available buffer")

// Desc is a split virtqueue descriptor.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// RingSize returns the bytes taken by a legacy vring of num descriptors
// whose used ring is aligned to align.
func RingSize(num, align uint32) uint64 {
	return alignUp(uint64(descSize*num)+uint64(2*(3+num)), uint64(align)) + uint64(6+8*num)
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// Queue is the device side of a legacy split virtqueue living in guest
// memory. The layout is the descriptor table, the available ring and,
// aligned, the used ring, starting at pfn * pageSize.
//
// Queue is safe for concurrent use; emulators completing requests
// asynchronously may call SetUsedElem while another goroutine pops.
type Queue struct {
	mu sync.Mutex

	mem      Memory
	num      uint32
	align    uint32
	pfn      uint64
	pageSize uint32
	addr     uint64
	size     uint64

	desc  []byte
	avail []byte
	used  []byte

	eventIdx bool
	indirect bool

	lastAvail         uint16
	lastUsedSignalled uint16

	notify func() error
}

// Setup places the queue in guest memory. Setting up a queue cleans up its
// previous placement first.
func (q *Queue) Setup(mem Memory, pfn uint64, pageSize, num, align uint32, features uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.cleanupLocked()

	if num == 0 || num > MaxQueueSize || num&(num-1) != 0 {
		return fmt.Errorf("virtio: queue size %d is not a power of two up to %d: %w", num, MaxQueueSize, unix.EINVAL)
	}

	if align < 4 || align&(align-1) != 0 {
		return fmt.Errorf("virtio: queue align %d: %w", align, unix.EINVAL)
	}

	if pageSize < 4 || pageSize&(pageSize-1) != 0 {
		return fmt.Errorf("virtio: guest page size %d: %w", pageSize, unix.EINVAL)
	}

	addr := pfn * uint64(pageSize)
	size := RingSize(num, align)

	b, err := mem.MapMemory(addr, int(size))
	if err != nil {
		return fmt.Errorf("virtio: map vring at %#x+%#x: %w", addr, size, err)
	}

	availOff := uint64(descSize * num)
	usedOff := alignUp(availOff+uint64(2*(3+num)), uint64(align))

	q.mem = mem
	q.num = num
	q.align = align
	q.pfn = pfn
	q.pageSize = pageSize
	q.addr = addr
	q.size = size

	q.desc = b[:availOff:availOff]
	q.avail = b[availOff : availOff+uint64(2*(3+num))]
	q.used = b[usedOff:size]

	q.eventIdx = features&FEventIdx != 0
	q.indirect = features&FIndirectDesc != 0

	return nil
}

// Cleanup detaches the queue from guest memory and clears its indexes.
func (q *Queue) Cleanup() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cleanupLocked()
}

func (q *Queue) cleanupLocked() {
	q.mem = nil
	q.num, q.align, q.pageSize = 0, 0, 0
	q.pfn, q.addr, q.size = 0, 0, 0
	q.desc, q.avail, q.used = nil, nil, nil
	q.eventIdx, q.indirect = false, false
	q.lastAvail, q.lastUsedSignalled = 0, 0
}

// SetupDone reports whether the queue is placed in guest memory.
func (q *Queue) SetupDone() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.mem != nil
}

func (q *Queue) DescCount() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.num
}

func (q *Queue) Align() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.align
}

func (q *Queue) GuestPFN() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pfn
}

func (q *Queue) GuestPageSize() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pageSize
}

// GuestAddr returns the guest physical address of the descriptor table.
func (q *Queue) GuestAddr() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.addr
}

// TotalSize returns the bytes spanned by the vring.
func (q *Queue) TotalSize() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *Queue) LastAvailIdx() uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastAvail
}

func (q *Queue) LastUsedSignalled() uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastUsedSignalled
}

// UsedIdx returns the used ring index as published to the driver.
func (q *Queue) UsedIdx() uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.mem == nil {
		return 0
	}

	_, idx := loadHeader(q.used)
	return idx
}

// Available reports whether the driver has made buffers available that
// weren't popped yet. With FEventIdx it also publishes avail_event, asking
// for a notification on the next buffer.
func (q *Queue) Available() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.mem == nil {
		return false
	}

	if q.eventIdx {
		le.PutUint16(q.used[4+8*q.num:], q.lastAvail)
	}

	_, idx := loadHeader(q.avail)
	return idx != q.lastAvail
}

// Pop returns the head descriptor index of the next available buffer.
func (q *Queue) Pop() (uint16, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *Queue) popLocked() (uint16, error) {
	if q.mem == nil {
		return 0, fmt.Errorf("virtio: pop from unset queue: %w", unix.EINVAL)
	}

	if _, idx := loadHeader(q.avail); idx == q.lastAvail {
		return 0, fmt.Errorf("%w: avail idx %d: %w", ErrNoBuffer, idx, unix.EAGAIN)
	}

	slot := uint32(q.lastAvail) % q.num
	q.lastAvail++

	return le.Uint16(q.avail[4+2*slot:]), nil
}

// GetHeadIOVec walks the descriptor chain starting at head and appends an
// iovec per descriptor to iov[:0]. It returns the iovecs and the total
// length. Every buffer must lie in guest memory; chains longer than the
// queue are rejected as cyclic.
func (q *Queue) GetHeadIOVec(head uint16, iov []IOVec) ([]IOVec, uint32, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.walkLocked(head, iov[:0])
}

// GetIOVec pops the next available buffer and walks its chain. If the
// chain is malformed the popped head is still returned with the error; the
// caller completes it with a zero length so the driver gets it back.
func (q *Queue) GetIOVec(iov []IOVec) (uint16, []IOVec, uint32, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	head, err := q.popLocked()
	if err != nil {
		return 0, iov[:0], 0, err
	}

	iov, total, err := q.walkLocked(head, iov[:0])
	return head, iov, total, err
}

func (q *Queue) walkLocked(head uint16, iov []IOVec) ([]IOVec, uint32, error) {
	if q.mem == nil {
		return iov, 0, fmt.Errorf("virtio: walk of unset queue: %w", unix.EINVAL)
	}

	if uint32(head) >= q.num {
		return iov, 0, fmt.Errorf("virtio: head %d out of %d descriptors: %w", head, q.num, unix.EINVAL)
	}

	d := readDesc(q.desc, uint32(head))
	if d.Flags&DescFIndirect != 0 {
		return q.walkIndirect(d, iov)
	}

	return q.walkTable(q.desc, q.num, d, iov)
}

func (q *Queue) walkIndirect(d Desc, iov []IOVec) ([]IOVec, uint32, error) {
	if !q.indirect {
		return iov, 0, fmt.Errorf("virtio: indirect descriptor without negotiation: %w", unix.EINVAL)
	}

	if d.Flags&DescFNext != 0 || d.Len == 0 || d.Len%descSize != 0 {
		return iov, 0, fmt.Errorf("virtio: malformed indirect descriptor %+v: %w", d, unix.EINVAL)
	}

	table, err := q.mem.MapMemory(d.Addr, int(d.Len))
	if err != nil {
		return iov, 0, fmt.Errorf("virtio: indirect table at %#x: %w", d.Addr, unix.EFAULT)
	}

	n := d.Len / descSize
	if n > q.num {
		return iov, 0, fmt.Errorf("virtio: indirect table of %d descriptors: %w", n, unix.EINVAL)
	}

	return q.walkTable(table, n, readDesc(table, 0), iov)
}

func (q *Queue) walkTable(table []byte, n uint32, d Desc, iov []IOVec) ([]IOVec, uint32, error) {
	var total uint32

	for steps := uint32(0); ; steps++ {
		if steps == n {
			return iov, 0, fmt.Errorf("virtio: descriptor chain loops: %w", unix.EINVAL)
		}

		if d.Flags&DescFIndirect != 0 {
			return iov, 0, fmt.Errorf("virtio: nested indirect descriptor: %w", unix.EINVAL)
		}

		if _, err := q.mem.MapMemory(d.Addr, int(d.Len)); err != nil {
			return iov, 0, fmt.Errorf("virtio: buffer %#x+%#x: %w", d.Addr, d.Len, unix.EFAULT)
		}

		iov = append(iov, IOVec{
			Addr:  d.Addr,
			Len:   d.Len,
			Write: d.Flags&DescFWrite != 0,
		})

		total += d.Len

		if d.Flags&DescFNext == 0 {
			return iov, total, nil
		}

		if uint32(d.Next) >= n {
			return iov, 0, fmt.Errorf("virtio: next %d out of %d descriptors: %w", d.Next, n, unix.EINVAL)
		}

		d = readDesc(table, uint32(d.Next))
	}
}

// SetUsedElem returns the buffer at head to the driver with n bytes
// written. The element is visible before the new used index.
func (q *Queue) SetUsedElem(head uint16, n uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.mem == nil {
		return fmt.Errorf("virtio: used elem on unset queue: %w", unix.EINVAL)
	}

	flags, idx := loadHeader(q.used)

	elem := q.used[4+8*(uint32(idx)%q.num):]
	le.PutUint32(elem, uint32(head))
	le.PutUint32(elem[4:], n)

	storeHeader(q.used, flags, idx+1)
	return nil
}

// ShouldSignal reports whether the driver wants a notification for the
// buffers used since the last one it was sent.
//
// With FEventIdx the driver's used_event names the last used index it has
// seen: a notification is due once the used index has moved past it since
// the last signal. Otherwise the driver's NO_INTERRUPT flag decides.
func (q *Queue) ShouldSignal() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.mem == nil {
		return false
	}

	_, newIdx := loadHeader(q.used)

	var signal bool
	if q.eventIdx {
		event := le.Uint16(q.avail[4+2*q.num:])
		signal = needEvent(event, newIdx, q.lastUsedSignalled)
	} else {
		flags, _ := loadHeader(q.avail)
		signal = flags&AvailFNoInterrupt == 0 && newIdx != q.lastUsedSignalled
	}

	if signal {
		q.lastUsedSignalled = newIdx
	}

	return signal
}

// needEvent reports whether event lies in [oldIdx, newIdx), modulo 2^16.
func needEvent(event, newIdx, oldIdx uint16) bool {
	return newIdx-event-1 < newIdx-oldIdx
}

// Notify sends a used buffer notification through the device's transport.
func (q *Queue) Notify() error {
	q.mu.Lock()
	notify := q.notify
	q.mu.Unlock()

	if notify == nil {
		return nil
	}

	return notify()
}

func readDesc(table []byte, i uint32) Desc {
	b := table[i*descSize:]
	return Desc{
		Addr:  le.Uint64(b),
		Len:   le.Uint32(b[8:]),
		Flags: le.Uint16(b[12:]),
		Next:  le.Uint16(b[14:]),
	}
}

// loadHeader reads the flags and idx words of a ring with acquire
// semantics. Rings are little-endian regardless of the host.
func loadHeader(ring []byte) (flags, idx uint16) {
	var w [4]byte
	binary.NativeEndian.PutUint32(w[:], atomic.LoadUint32((*uint32)(unsafe.Pointer(&ring[0]))))
	return le.Uint16(w[:]), le.Uint16(w[2:])
}

// storeHeader publishes the flags and idx words of a ring with release
// semantics.
func storeHeader(ring []byte, flags, idx uint16) {
	var w [4]byte
	le.PutUint16(w[:], flags)
	le.PutUint16(w[2:], idx)
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&ring[0])), binary.NativeEndian.Uint32(w[:]))
}
