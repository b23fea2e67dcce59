// Package block emulates a virtio block device on top of a block request
// queue. The queue is named by the blkdev attribute of the device node and
// may come and go while the device exists.
package block

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	blockrq "github.com/c35s/hvcore/block"
	"github.com/c35s/hvcore/devtree"
	"github.com/c35s/hvcore/virtio"
	"golang.org/x/sys/unix"
)

// AttrBlockDevice names the node attribute holding the request queue name.
const AttrBlockDevice = "blkdev"

const (
	QueueSize  = 128
	SegMax     = QueueSize - 2
	SectorSize = 512

	// IDBytes is the size of the GET_ID answer.
	IDBytes = 20
)

// features

const (
	FSizeMax  = 1 << 1 // max size of any single segment is in size_max
	FSegMax   = 1 << 2 // max number of segments in a request is in seg_max
	FGeometry = 1 << 4 // disk-style geometry specified in geometry
	FRO       = 1 << 5 // device is read-only
	FBlkSize  = 1 << 6 // block size of disk is in blk_size
	FFlush    = 1 << 9 // cache flush command support
)

// op type

const (
	tIn    = 0
	tOut   = 1
	tFlush = 4
	tGetID = 8
)

// op status

const (
	sOK     = 0
	sIOErr  = 1
	sUnsupp = 2
)

// config has the legacy layout of struct virtio_blk_config.
type config struct {
	Capacity uint64 // in 512-byte sectors
	SizeMax  uint32
	SegMax   uint32
	Geometry struct {
		Cylinders uint16
		Heads     uint8
		Sectors   uint8
	}
	BlkSize  uint32
	Topology struct {
		PhysicalBlockExp uint8
		AlignmentOffset  uint8
		MinIOSize        uint16
		OptIOSize        uint32
	}
	Writeback uint8
	_         [3]byte
}

// Driver creates block emulators. Lookup finds request queues by name.
type Driver struct {
	Lookup func(name string) (*blockrq.RQ, bool)
}

func (Driver) Type() virtio.DeviceID { return virtio.BlockDeviceID }

func (drv Driver) NewEmulator(dev *virtio.Device, node *devtree.Node) (virtio.Emulator, error) {
	e := &Emulator{
		dev: dev,
		log: dev.Logger(),
		iov: make([]virtio.IOVec, 0, QueueSize),
	}

	if node != nil {
		name, err := node.ReadString(AttrBlockDevice)
		if err != nil && !devtree.IsNotFound(err) {
			return nil, err
		}

		e.name = name
	}

	if len(e.name) >= 32 {
		return nil, fmt.Errorf("virtio-blk: block device name %q: %w", e.name, unix.EOVERFLOW)
	}

	e.cfg.SegMax = SegMax
	e.cfg.BlkSize = SectorSize

	if e.name != "" && drv.Lookup != nil {
		if rq, ok := drv.Lookup(e.name); ok {
			e.attachLocked(rq)
		}
	}

	return e, nil
}

// Emulator is a virtio block device.
type Emulator struct {
	dev  *virtio.Device
	log  *slog.Logger
	name string

	// used by Handle only
	iov []virtio.IOVec

	mu  sync.Mutex
	rq  *blockrq.RQ
	cfg config
}

// request is a guest request in flight.
type request struct {
	e      *Emulator
	head   uint16
	data   []virtio.IOVec
	status virtio.IOVec
	len    uint32
	r      blockrq.Request
}

// BlockDevice returns the name of the request queue served.
func (e *Emulator) BlockDevice() string { return e.name }

// Attach serves rq if it's the named request queue and none is attached.
// It reports whether rq was taken.
func (e *Emulator) Attach(rq *blockrq.RQ) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rq != nil || rq.Name() != e.name {
		return false
	}

	e.attachLocked(rq)
	return true
}

func (e *Emulator) attachLocked(rq *blockrq.RQ) {
	e.rq = rq
	e.cfg.BlkSize = rq.BlockSize()
	e.cfg.Capacity = rq.Blocks() * uint64(rq.BlockSize()) / SectorSize
}

// Detach stops serving rq. Later requests fail until a queue is attached.
func (e *Emulator) Detach(rq *blockrq.RQ) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rq != rq {
		return false
	}

	e.rq = nil
	e.cfg.Capacity = 0
	e.cfg.BlkSize = SectorSize
	return true
}

func (e *Emulator) queue() (*blockrq.RQ, uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rq, e.cfg.BlkSize
}

func (*Emulator) GetType() virtio.DeviceID { return virtio.BlockDeviceID }

func (e *Emulator) GetFeatures() uint64 {
	features := uint64(FSegMax | FBlkSize | FFlush | virtio.FEventIdx)

	if rq, _ := e.queue(); rq != nil && rq.ReadOnly() {
		features |= FRO
	}

	return features
}

func (*Emulator) QueueSize(queue int) uint32 {
	if queue == 0 {
		return QueueSize
	}

	return 0
}

func (*Emulator) Ready(negotiated uint64) error {
	return nil
}

func (e *Emulator) Handle(queue int, q *virtio.Queue) error {
	if queue != 0 {
		return fmt.Errorf("virtio-blk: queue %d: %w", queue, unix.EINVAL)
	}

	mem := e.dev.Memory()

	for q.Available() {
		head, iov, _, err := q.GetIOVec(e.iov)
		if errors.Is(err, virtio.ErrNoBuffer) {
			return nil
		}

		e.iov = iov

		// a request is at least a header and a status byte
		var hdr [16]byte
		if err != nil {
			e.log.Warn("virtio-blk malformed chain", "head", head, "err", err)
		}

		if err != nil || len(iov) < 2 || virtio.IOVecToBuf(mem, iov[:1], hdr[:]) < len(hdr) {
			if err := e.dev.Signal(0, head, 0); err != nil {
				return err
			}

			continue
		}

		rq := &request{
			e:      e,
			head:   head,
			data:   append([]virtio.IOVec(nil), iov[1:len(iov)-1]...),
			status: iov[len(iov)-1],
		}

		for _, v := range rq.data {
			rq.len += v.Len
		}

		typ := le.Uint32(hdr[0:])
		sector := le.Uint64(hdr[8:])

		switch typ {
		case tIn, tOut:
			e.submit(rq, typ == tOut, sector)

		case tFlush:
			e.flush(rq)

		case tGetID:
			id := make([]byte, IDBytes)
			copy(id, e.name)
			rq.r.Data = id[:min(IDBytes, int(rq.len))]
			rq.r.Op = blockrq.OpRead
			e.done(rq, sOK)

		default:
			rq.len = 0
			e.done(rq, sUnsupp)
		}
	}

	return nil
}

func (e *Emulator) submit(rq *request, write bool, sector uint64) {
	q, bs := e.queue()
	if q == nil {
		e.done(rq, sIOErr)
		return
	}

	if rq.len%bs != 0 || (sector*SectorSize)%uint64(bs) != 0 {
		e.log.Warn("virtio-blk request not block aligned", "sector", sector, "len", rq.len, "block_size", bs)
		e.done(rq, sIOErr)
		return
	}

	rq.r = blockrq.Request{
		Op:    blockrq.OpRead,
		LBA:   sector * SectorSize / uint64(bs),
		Count: rq.len / bs,
		Data:  make([]byte, rq.len),
		Done:  rq.complete,
		Priv:  rq,
	}

	if write {
		rq.r.Op = blockrq.OpWrite
		virtio.IOVecToBuf(e.dev.Memory(), rq.data, rq.r.Data)
	}

	if err := q.Submit(&rq.r); err != nil {
		e.log.Warn("virtio-blk submit failed", "op", rq.r.Op, "lba", rq.r.LBA, "err", err)
		e.done(rq, sIOErr)
	}
}

func (e *Emulator) flush(rq *request) {
	q, _ := e.queue()
	if q == nil {
		e.done(rq, sIOErr)
		return
	}

	rq.len = 0
	err := q.Flush(func(err error) {
		if err != nil {
			e.done(rq, sIOErr)
			return
		}

		e.done(rq, sOK)
	})

	if err != nil {
		e.done(rq, sIOErr)
	}
}

func (rq *request) complete(r *blockrq.Request, err error) {
	if err != nil {
		rq.e.done(rq, sIOErr)
		return
	}

	rq.e.done(rq, sOK)
}

// done returns the request to the driver. The used length counts the bytes
// written to the guest, the status byte included.
func (e *Emulator) done(rq *request, status byte) {
	mem := e.dev.Memory()

	var n uint32
	if status == sOK && rq.r.Op == blockrq.OpRead && rq.r.Data != nil {
		n = uint32(virtio.BufToIOVec(mem, rq.data, rq.r.Data))
	}

	if virtio.BufToIOVec(mem, []virtio.IOVec{rq.status}, []byte{status}) == 1 {
		n++
	}

	if err := e.dev.Signal(0, rq.head, n); err != nil {
		e.log.Error("virtio-blk completion failed", "head", rq.head, "err", err)
	}
}

func (e *Emulator) ReadConfig(p []byte, off int) error {
	e.mu.Lock()
	raw, err := encode(&e.cfg)
	e.mu.Unlock()

	if err != nil {
		return err
	}

	clear(p)
	if off < len(raw) {
		copy(p, raw[off:])
	}

	return nil
}

func (e *Emulator) WriteConfig(p []byte, off int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	raw, err := encode(&e.cfg)
	if err != nil {
		return err
	}

	if off >= len(raw) {
		return nil
	}

	copy(raw[off:], p)
	return binary.Read(bytes.NewReader(raw), le, &e.cfg)
}

// Close detaches the request queue.
func (e *Emulator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rq = nil
	return nil
}

var le = binary.LittleEndian

func encode(cfg *config) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, le, cfg); err != nil {
		return nil, fmt.Errorf("virtio-blk: encode config: %w", err)
	}

	return buf.Bytes(), nil
}
