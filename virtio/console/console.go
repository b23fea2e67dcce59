// Package console emulates a single-port virtio console wired to a virtual
// serial port. Bytes sent into the port reach the guest on the receive
// queue; bytes the guest transmits, on the transmit queue or through the
// emergency write register, come out of the port.
package console

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c35s/hvcore/devtree"
	"github.com/c35s/hvcore/fifo"
	"github.com/c35s/hvcore/vio"
	"github.com/c35s/hvcore/virtio"
	"golang.org/x/sys/unix"
)

const (
	QueueSize = 128

	rxQ = 0
	txQ = 1

	// FIFOSize bounds the bytes kept for emergency reads.
	FIFOSize = 1024
)

// FEmergWrite (VIRTIO_CONSOLE_F_EMERG_WRITE) offers the emerg_wr register.
const FEmergWrite = 1 << 2

// config space offsets
const (
	offCols    = 0
	offRows    = 2
	offMaxNr   = 4
	offEmergWr = 8
	configSize = 12
)

// emergValid marks a byte read from emerg_wr.
const emergValid = 1 << 31

// Driver creates console emulators and their serial ports in Hub.
type Driver struct {
	Hub *vio.Hub
}

func (Driver) Type() virtio.DeviceID { return virtio.ConsoleDeviceID }

func (drv Driver) NewEmulator(dev *virtio.Device, node *devtree.Node) (virtio.Emulator, error) {
	if drv.Hub == nil {
		return nil, fmt.Errorf("virtio-console: %s: no serial hub: %w", dev.Name(), unix.EINVAL)
	}

	e := &Emulator{
		dev:   dev,
		log:   dev.Logger(),
		hub:   drv.Hub,
		emerg: fifo.New[byte](FIFOSize),
		cols:  80,
		rows:  24,
	}

	ser, err := drv.Hub.CreateSerial(dev.Name(), e, FIFOSize)
	if err != nil {
		return nil, err
	}

	e.ser = ser
	return e, nil
}

// Emulator is a virtio console.
type Emulator struct {
	dev *virtio.Device
	log *slog.Logger
	hub *vio.Hub
	ser *vio.Serial

	// emerg keeps what the port sent for emergency reads
	emerg *fifo.FIFO[byte]

	cols, rows uint16

	// rx serializes deliveries on the receive queue
	rx    sync.Mutex
	rxIOV []virtio.IOVec

	txIOV []virtio.IOVec
	txBuf []byte
}

// Serial returns the port behind the console.
func (e *Emulator) Serial() *vio.Serial { return e.ser }

func (*Emulator) GetType() virtio.DeviceID { return virtio.ConsoleDeviceID }

func (*Emulator) GetFeatures() uint64 {
	return FEmergWrite | virtio.FEventIdx
}

func (*Emulator) QueueSize(queue int) uint32 {
	if queue == rxQ || queue == txQ {
		return QueueSize
	}

	return 0
}

func (*Emulator) Ready(negotiated uint64) error {
	return nil
}

// CanSend always holds: bytes are kept for emergency reads even when the
// guest posts no receive buffers.
func (*Emulator) CanSend(*vio.Serial) bool { return true }

// Send delivers b to the guest.
func (e *Emulator) Send(_ *vio.Serial, b byte) {
	e.emerg.Enqueue(b, true)

	q, ok := e.dev.Queue(rxQ)
	if !ok || !q.SetupDone() {
		return
	}

	e.rx.Lock()
	defer e.rx.Unlock()

	if !q.Available() {
		return
	}

	head, iov, _, err := q.GetIOVec(e.rxIOV[:0])
	if errors.Is(err, virtio.ErrNoBuffer) {
		return
	}

	if err != nil {
		e.log.Warn("virtio-console rx buffer unusable", "head", head, "err", err)
		if err := e.dev.Signal(rxQ, head, 0); err != nil {
			e.log.Error("virtio-console rx notification failed", "err", err)
		}

		return
	}

	e.rxIOV = iov

	virtio.BufToIOVec(e.dev.Memory(), iov[:1], []byte{b})

	if err := e.dev.Signal(rxQ, head, 1); err != nil {
		e.log.Error("virtio-console rx notification failed", "err", err)
	}
}

func (e *Emulator) Handle(queue int, q *virtio.Queue) error {
	switch queue {
	case rxQ:
		// receive buffers are consumed as bytes arrive
		return nil

	case txQ:
		return e.handleTx(q)
	}

	return fmt.Errorf("virtio-console: queue %d: %w", queue, unix.EINVAL)
}

func (e *Emulator) handleTx(q *virtio.Queue) error {
	for q.Available() {
		head, iov, total, err := q.GetIOVec(e.txIOV[:0])
		if errors.Is(err, virtio.ErrNoBuffer) {
			return nil
		}

		if err != nil {
			e.log.Warn("virtio-console tx buffer unusable", "head", head, "err", err)
			if err := e.dev.Signal(txQ, head, 0); err != nil {
				return err
			}

			continue
		}

		e.txIOV = iov

		if cap(e.txBuf) < int(total) {
			e.txBuf = make([]byte, total)
		}

		buf := e.txBuf[:total]
		n := virtio.IOVecToBuf(e.dev.Memory(), iov, buf)
		e.ser.Receive(buf[:n])

		if err := e.dev.Signal(txQ, head, total); err != nil {
			return err
		}
	}

	return nil
}

// ReadConfig reads struct virtio_console_config. A read at emerg_wr takes
// the oldest byte the port sent, flagged with bit 31, or 0 if none is left.
func (e *Emulator) ReadConfig(p []byte, off int) error {
	clear(p)

	if off == offEmergWr {
		var v uint32
		if b, ok := e.emerg.Dequeue(); ok {
			v = emergValid | uint32(b)
		}

		var raw [4]byte
		le.PutUint32(raw[:], v)

		switch len(p) {
		case 1, 2, 4:
			copy(p, raw[:])
		}

		return nil
	}

	var raw [configSize]byte
	le.PutUint16(raw[offCols:], e.cols)
	le.PutUint16(raw[offRows:], e.rows)
	le.PutUint32(raw[offMaxNr:], 1)

	if off >= 0 && off < offEmergWr {
		copy(p, raw[off:offEmergWr])
	}

	return nil
}

// WriteConfig accepts emergency writes. Other fields are read-only.
func (e *Emulator) WriteConfig(p []byte, off int) error {
	if off != offEmergWr || len(p) == 0 {
		return nil
	}

	var b byte
	switch len(p) {
	case 1, 2, 4:
		b = p[0]
	}

	e.ser.Receive([]byte{b})
	return nil
}

// Reset forgets the bytes kept for emergency reads.
func (e *Emulator) Reset() error {
	e.emerg.Reset()
	return nil
}

// Close destroys the serial port.
func (e *Emulator) Close() error {
	return e.hub.DestroySerial(e.ser)
}

var le = binary.LittleEndian
