// Package pl011 emulates an ARM PrimeCell UART on top of a virtual serial
// port. Only the data path and interrupt registers do anything; baud rate,
// line control and DMA registers just hold what the guest writes.
package pl011

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/c35s/hvcore/devemu"
	"github.com/c35s/hvcore/devtree"
	"github.com/c35s/hvcore/fifo"
	"github.com/c35s/hvcore/vio"
	"golang.org/x/sys/unix"
)

// AttrFIFOSize is the node attribute sizing the receive FIFO.
const AttrFIFOSize = "fifo_size"

const DefaultFIFOSize = 16

// interrupt bits
const (
	IntRX = 0x10
	IntTX = 0x20
)

// flag register bits
const (
	FlagRXFE = 0x10
	FlagTXFF = 0x20
	FlagRXFF = 0x40
	FlagTXFE = 0x80
)

// register indices, offset/4
const (
	regDR    = 0
	regRSR   = 1
	regFR    = 6
	regILPR  = 8
	regIBRD  = 9
	regFBRD  = 10
	regLCRH  = 11
	regCR    = 12
	regIFLS  = 13
	regIMSC  = 14
	regRIS   = 15
	regMIS   = 16
	regICR   = 17
	regDMACR = 18
	idBase   = 0xfe0
	idEnd    = 0x1000
	crLBE    = 0x80
)

var (
	armID      = [8]uint8{0x11, 0x10, 0x14, 0x00, 0x0d, 0xf0, 0x05, 0xb1}
	luminaryID = [8]uint8{0x11, 0x00, 0x18, 0x01, 0x0d, 0xf0, 0x05, 0xb1}
)

// Emulator creates UARTs whose serial ports live in Hub.
type Emulator struct {
	Hub *vio.Hub
}

func (Emulator) Name() string { return "pl011" }

func (Emulator) Compatible() []string {
	return []string{"primecell,arm,pl011", "primecell,luminary,pl011", "arm,pl011"}
}

func (Emulator) Endian() devemu.Endian { return devemu.Little }

func (e Emulator) Probe(d *devemu.Device) (devemu.Instance, error) {
	if e.Hub == nil {
		return nil, fmt.Errorf("pl011: %s: no serial hub: %w", d.Name, unix.EINVAL)
	}

	irq, err := d.Node.IRQ(0)
	if err != nil {
		return nil, fmt.Errorf("pl011: %s: %w", d.Name, err)
	}

	size := DefaultFIFOSize
	if v, err := d.Node.ReadU32(AttrFIFOSize); err == nil {
		size = int(v)
	} else if !devtree.IsNotFound(err) {
		return nil, err
	}

	if size < 1 {
		return nil, fmt.Errorf("pl011: %s: fifo size %d: %w", d.Name, size, unix.EINVAL)
	}

	u := &UART{
		dev:  d,
		hub:  e.Hub,
		log:  slog.With("guest", d.Guest.Name(), "device", d.Name),
		irq:  irq,
		size: size,
		rx:   fifo.New[byte](size),
		id:   armID,
	}

	if d.Node.IsCompatible("primecell,luminary,pl011") {
		u.id = luminaryID
	}

	ser, err := e.Hub.CreateSerial(d.Guest.Name()+"/"+d.Name, u, size)
	if err != nil {
		return nil, err
	}

	u.ser = ser
	return u, nil
}

// UART is one emulated PL011.
type UART struct {
	dev  *devemu.Device
	hub  *vio.Hub
	ser  *vio.Serial
	log  *slog.Logger
	irq  uint32
	size int
	id   [8]uint8

	// rx holds bytes sent into the port until the guest reads them
	rx *fifo.FIFO[byte]

	mu      sync.Mutex
	flags   uint32
	lcr     uint32
	cr      uint32
	dmacr   uint32
	imsc    uint32
	ris     uint32
	ilpr    uint32
	ibrd    uint32
	fbrd    uint32
	ifl     uint32
	trigger int
}

// Serial returns the port behind the UART.
func (u *UART) Serial() *vio.Serial { return u.ser }

// CanSend holds while the receive FIFO has room.
func (u *UART) CanSend(*vio.Serial) bool { return !u.rx.IsFull() }

// Send queues b for the guest and raises the receive interrupt.
func (u *UART) Send(_ *vio.Serial, b byte) {
	u.rx.Enqueue(b, true)
	n := u.rx.Len()

	u.mu.Lock()
	u.flags &^= FlagRXFE
	if u.cr&crLBE != 0 || n == u.size {
		u.flags |= FlagRXFF
	}

	raise := n >= u.trigger
	if raise {
		u.ris |= IntRX
	}

	level := u.ris & u.imsc
	u.mu.Unlock()

	if raise {
		u.setIRQ(level)
	}
}

func (u *UART) setIRQ(level uint32) {
	v := 0
	if level != 0 {
		v = 1
	}

	if err := u.dev.EmulateIRQ(u.irq, v); err != nil {
		u.log.Warn("pl011 irq failed", "irq", u.irq, "err", err)
	}
}

func (u *UART) read(off uint64) (uint32, error) {
	u.mu.Lock()

	var v uint32
	irq := false

	switch off >> 2 {
	case regDR:
		u.flags &^= FlagRXFF
		if b, ok := u.rx.Dequeue(); ok {
			v = uint32(b)
		}

		n := u.rx.Len()
		if n == 0 {
			u.flags |= FlagRXFE
		}

		if n == u.trigger-1 {
			u.ris &^= IntRX
		}

		irq = true

	case regRSR:
	case regFR:
		v = u.flags
	case regILPR:
		v = u.ilpr
	case regIBRD:
		v = u.ibrd
	case regFBRD:
		v = u.fbrd
	case regLCRH:
		v = u.lcr
	case regCR:
		v = u.cr
	case regIFLS:
		v = u.ifl
	case regIMSC:
		v = u.imsc
	case regRIS:
		v = u.ris
	case regMIS:
		v = u.ris & u.imsc
	case regDMACR:
		v = u.dmacr

	default:
		if off < idBase || off >= idEnd {
			u.mu.Unlock()
			return 0, fmt.Errorf("pl011: read at %#x: %w", off, unix.EFAULT)
		}

		v = uint32(u.id[(off-idBase)>>2])
	}

	level := u.ris & u.imsc
	u.mu.Unlock()

	if irq {
		u.setIRQ(level)
	}

	return v, nil
}

// write merges v into the register at off. Bits set in keep retain their
// old value, so narrow writes only touch their low bits.
func (u *UART) write(off uint64, keep, v uint32) error {
	merge := func(old uint32) uint32 { return old&keep | v&^keep }

	u.mu.Lock()

	irq := false
	tx := false

	switch off >> 2 {
	case regDR:
		tx = true
		u.ris |= IntTX
		irq = true

	case regRSR, regFR:
	case regILPR:
		u.ilpr = merge(u.ilpr)
	case regIBRD:
		u.ibrd = merge(u.ibrd)
	case regFBRD:
		u.fbrd = merge(u.fbrd)

	case regLCRH:
		u.lcr = v
		u.trigger = 1

	case regCR:
		u.cr = merge(u.cr)

	case regIFLS:
		u.ifl = merge(u.ifl)
		u.trigger = 1

	case regIMSC:
		u.imsc = merge(u.imsc)
		irq = true

	case regICR:
		u.ris &^= v &^ keep
		irq = true

	case regDMACR:
		// no DMA
		u.dmacr = merge(u.dmacr) &^ 3

	default:
		u.mu.Unlock()
		return fmt.Errorf("pl011: write at %#x: %w", off, unix.EFAULT)
	}

	level := u.ris & u.imsc
	u.mu.Unlock()

	if tx {
		u.ser.Receive([]byte{byte(v)})
	}

	if irq {
		u.setIRQ(level)
	}

	return nil
}

func (u *UART) Read8(_ int, off uint64) (uint8, error) {
	v, err := u.read(off)
	return uint8(v), err
}

func (u *UART) Read16(_ int, off uint64) (uint16, error) {
	v, err := u.read(off)
	return uint16(v), err
}

func (u *UART) Read32(_ int, off uint64) (uint32, error) {
	return u.read(off)
}

func (u *UART) Write8(_ int, off uint64, v uint8) error {
	return u.write(off, 0xffffff00, uint32(v))
}

func (u *UART) Write16(_ int, off uint64, v uint16) error {
	return u.write(off, 0xffff0000, uint32(v))
}

func (u *UART) Write32(_ int, off uint64, v uint32) error {
	return u.write(off, 0, v)
}

// Reset puts the control registers back to their power-on values. Bytes
// already received stay queued.
func (u *UART) Reset() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.trigger = 1
	u.ifl = 0x12
	u.cr = 0x300
	u.flags = FlagTXFE | FlagRXFE
	u.imsc, u.ris = 0, 0
	u.lcr, u.dmacr = 0, 0

	if !u.rx.IsEmpty() {
		u.flags &^= FlagRXFE
	}

	return nil
}

// Remove destroys the serial port.
func (u *UART) Remove() error {
	return u.hub.DestroySerial(u.ser)
}
