package devemu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/c35s/hvcore/devtree"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
)

// DefaultIRQCount is the number of guest IRQ lines when the guest node has
// no guest_irq_count attribute.
const DefaultIRQCount = 256

// AttrIRQCount names the guest node attribute giving the IRQ line count.
const AttrIRQCount = "guest_irq_count"

var (
	ErrNoDevice = fmt.Errorf("devemu: no device at address: %w", unix.ENOENT)
	ErrAccess   = fmt.Errorf("devemu: access failed: %w", unix.EIO)
)

// Context holds the emulated devices and IRQ graph of one guest.
type Context struct {
	reg   *Registry
	guest Guest
	log   *slog.Logger

	mu      sync.RWMutex
	devices []*Device
	last    *Device

	irqMu sync.RWMutex
	irqs  [][]consumer
}

// IRQChip consumes guest IRQ lines, typically a virtual interrupt
// controller.
type IRQChip interface {
	Name() string

	// Handle is called with cpu -1 for shared lines and the VCPU index for
	// per-VCPU lines.
	Handle(irq uint32, cpu int, level int, opaque any)
}

// IRQRouter is implemented by chips that route guest lines to host IRQs
// for pass-through devices.
type IRQRouter interface {
	MapHostIRQ(irq, hostIRQ uint32, opaque any) error
	UnmapHostIRQ(irq uint32, opaque any) error
}

type consumer struct {
	chip   IRQChip
	opaque any
}

// NewContext returns an empty context. The guest node may set the IRQ line
// count with guest_irq_count.
func NewContext(reg *Registry, guest Guest, node *devtree.Node, log *slog.Logger) *Context {
	if log == nil {
		log = slog.Default()
	}

	n := DefaultIRQCount
	if node != nil {
		if v, err := node.ReadU32(AttrIRQCount); err == nil {
			n = int(v)
		}
	}

	return &Context{
		reg:   reg,
		guest: guest,
		log:   log.With("guest", guest.Name()),
		irqs:  make([][]consumer, n),
	}
}

// Probe instantiates the emulator compatible with node for the given
// windows and resets it.
func (c *Context) Probe(node *devtree.Node, windows ...Window) (*Device, error) {
	emu, ok := c.reg.Find(node)
	if !ok {
		where := ""
		if len(windows) > 0 {
			where = fmt.Sprintf(" at %#x", windows[0].GPA)
		}

		return nil, fmt.Errorf("devemu: guest %s has no emulator for region %s%s (compatible %v): %w",
			c.guest.Name(), node.Name(), where, node.Compatible(), unix.ENOENT)
	}

	c.mu.RLock()
	for _, d := range c.devices {
		for _, w := range d.Windows {
			for _, nw := range windows {
				if nw.GPA < w.End() && w.GPA < nw.End() {
					c.mu.RUnlock()
					return nil, fmt.Errorf("devemu: %s overlaps %s at %#x: %w", node.Name(), d.Name, w.GPA, unix.EBUSY)
				}
			}
		}
	}
	c.mu.RUnlock()

	d := &Device{
		Name:    node.Name(),
		Node:    node,
		Guest:   c.guest,
		Windows: slices.Clone(windows),
		Endian:  emu.Endian(),
		ctx:     c,
		emu:     emu,
	}

	inst, err := emu.Probe(d)
	if err != nil {
		c.log.Error("emulator probe failed", "device", d.Name, "emulator", emu.Name(), "err", err)
		return nil, fmt.Errorf("devemu: probe %s with %s: %w", d.Name, emu.Name(), err)
	}

	d.inst = inst

	if r, ok := inst.(Resetter); ok {
		if err := r.Reset(); err != nil {
			return nil, fmt.Errorf("devemu: reset %s: %w", d.Name, err)
		}
	}

	c.mu.Lock()
	c.devices = append(c.devices, d)
	c.mu.Unlock()

	c.log.Info("device probed", "device", d.Name, "emulator", emu.Name())
	return d, nil
}

// Devices returns the probed devices in probe order.
func (c *Context) Devices() []*Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.devices)
}

// Reset resets every device.
func (c *Context) Reset() error {
	var errs *multierror.Error
	for _, d := range c.Devices() {
		if r, ok := d.inst.(Resetter); ok {
			if err := r.Reset(); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", d.Name, err))
			}
		}
	}

	return errs.ErrorOrNil()
}

// Sync syncs every device that keeps state outside its accesses.
func (c *Context) Sync() error {
	var errs *multierror.Error
	for _, d := range c.Devices() {
		if s, ok := d.inst.(Syncer); ok {
			if err := s.Sync(); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", d.Name, err))
			}
		}
	}

	return errs.ErrorOrNil()
}

// Remove removes every device in reverse probe order.
func (c *Context) Remove() error {
	c.mu.Lock()
	devices := c.devices
	c.devices = nil
	c.last = nil
	c.mu.Unlock()

	var errs *multierror.Error
	for i := len(devices) - 1; i >= 0; i-- {
		d := devices[i]
		if r, ok := d.inst.(Remover); ok {
			if err := r.Remove(); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", d.Name, err))
			}
		}
	}

	return errs.ErrorOrNil()
}

// RemoveDevice detaches a single device and calls its remove hook.
func (c *Context) RemoveDevice(d *Device) error {
	c.mu.Lock()
	i := slices.Index(c.devices, d)
	if i < 0 {
		c.mu.Unlock()
		return fmt.Errorf("devemu: %s is not attached: %w", d.Name, ErrNoDevice)
	}

	c.devices = slices.Delete(c.devices, i, i+1)
	if c.last == d {
		c.last = nil
	}
	c.mu.Unlock()

	if r, ok := d.inst.(Remover); ok {
		return r.Remove()
	}

	return nil
}

// Find returns the device and window containing gpa.
func (c *Context) Find(gpa uint64) (*Device, Window, bool) {
	c.mu.RLock()
	if last := c.last; last != nil {
		for _, w := range last.Windows {
			if w.Contains(gpa) {
				c.mu.RUnlock()
				return last, w, true
			}
		}
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, d := range c.devices {
		for _, w := range d.Windows {
			if w.Contains(gpa) {
				c.last = d
				return d, w, true
			}
		}
	}

	return nil, Window{}, false
}

// EmulateRead performs a guest read of width bytes at gpa and returns the
// value in guest (little endian) order.
func (c *Context) EmulateRead(vcpu int, gpa uint64, width int) (uint64, error) {
	if !validWidth(width) {
		return 0, fmt.Errorf("devemu: read width %d: %w", width, unix.EINVAL)
	}

	var buf [8]byte
	if err := c.access(vcpu, gpa, buf[:width], false); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(buf[:]), nil
}

// EmulateWrite performs a guest write of the low width bytes of v at gpa.
func (c *Context) EmulateWrite(vcpu int, gpa uint64, width int, v uint64) error {
	if !validWidth(width) {
		return fmt.Errorf("devemu: write width %d: %w", width, unix.EINVAL)
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return c.access(vcpu, gpa, buf[:width], true)
}

func validWidth(w int) bool {
	return w == 1 || w == 2 || w == 4 || w == 8
}

// access splits buf at window boundaries and dispatches each piece.
func (c *Context) access(vcpu int, gpa uint64, buf []byte, write bool) error {
	for len(buf) > 0 {
		d, w, ok := c.Find(gpa)
		if !ok {
			return fmt.Errorf("%w: %#x", ErrNoDevice, gpa)
		}

		n := min(uint64(len(buf)), w.End()-gpa)
		piece := buf[:n]
		off := gpa - w.GPA

		var err error
		if validWidth(int(n)) && off%n == 0 {
			err = d.accessWidth(vcpu, off, piece, write)
		} else {
			err = d.accessBytes(vcpu, off, piece, write)
		}

		if err != nil {
			c.log.Warn("device access failed", "device", d.Name, "gpa", fmt.Sprintf("%#x", gpa), "write", write, "err", err)
			return err
		}

		buf = buf[n:]
		gpa += n
	}

	return nil
}

func (d *Device) accessBytes(vcpu int, off uint64, buf []byte, write bool) error {
	for i := range buf {
		if err := d.accessWidth(vcpu, off+uint64(i), buf[i:i+1], write); err != nil {
			return err
		}
	}

	return nil
}

// accessWidth performs a naturally aligned access. buf holds the bytes in
// guest memory order.
func (d *Device) accessWidth(vcpu int, off uint64, buf []byte, write bool) error {
	width := len(buf)

	if v, ok, err := d.native(vcpu, off, width, write, d.fromMemory(buf)); ok {
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAccess, err)
		}

		if !write {
			d.toMemory(buf, v)
		}

		return nil
	}

	// a wider access containing this one, by read-modify-write
	for w := width * 2; w <= 8; w *= 2 {
		if !d.hasWidth(w, false) || write && !d.hasWidth(w, true) {
			continue
		}

		base := off &^ uint64(w-1)
		wide := make([]byte, w)

		v, _, err := d.native(vcpu, base, w, false, 0)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAccess, err)
		}

		d.toMemory(wide, v)
		pos := off - base

		if !write {
			copy(buf, wide[pos:])
			return nil
		}

		copy(wide[pos:], buf)
		if _, _, err := d.native(vcpu, base, w, true, d.fromMemory(wide)); err != nil {
			return fmt.Errorf("%w: %w", ErrAccess, err)
		}

		return nil
	}

	// two narrower accesses
	if width > 1 {
		half := width / 2
		if err := d.accessWidth(vcpu, off, buf[:half], write); err != nil {
			return err
		}

		return d.accessWidth(vcpu, off+uint64(half), buf[half:], write)
	}

	return fmt.Errorf("%w: %s has no %d bit access: %w", ErrAccess, d.Name, width*8, unix.ENOTSUP)
}

// fromMemory decodes guest memory order bytes into a register value in the
// device's byte order.
func (d *Device) fromMemory(b []byte) uint64 {
	var buf [8]byte
	if d.Endian == Big {
		copy(buf[8-len(b):], b)
		return binary.BigEndian.Uint64(buf[:])
	}

	copy(buf[:], b)
	return binary.LittleEndian.Uint64(buf[:])
}

func (d *Device) toMemory(b []byte, v uint64) {
	var buf [8]byte
	if d.Endian == Big {
		binary.BigEndian.PutUint64(buf[:], v)
		copy(b, buf[8-len(b):])
		return
	}

	binary.LittleEndian.PutUint64(buf[:], v)
	copy(b, buf[:len(b)])
}

func (d *Device) hasWidth(width int, write bool) bool {
	_, ok, _ := d.dispatch(-1, 0, width, write, 0, true)
	return ok
}

func (d *Device) native(vcpu int, off uint64, width int, write bool, v uint64) (uint64, bool, error) {
	return d.dispatch(vcpu, off, width, write, v, false)
}

// dispatch calls the instance's accessor for width. With probe set it only
// reports whether the accessor exists.
func (d *Device) dispatch(vcpu int, off uint64, width int, write bool, v uint64, probe bool) (uint64, bool, error) {
	if write {
		switch width {
		case 1:
			if w, ok := d.inst.(Writer8); ok {
				if probe {
					return 0, true, nil
				}
				return 0, true, w.Write8(vcpu, off, uint8(v))
			}
		case 2:
			if w, ok := d.inst.(Writer16); ok {
				if probe {
					return 0, true, nil
				}
				return 0, true, w.Write16(vcpu, off, uint16(v))
			}
		case 4:
			if w, ok := d.inst.(Writer32); ok {
				if probe {
					return 0, true, nil
				}
				return 0, true, w.Write32(vcpu, off, uint32(v))
			}
		case 8:
			if w, ok := d.inst.(Writer64); ok {
				if probe {
					return 0, true, nil
				}
				return 0, true, w.Write64(vcpu, off, v)
			}
		}

		return 0, false, nil
	}

	switch width {
	case 1:
		if r, ok := d.inst.(Reader8); ok {
			if probe {
				return 0, true, nil
			}
			x, err := r.Read8(vcpu, off)
			return uint64(x), true, err
		}
	case 2:
		if r, ok := d.inst.(Reader16); ok {
			if probe {
				return 0, true, nil
			}
			x, err := r.Read16(vcpu, off)
			return uint64(x), true, err
		}
	case 4:
		if r, ok := d.inst.(Reader32); ok {
			if probe {
				return 0, true, nil
			}
			x, err := r.Read32(vcpu, off)
			return uint64(x), true, err
		}
	case 8:
		if r, ok := d.inst.(Reader64); ok {
			if probe {
				return 0, true, nil
			}
			x, err := r.Read64(vcpu, off)
			return x, true, err
		}
	}

	return 0, false, nil
}

// CountIRQs returns the number of guest IRQ lines.
func (c *Context) CountIRQs() int {
	c.irqMu.RLock()
	defer c.irqMu.RUnlock()
	return len(c.irqs)
}

// RegisterIRQ adds chip as a consumer of guest line irq. A chip may consume
// a line once per opaque value.
func (c *Context) RegisterIRQ(irq uint32, chip IRQChip, opaque any) error {
	c.irqMu.Lock()
	defer c.irqMu.Unlock()

	if int(irq) >= len(c.irqs) {
		return fmt.Errorf("devemu: guest irq %d of %d: %w", irq, len(c.irqs), unix.EINVAL)
	}

	for _, x := range c.irqs[irq] {
		if x.chip == chip && x.opaque == opaque {
			return fmt.Errorf("devemu: %s already handles guest irq %d: %w", chip.Name(), irq, unix.EEXIST)
		}
	}

	c.irqs[irq] = append(c.irqs[irq], consumer{chip, opaque})
	return nil
}

// UnregisterIRQ removes a consumer added by RegisterIRQ.
func (c *Context) UnregisterIRQ(irq uint32, chip IRQChip, opaque any) error {
	c.irqMu.Lock()
	defer c.irqMu.Unlock()

	if int(irq) >= len(c.irqs) {
		return fmt.Errorf("devemu: guest irq %d of %d: %w", irq, len(c.irqs), unix.EINVAL)
	}

	i := slices.IndexFunc(c.irqs[irq], func(x consumer) bool { return x.chip == chip && x.opaque == opaque })
	if i < 0 {
		return fmt.Errorf("devemu: %s doesn't handle guest irq %d: %w", chip.Name(), irq, unix.ENOENT)
	}

	c.irqs[irq] = slices.Delete(c.irqs[irq], i, i+1)
	return nil
}

// EmulateIRQ drives shared guest line irq to level.
func (c *Context) EmulateIRQ(irq uint32, level int) error {
	return c.emulateIRQ(irq, -1, level)
}

// EmulatePercpuIRQ drives guest line irq of one VCPU to level.
func (c *Context) EmulatePercpuIRQ(vcpu int, irq uint32, level int) error {
	if vcpu < 0 {
		return fmt.Errorf("devemu: vcpu %d: %w", vcpu, unix.EINVAL)
	}

	return c.emulateIRQ(irq, vcpu, level)
}

func (c *Context) emulateIRQ(irq uint32, cpu, level int) error {
	c.irqMu.RLock()
	if int(irq) >= len(c.irqs) {
		n := len(c.irqs)
		c.irqMu.RUnlock()
		return fmt.Errorf("devemu: guest irq %d of %d: %w", irq, n, unix.EINVAL)
	}

	consumers := slices.Clone(c.irqs[irq])
	c.irqMu.RUnlock()

	for _, x := range consumers {
		x.chip.Handle(irq, cpu, level, x.opaque)
	}

	return nil
}

// MapHostIRQ asks the routers consuming irq to deliver host IRQ hostIRQ to
// it.
func (c *Context) MapHostIRQ(irq, hostIRQ uint32) error {
	return c.route(irq, func(r IRQRouter, opaque any) error { return r.MapHostIRQ(irq, hostIRQ, opaque) })
}

// UnmapHostIRQ undoes MapHostIRQ.
func (c *Context) UnmapHostIRQ(irq uint32) error {
	return c.route(irq, func(r IRQRouter, opaque any) error { return r.UnmapHostIRQ(irq, opaque) })
}

func (c *Context) route(irq uint32, fn func(IRQRouter, any) error) error {
	c.irqMu.RLock()
	if int(irq) >= len(c.irqs) {
		c.irqMu.RUnlock()
		return fmt.Errorf("devemu: guest irq %d: %w", irq, unix.EINVAL)
	}

	consumers := slices.Clone(c.irqs[irq])
	c.irqMu.RUnlock()

	routed := false
	for _, x := range consumers {
		if r, ok := x.chip.(IRQRouter); ok {
			routed = true
			if err := fn(r, x.opaque); err != nil {
				return err
			}
		}
	}

	if !routed {
		return fmt.Errorf("devemu: no router for guest irq %d: %w", irq, unix.ENOTSUP)
	}

	return nil
}

// IsNoDevice reports whether err is an access to an address without a
// device.
func IsNoDevice(err error) bool {
	return errors.Is(err, ErrNoDevice)
}
