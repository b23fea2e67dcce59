package mmio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c35s/hvcore/devemu"
	"github.com/c35s/hvcore/virtio"
	"golang.org/x/sys/unix"
)

var le = binary.LittleEndian

// Emulator probes virtio-mmio devices. The device type selects the driver
// from its registry.
type Emulator struct {
	drivers *virtio.Registry
	log     *slog.Logger
}

// NewEmulator returns an emulator creating devices with the given drivers.
func NewEmulator(drivers *virtio.Registry, log *slog.Logger) *Emulator {
	if log == nil {
		log = slog.Default()
	}

	return &Emulator{drivers: drivers, log: log}
}

func (*Emulator) Name() string { return "virtio_mmio" }
func (*Emulator) Compatible() []string { return []string{"virtio,mmio"} }
func (*Emulator) Endian() devemu.Endian { return devemu.Little }

// Probe creates the virtio device named by the node's virtio_type.
func (e *Emulator) Probe(d *devemu.Device) (devemu.Instance, error) {
	typ, err := d.Node.ReadU32(AttrVirtioType)
	if err != nil {
		return nil, err
	}

	irq, err := d.Node.IRQ(0)
	if err != nil {
		return nil, err
	}

	drv, ok := e.drivers.Find(virtio.DeviceID(typ))
	if !ok {
		return nil, fmt.Errorf("virtio-mmio: %s: no %v driver: %w", d.Name, virtio.DeviceID(typ), unix.ENOENT)
	}

	mem, ok := d.Guest.(virtio.Memory)
	if !ok {
		return nil, fmt.Errorf("virtio-mmio: %s: guest memory can't be mapped: %w", d.Name, unix.ENOTSUP)
	}

	md := &Device{
		d:   d,
		irq: irq,
		log: e.log.With("guest", d.Guest.Name(), "device", d.Name),
	}

	md.dev, err = virtio.NewDevice(d.Guest.Name()+"/"+d.Name, mem, md, drv, d.Node, e.log)
	if err != nil {
		return nil, err
	}

	return md, nil
}

// Device is a virtio device behind legacy MMIO registers.
type Device struct {
	d   *devemu.Device
	dev *virtio.Device
	irq uint32
	log *slog.Logger

	mu    sync.Mutex
	state deviceState
}

type deviceState struct {
	status uint32

	hostFeaturesSel  uint32
	guestFeaturesSel uint32
	guestFeatures    uint64
	guestPageSize    uint32

	queueSel   uint32
	queueNum   uint32
	queueAlign uint32

	intStatus uint32
}

// Virtio returns the device behind the registers.
func (md *Device) Virtio() *virtio.Device { return md.dev }

// Status returns the device status register.
func (md *Device) Status() uint32 {
	md.mu.Lock()
	defer md.mu.Unlock()
	return md.state.status
}

// Notify implements virtio.Transport.
func (md *Device) Notify(queue int) error {
	md.mu.Lock()
	defer md.mu.Unlock()
	return md.raiseLocked(intStatusUsedBuffer)
}

// NotifyConfig implements virtio.Transport.
func (md *Device) NotifyConfig() error {
	md.mu.Lock()
	defer md.mu.Unlock()
	return md.raiseLocked(intStatusConfigChange)
}

func (md *Device) raiseLocked(bits uint32) error {
	md.state.intStatus |= bits
	return md.d.EmulateIRQ(md.irq, 1)
}

// Reset implements devemu.Resetter.
func (md *Device) Reset() error {
	md.mu.Lock()
	err := md.clearLocked()
	md.mu.Unlock()

	if err != nil {
		return err
	}

	return md.dev.Reset()
}

// clearLocked zeroes the registers and lowers the interrupt. The device
// itself is reset by the caller once md.mu is released.
func (md *Device) clearLocked() error {
	md.state = deviceState{}
	return md.d.EmulateIRQ(md.irq, 0)
}

// Remove implements devemu.Remover.
func (md *Device) Remove() error {
	return md.dev.Close()
}

func (md *Device) Read8(cpu int, off uint64) (uint8, error) {
	p, err := md.readConfig(off, 1)
	if err != nil {
		return 0, err
	}

	return p[0], nil
}

func (md *Device) Read16(cpu int, off uint64) (uint16, error) {
	p, err := md.readConfig(off, 2)
	if err != nil {
		return 0, err
	}

	return le.Uint16(p), nil
}

func (md *Device) Read32(cpu int, off uint64) (uint32, error) {
	if off >= regConfig {
		p, err := md.readConfig(off, 4)
		if err != nil {
			return 0, err
		}

		return le.Uint32(p), nil
	}

	md.mu.Lock()
	defer md.mu.Unlock()
	return md.readRegLocked(off), nil
}

func (md *Device) Write8(cpu int, off uint64, v uint8) error {
	return md.writeConfig(off, []byte{v})
}

func (md *Device) Write16(cpu int, off uint64, v uint16) error {
	return md.writeConfig(off, le.AppendUint16(nil, v))
}

func (md *Device) Write32(cpu int, off uint64, v uint32) error {
	switch {
	case off >= regConfig:
		return md.writeConfig(off, le.AppendUint32(nil, v))

	// the emulator may complete buffers and notify right away
	case off == regQueueNotify:
		return md.fault(md.queueNotify(v))
	}

	md.mu.Lock()
	hook, err := md.writeRegLocked(off, v)
	md.mu.Unlock()

	// device hooks may call back into the transport
	if err == nil && hook != nil {
		err = hook()
	}

	return md.fault(err)
}

func (md *Device) readConfig(off uint64, n int) ([]byte, error) {
	if off < regConfig || off >= WindowSize {
		return nil, fmt.Errorf("virtio-mmio: %d byte read of register %#x: %w", n, off, unix.EINVAL)
	}

	p := make([]byte, n)
	if err := md.dev.ReadConfig(p, int(off-regConfig)); err != nil {
		return nil, err
	}

	return p, nil
}

func (md *Device) writeConfig(off uint64, p []byte) error {
	if off < regConfig || off >= WindowSize {
		return fmt.Errorf("virtio-mmio: %d byte write of register %#x: %w", len(p), off, unix.EINVAL)
	}

	return md.dev.WriteConfig(p, int(off-regConfig))
}

func (md *Device) readRegLocked(off uint64) uint32 {
	switch off {
	case regMagicValue:
		return MagicValue

	case regVersion:
		return Version

	case regDeviceID:
		return uint32(md.dev.Type())

	case regVendorID:
		return VendorID

	case regHostFeatures:
		if md.state.hostFeaturesSel > 1 {
			return 0
		}

		return uint32(md.dev.HostFeatures() >> (32 * md.state.hostFeaturesSel))

	case regQueueNumMax:
		return md.dev.QueueSizeMax(int(md.state.queueSel))

	case regQueuePFN:
		return uint32(md.dev.QueuePFN(int(md.state.queueSel)))

	case regInterruptStatus:
		return md.state.intStatus

	case regStatus:
		return md.state.status

	default:
		return 0
	}
}

// writeRegLocked updates the register state. A device hook that must run
// without md.mu is returned instead of called.
func (md *Device) writeRegLocked(off uint64, v uint32) (func() error, error) {
	// after a device or driver failure only a reset is accepted
	if md.state.status&(statusNeedsReset|statusFailed) != 0 && off != regStatus {
		return nil, nil
	}

	switch off {
	case regHostFeaturesSel:
		md.state.hostFeaturesSel = v

	case regGuestFeaturesSel:
		md.state.guestFeaturesSel = v

	case regGuestFeatures:
		if md.state.guestFeaturesSel > 1 {
			return nil, nil
		}

		shift := 32 * md.state.guestFeaturesSel
		md.state.guestFeatures = md.state.guestFeatures&^(0xffffffff<<shift) | uint64(v)<<shift
		md.dev.SetGuestFeatures(md.state.guestFeatures)

	case regGuestPageSize:
		md.state.guestPageSize = v

	case regQueueSel:
		md.state.queueSel = v

	case regQueueNum:
		md.state.queueNum = v

	case regQueueAlign:
		md.state.queueAlign = v

	case regQueuePFN:
		return nil, md.dev.InitQueue(int(md.state.queueSel), uint64(v),
			md.state.guestPageSize, md.state.queueNum, md.state.queueAlign)

	case regInterruptAck:
		md.state.intStatus &^= v
		if md.state.intStatus == 0 {
			return nil, md.d.EmulateIRQ(md.irq, 0)
		}

	case regStatus:
		return md.writeStatusLocked(v)
	}

	return nil, nil
}

func (md *Device) writeStatusLocked(v uint32) (func() error, error) {
	if v == 0 {
		return md.dev.Reset, md.clearLocked()
	}

	prev := md.state.status
	md.state.status = v

	if v&statusFailed != 0 && prev&statusFailed == 0 {
		md.log.Warn("virtio driver failed", "status", v)
	}

	if v&statusDriverOK != 0 && prev&statusDriverOK == 0 {
		return md.dev.Ready, nil
	}

	return nil, nil
}

func (md *Device) queueNotify(v uint32) error {
	md.mu.Lock()
	failed := md.state.status&(statusNeedsReset|statusFailed) != 0
	md.mu.Unlock()

	if failed {
		return nil
	}

	return md.dev.NotifyQueue(int(v))
}

// fault marks the device as needing a reset after an emulation error and
// tells the driver. The access itself completes.
func (md *Device) fault(err error) error {
	if err == nil {
		return nil
	}

	md.log.Error("virtio device fault", "err", err)

	md.mu.Lock()
	defer md.mu.Unlock()

	if md.state.status&statusNeedsReset != 0 {
		return nil
	}

	md.state.status |= statusNeedsReset
	if err := md.raiseLocked(intStatusConfigChange); err != nil {
		md.log.Error("virtio config change notification failed", "irq", md.irq, "err", err)
	}

	return nil
}
