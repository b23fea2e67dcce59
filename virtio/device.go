package virtio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/c35s/hvcore/devtree"
	"golang.org/x/sys/unix"
)

// MaxQueues bounds the queues of a device.
const MaxQueues = 64

// Device joins an emulator to a transport and guest memory.
type Device struct {
	name string
	mem  Memory
	tr   Transport
	log  *slog.Logger
	emu  Emulator

	queues []*Queue

	// hmu serializes Handle calls
	hmu sync.Mutex

	mu       sync.Mutex
	features uint64
	ready    bool
}

// NewDevice creates a device named name and asks drv for its emulator.
func NewDevice(name string, mem Memory, tr Transport, drv Driver, node *devtree.Node, log *slog.Logger) (*Device, error) {
	if log == nil {
		log = slog.Default()
	}

	d := &Device{
		name: name,
		mem:  mem,
		tr:   tr,
		log:  log.With("virtio", name),
	}

	emu, err := drv.NewEmulator(d, node)
	if err != nil {
		return nil, fmt.Errorf("virtio: %s: new %v emulator: %w", name, drv.Type(), err)
	}

	if emu.GetType() != drv.Type() {
		return nil, fmt.Errorf("virtio: %s: %v driver made a %v emulator: %w",
			name, drv.Type(), emu.GetType(), unix.EINVAL)
	}

	d.emu = emu

	for i := 0; i < MaxQueues && emu.QueueSize(i) > 0; i++ {
		q := &Queue{}
		q.notify = func() error { return tr.Notify(i) }
		d.queues = append(d.queues, q)
	}

	return d, nil
}

func (d *Device) Name() string { return d.name }
func (d *Device) Type() DeviceID { return d.emu.GetType() }
func (d *Device) Emulator() Emulator { return d.emu }
func (d *Device) Memory() Memory { return d.mem }
func (d *Device) Logger() *slog.Logger { return d.log }
func (d *Device) NumQueues() int { return len(d.queues) }

func (d *Device) String() string { return d.name }

// Queue returns queue i.
func (d *Device) Queue(i int) (*Queue, bool) {
	if i < 0 || i >= len(d.queues) {
		return nil, false
	}

	return d.queues[i], true
}

// HostFeatures returns the features offered to the driver.
func (d *Device) HostFeatures() uint64 { return d.emu.GetFeatures() }

// Features returns the negotiated features.
func (d *Device) Features() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.features
}

// SetGuestFeatures records the features accepted by the driver. Only those
// the device offers become active.
func (d *Device) SetGuestFeatures(v uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.features = v & d.emu.GetFeatures()
}

// QueueSizeMax returns the descriptor count of queue i, 0 if there's no
// such queue.
func (d *Device) QueueSizeMax(i int) uint32 {
	if _, ok := d.Queue(i); !ok {
		return 0
	}

	return d.emu.QueueSize(i)
}

// InitQueue places queue i of num descriptors at pfn. A zero num selects
// the largest size. A zero pfn releases the queue.
func (d *Device) InitQueue(i int, pfn uint64, pageSize, num, align uint32) error {
	q, ok := d.Queue(i)
	if !ok {
		return fmt.Errorf("virtio: %s has no queue %d: %w", d.name, i, unix.EINVAL)
	}

	if pfn == 0 {
		q.Cleanup()
		return nil
	}

	limit := d.emu.QueueSize(i)
	if num == 0 {
		num = limit
	}

	if num > limit {
		return fmt.Errorf("virtio: %s queue %d: size %d above %d: %w", d.name, i, num, limit, unix.EINVAL)
	}

	return q.Setup(d.mem, pfn, pageSize, num, align, d.Features())
}

// QueuePFN returns the page frame of queue i, 0 if it isn't set up.
func (d *Device) QueuePFN(i int) uint64 {
	q, ok := d.Queue(i)
	if !ok {
		return 0
	}

	return q.GuestPFN()
}

// Ready tells the emulator that the driver is done configuring.
func (d *Device) Ready() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ready {
		return nil
	}

	if err := d.emu.Ready(d.features); err != nil {
		return err
	}

	d.ready = true
	return nil
}

// NotifyQueue runs the emulator on queue i.
func (d *Device) NotifyQueue(i int) error {
	q, ok := d.Queue(i)
	if !ok {
		return fmt.Errorf("virtio: %s has no queue %d: %w", d.name, i, unix.EINVAL)
	}

	d.hmu.Lock()
	defer d.hmu.Unlock()

	if !q.SetupDone() {
		return nil
	}

	return d.emu.Handle(i, q)
}

// Signal completes a buffer on queue i and notifies the driver if it asked
// for it.
func (d *Device) Signal(i int, head uint16, n uint32) error {
	q, ok := d.Queue(i)
	if !ok {
		return fmt.Errorf("virtio: %s has no queue %d: %w", d.name, i, unix.EINVAL)
	}

	if err := q.SetUsedElem(head, n); err != nil {
		return err
	}

	if q.ShouldSignal() {
		return q.Notify()
	}

	return nil
}

// NotifyConfig tells the driver that the configuration space changed.
func (d *Device) NotifyConfig() error {
	return d.tr.NotifyConfig()
}

func (d *Device) ReadConfig(p []byte, off int) error {
	return d.emu.ReadConfig(p, off)
}

// WriteConfig writes the configuration space. Writes to emulators without
// writable configuration are ignored.
func (d *Device) WriteConfig(p []byte, off int) error {
	if w, ok := d.emu.(ConfigWriter); ok {
		return w.WriteConfig(p, off)
	}

	return nil
}

// Reset releases the queues and forgets the negotiated features.
func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, q := range d.queues {
		q.Cleanup()
	}

	d.features = 0
	d.ready = false

	if r, ok := d.emu.(Resetter); ok {
		return r.Reset()
	}

	return nil
}

// Close resets the device and releases the emulator.
func (d *Device) Close() error {
	if err := d.Reset(); err != nil {
		return err
	}

	if c, ok := d.emu.(Closer); ok {
		return c.Close()
	}

	return nil
}
