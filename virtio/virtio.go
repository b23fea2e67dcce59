// Package virtio implements legacy split virtqueues and the device model
// shared by virtio emulators and their transports.
package virtio

import (
	"fmt"
	"slices"
	"sync"

	"github.com/c35s/hvcore/devtree"
	"golang.org/x/sys/unix"
)

// DeviceID identifies the type of a virtio device.
type DeviceID uint32

const (
	InvalidDeviceID = DeviceID(0)
	NetworkDeviceID = DeviceID(1)
	BlockDeviceID   = DeviceID(2)
	ConsoleDeviceID = DeviceID(3)
	RPMsgDeviceID   = DeviceID(7)
	InputDeviceID   = DeviceID(18)
	SocketDeviceID  = DeviceID(19)
)

func (id DeviceID) String() string {
	switch id {
	case InvalidDeviceID:
		return "invalid"

	case NetworkDeviceID:
		return "network"

	case BlockDeviceID:
		return "block"

	case ConsoleDeviceID:
		return "console"

	case RPMsgDeviceID:
		return "rpmsg"

	case InputDeviceID:
		return "input"

	case SocketDeviceID:
		return "socket"

	default:
		return fmt.Sprintf("DeviceID(%d)", id)
	}
}

const (

	// FNotifyOnEmpty (VIRTIO_F_NOTIFY_ON_EMPTY) asks the device to notify
	// when it runs out of available descriptors even if notifications are
	// suppressed.
	FNotifyOnEmpty = 1 << 24

	// FIndirectDesc (VIRTIO_RING_F_INDIRECT_DESC) "indicates that the driver
	// can use descriptors with the VIRTQ_DESC_F_INDIRECT flag set".
	FIndirectDesc = 1 << 28

	// FEventIdx (VIRTIO_RING_F_EVENT_IDX) "enables the used_event and the
	// avail_event fields". It replaces the flag based suppression of
	// notifications in both directions.
	FEventIdx = 1 << 29
)

// Memory is guest physical memory as seen by a device.
type Memory interface {

	// MapMemory returns a slice aliasing n bytes of guest memory at gpa.
	// The range must lie in one RAM or ROM region.
	MapMemory(gpa uint64, n int) ([]byte, error)

	ReadMemory(gpa uint64, buf []byte) error
	WriteMemory(gpa uint64, buf []byte) error
}

// Transport delivers device notifications to the driver.
type Transport interface {

	// Notify signals that queue has new used buffers.
	Notify(queue int) error

	// NotifyConfig signals a change of the device configuration space.
	NotifyConfig() error
}

// Emulator is the device specific half of a virtio device.
type Emulator interface {

	// GetType identifies the type of the device.
	GetType() DeviceID

	// GetFeatures returns the feature bits offered to the driver, ring
	// features included.
	GetFeatures() uint64

	// QueueSize returns the number of descriptors of queue, or 0 if the
	// device has no such queue.
	QueueSize(queue int) uint32

	// Ready is called once the driver has negotiated features and set up
	// its queues.
	Ready(negotiatedFeatures uint64) error

	// Handle is called when the driver notifies queue. Calls for the same
	// device do not overlap. Notifications are coalesced, so Handle must
	// drain every available buffer.
	Handle(queue int, q *Queue) error

	// ReadConfig reads the device configuration space at off into p.
	ReadConfig(p []byte, off int) error
}

// ConfigWriter is implemented by emulators with writable configuration.
type ConfigWriter interface {
	WriteConfig(p []byte, off int) error
}

// Resetter is implemented by emulators with state beyond their queues.
type Resetter interface {
	Reset() error
}

// Closer is implemented by emulators holding resources.
type Closer interface {
	Close() error
}

// Driver creates emulators of one device type.
type Driver interface {
	Type() DeviceID

	// NewEmulator returns the emulator for dev. The node is the transport's
	// device tree node and carries the driver specific attributes.
	NewEmulator(dev *Device, node *devtree.Node) (Emulator, error)
}

// Registry maps device types to drivers.
type Registry struct {
	mu      sync.RWMutex
	drivers []Driver
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds drv. A type can have one driver.
func (r *Registry) Register(drv Driver) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if slices.ContainsFunc(r.drivers, func(d Driver) bool { return d.Type() == drv.Type() }) {
		return fmt.Errorf("virtio: %v driver already registered: %w", drv.Type(), unix.EEXIST)
	}

	r.drivers = append(r.drivers, drv)
	return nil
}

func (r *Registry) Unregister(id DeviceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := slices.IndexFunc(r.drivers, func(d Driver) bool { return d.Type() == id })
	if i < 0 {
		return fmt.Errorf("virtio: no %v driver: %w", id, unix.ENOENT)
	}

	r.drivers = slices.Delete(r.drivers, i, i+1)
	return nil
}

// Find returns the driver for id.
func (r *Registry) Find(id DeviceID) (Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.drivers {
		if d.Type() == id {
			return d, true
		}
	}

	return nil, false
}
