// Package devemu dispatches guest accesses to emulated devices and routes
// guest interrupts from devices to virtual interrupt controllers.
//
// Emulators register once in a Registry. Each guest has a Context holding
// the devices probed for its virtual regions and its IRQ graph.
package devemu

import (
	"fmt"
	"slices"
	"sync"

	"github.com/c35s/hvcore/devtree"
	"golang.org/x/sys/unix"
)

// Endian is the byte order of an emulator's registers.
type Endian int

const (
	Native Endian = iota
	Little
	Big
)

func (e Endian) String() string {
	switch e {
	case Little:
		return "little"
	case Big:
		return "big"
	default:
		return "native"
	}
}

// Guest is the view of a guest that emulators need.
type Guest interface {
	ID() int
	Name() string
	NumVCPUs() int

	// ReadMemory and WriteMemory copy to and from guest RAM.
	ReadMemory(gpa uint64, buf []byte) error
	WriteMemory(gpa uint64, buf []byte) error

	// AssertVCPUIRQ raises the IRQ line of a VCPU and wakes it if it is
	// waiting for an interrupt.
	AssertVCPUIRQ(vcpu int)
	DeassertVCPUIRQ(vcpu int)

	RequestShutdown()
	RequestReboot()
}

// Window is a guest physical range handled by a device.
type Window struct {
	GPA  uint64
	Size uint64
}

func (w Window) Contains(gpa uint64) bool {
	return gpa >= w.GPA && gpa-w.GPA < w.Size
}

func (w Window) End() uint64 { return w.GPA + w.Size }

// Device is an emulated device bound to one or more windows.
type Device struct {
	Name    string
	Node    *devtree.Node
	Guest   Guest
	Windows []Window
	Endian  Endian

	ctx  *Context
	emu  Emulator
	inst Instance
}

func (d *Device) Emulator() Emulator { return d.emu }
func (d *Device) Instance() Instance { return d.inst }

// EmulateIRQ drives guest IRQ line irq to level on behalf of the device.
func (d *Device) EmulateIRQ(irq uint32, level int) error {
	return d.ctx.EmulateIRQ(irq, level)
}

// EmulatePercpuIRQ drives a per-VCPU guest IRQ.
func (d *Device) EmulatePercpuIRQ(vcpu int, irq uint32, level int) error {
	return d.ctx.EmulatePercpuIRQ(vcpu, irq, level)
}

// Context returns the guest context the device belongs to.
func (d *Device) Context() *Context { return d.ctx }

// Emulator creates device instances for nodes it is compatible with.
type Emulator interface {
	Name() string
	Compatible() []string
	Endian() Endian
	Probe(d *Device) (Instance, error)
}

// Instance is the state of one emulated device. It implements the access
// widths it supports; missing widths are synthesized from the others.
type Instance any

type (
	Reader8  interface{ Read8(cpu int, off uint64) (uint8, error) }
	Reader16 interface{ Read16(cpu int, off uint64) (uint16, error) }
	Reader32 interface{ Read32(cpu int, off uint64) (uint32, error) }
	Reader64 interface{ Read64(cpu int, off uint64) (uint64, error) }

	Writer8  interface{ Write8(cpu int, off uint64, v uint8) error }
	Writer16 interface{ Write16(cpu int, off uint64, v uint16) error }
	Writer32 interface{ Write32(cpu int, off uint64, v uint32) error }
	Writer64 interface{ Write64(cpu int, off uint64, v uint64) error }
)

// Resetter is implemented by instances with reset state.
type Resetter interface {
	Reset() error
}

// Remover is implemented by instances holding resources.
type Remover interface {
	Remove() error
}

// Syncer is implemented by instances that publish state to the guest
// outside of accesses, such as timers catching up.
type Syncer interface {
	Sync() error
}

// Registry is the set of known emulators.
type Registry struct {
	mu   sync.RWMutex
	emus []Emulator
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds an emulator. Names are unique.
func (r *Registry) Register(e Emulator) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, x := range r.emus {
		if x.Name() == e.Name() {
			return fmt.Errorf("devemu: emulator %s: %w", e.Name(), unix.EEXIST)
		}
	}

	r.emus = append(r.emus, e)
	return nil
}

// Unregister removes the emulator called name.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := slices.IndexFunc(r.emus, func(e Emulator) bool { return e.Name() == name })
	if i < 0 {
		return fmt.Errorf("devemu: emulator %s: %w", name, unix.ENOENT)
	}

	r.emus = slices.Delete(r.emus, i, i+1)
	return nil
}

// Find returns the first emulator compatible with node.
func (r *Registry) Find(node *devtree.Node) (Emulator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.emus {
		if node.Match(e.Compatible()) >= 0 {
			return e, true
		}
	}

	return nil, false
}

// Get returns the emulator called name.
func (r *Registry) Get(name string) (Emulator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.emus {
		if e.Name() == name {
			return e, true
		}
	}

	return nil, false
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.emus)
}

// List returns the registered emulators in registration order.
func (r *Registry) List() []Emulator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.emus)
}
