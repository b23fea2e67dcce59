// Package vio holds the virtual I/O endpoints that emulators expose to the
// host: serial ports, displays, keyboards, mice and SPI hosts. Endpoints of
// each kind live in a Registry that announces their creation and
// destruction on a notifier chain, so daemons and consoles can attach as
// guests come and go.
package vio

import (
	"fmt"
	"sync"

	"github.com/c35s/hvcore/notifier"
	"golang.org/x/sys/unix"
)

// Registry events. The payload is the endpoint.
const (
	EventCreate uint64 = iota + 1
	EventDestroy
)

// MaxNameLen bounds endpoint names.
const MaxNameLen = 64

// Endpoint is anything a Registry can hold.
type Endpoint interface {
	Name() string
}

// Registry is an ordered set of uniquely named endpoints. The zero value is
// empty and ready to use.
type Registry[T Endpoint] struct {
	mu    sync.Mutex
	list  []T
	chain notifier.Chain
}

// RegisterClient subscribes b to create and destroy events.
func (r *Registry[T]) RegisterClient(b *notifier.Block) error {
	return r.chain.Register(b)
}

// UnregisterClient unsubscribes b.
func (r *Registry[T]) UnregisterClient(b *notifier.Block) error {
	return r.chain.Unregister(b)
}

func (r *Registry[T]) add(kind string, v T) error {
	name := v.Name()
	if name == "" || len(name) >= MaxNameLen {
		return fmt.Errorf("vio: %s name %q: %w", kind, name, unix.EINVAL)
	}

	r.mu.Lock()
	for _, o := range r.list {
		if o.Name() == name {
			r.mu.Unlock()
			return fmt.Errorf("vio: %s %s: %w", kind, name, unix.EEXIST)
		}
	}

	r.list = append(r.list, v)
	r.mu.Unlock()

	r.chain.Call(EventCreate, v)
	return nil
}

func (r *Registry[T]) remove(kind string, name string) (T, error) {
	r.mu.Lock()
	for i, o := range r.list {
		if o.Name() == name {
			r.list = append(r.list[:i:i], r.list[i+1:]...)
			r.mu.Unlock()

			r.chain.Call(EventDestroy, o)
			return o, nil
		}
	}

	r.mu.Unlock()

	var zero T
	return zero, fmt.Errorf("vio: %s %s: %w", kind, name, unix.ENOENT)
}

// Find returns the endpoint called name.
func (r *Registry[T]) Find(name string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, o := range r.list {
		if o.Name() == name {
			return o, true
		}
	}

	var zero T
	return zero, false
}

// Get returns the i'th endpoint in creation order.
func (r *Registry[T]) Get(i int) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i < 0 || i >= len(r.list) {
		var zero T
		return zero, false
	}

	return r.list[i], true
}

// Count returns the number of endpoints.
func (r *Registry[T]) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.list)
}

// All returns a snapshot of the endpoints in creation order.
func (r *Registry[T]) All() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.list...)
}

// Hub holds one registry per endpoint kind. The zero value is ready to use.
type Hub struct {
	Serials   Registry[*Serial]
	Displays  Registry[*Display]
	Keyboards Registry[*Keyboard]
	Mice      Registry[*Mouse]
	SPIHosts  Registry[*SPIHost]
}
