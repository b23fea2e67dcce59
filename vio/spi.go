package vio

import (
	"context"
	"fmt"
	"sync"

	"github.com/c35s/hvcore/thread"
	"github.com/c35s/hvcore/waitq"
	"golang.org/x/sys/unix"
)

// SPIXferFunc moves one word between a host and the slave at a chip
// select. It returns the word clocked back.
type SPIXferFunc func(sl *SPISlave, data uint32) uint32

// SPISlave is a device on a chip select of an SPIHost.
type SPISlave struct {
	name string
	host *SPIHost
	cs   int
	xfer SPIXferFunc
}

func (sl *SPISlave) Name() string { return sl.name }
func (sl *SPISlave) ChipSelect() int { return sl.cs }
func (sl *SPISlave) Host() *SPIHost { return sl.host }

// SPIHost is a virtual SPI controller. A worker thread runs the
// controller's transfer function each time a transfer is scheduled.
type SPIHost struct {
	name   string
	xfer   func(h *SPIHost)
	worker *thread.Thread
	avail  waitq.Completion

	mu     sync.Mutex
	slaves []*SPISlave
}

// CreateSPIHost registers a host named prefix/dev with chipSelects slave
// slots and starts its worker.
func (h *Hub) CreateSPIHost(ctx context.Context, prefix, dev string, chipSelects int, xfer func(*SPIHost)) (*SPIHost, error) {
	name := prefix + "/" + dev
	if xfer == nil || chipSelects <= 0 {
		return nil, fmt.Errorf("vio: spi host %s: %w", name, unix.EINVAL)
	}

	sh := &SPIHost{
		name:   name,
		xfer:   xfer,
		slaves: make([]*SPISlave, chipSelects),
	}

	sh.worker = thread.Create(name, sh.work, 0)

	if err := h.SPIHosts.add("spi host", sh); err != nil {
		return nil, err
	}

	if err := sh.worker.Start(ctx); err != nil {
		h.SPIHosts.remove("spi host", name)
		return nil, err
	}

	return sh, nil
}

// DestroySPIHost stops the worker and unregisters sh.
func (h *Hub) DestroySPIHost(sh *SPIHost) error {
	if _, err := h.SPIHosts.remove("spi host", sh.name); err != nil {
		return err
	}

	return sh.worker.Stop()
}

func (sh *SPIHost) work(ctx context.Context) error {
	for {
		if err := sh.avail.Wait(ctx); err != nil {
			return err
		}

		sh.xfer(sh)
	}
}

func (sh *SPIHost) Name() string { return sh.name }
func (sh *SPIHost) ChipSelects() int { return len(sh.slaves) }

// ScheduleXfer wakes the worker for one more transfer.
func (sh *SPIHost) ScheduleXfer() { sh.avail.Complete() }

// AddSlave attaches a device called dev at chip select cs.
func (sh *SPIHost) AddSlave(dev string, cs int, xfer SPIXferFunc) (*SPISlave, error) {
	name := sh.name + "/" + dev
	if xfer == nil || cs < 0 || cs >= len(sh.slaves) || len(name) >= MaxNameLen {
		return nil, fmt.Errorf("vio: spi slave %s at cs %d: %w", name, cs, unix.EINVAL)
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if sh.slaves[cs] != nil {
		return nil, fmt.Errorf("vio: spi host %s: cs %d: %w", sh.name, cs, unix.EBUSY)
	}

	sl := &SPISlave{name: name, host: sh, cs: cs, xfer: xfer}
	sh.slaves[cs] = sl
	return sl, nil
}

// RemoveSlave frees the chip select of sl.
func (sh *SPIHost) RemoveSlave(sl *SPISlave) error {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if sl.host != sh || sh.slaves[sl.cs] != sl {
		return fmt.Errorf("vio: spi host %s: slave %s: %w", sh.name, sl.name, unix.ENOENT)
	}

	sh.slaves[sl.cs] = nil
	return nil
}

// Xfer clocks data to the slave at cs. An empty chip select reads zero.
func (sh *SPIHost) Xfer(cs int, data uint32) uint32 {
	if cs < 0 || cs >= len(sh.slaves) {
		return 0
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if sl := sh.slaves[cs]; sl != nil {
		return sl.xfer(sl, data)
	}

	return 0
}

// Slaves calls fn for every chip select, with nil for empty ones.
func (sh *SPIHost) Slaves(fn func(cs int, sl *SPISlave)) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	for cs, sl := range sh.slaves {
		fn(cs, sl)
	}
}
