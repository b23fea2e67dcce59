// Package vmm assembles the hypervisor core. New brings the subsystems up in
// dependency order, StartKernel creates the guests of the device tree and Run
// drives one scheduling loop per host CPU.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c35s/hvcore/block"
	"github.com/c35s/hvcore/boot"
	"github.com/c35s/hvcore/clock"
	"github.com/c35s/hvcore/cpumask"
	"github.com/c35s/hvcore/devemu"
	"github.com/c35s/hvcore/devtree"
	"github.com/c35s/hvcore/emulators/pl011"
	"github.com/c35s/hvcore/emulators/vgic"
	"github.com/c35s/hvcore/guest"
	"github.com/c35s/hvcore/irq"
	"github.com/c35s/hvcore/mm"
	"github.com/c35s/hvcore/sched"
	"github.com/c35s/hvcore/smp"
	"github.com/c35s/hvcore/vio"
	"github.com/c35s/hvcore/vio/vsdaemon"
	"github.com/c35s/hvcore/virtio"
	vblock "github.com/c35s/hvcore/virtio/block"
	"github.com/c35s/hvcore/virtio/console"
	"github.com/c35s/hvcore/virtio/mmio"
	"github.com/docker/go-units"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

var (
	ErrConfig  = errors.New("vmm: invalid config")
	ErrMemory  = errors.New("vmm: memory setup failed")
	ErrBoot    = errors.New("vmm: boot handoff failed")
	ErrClock   = errors.New("vmm: clock setup failed")
	ErrIRQ     = errors.New("vmm: irq setup failed")
	ErrDevices = errors.New("vmm: device setup failed")
	ErrDisk    = errors.New("vmm: disk setup failed")
	ErrGuest   = errors.New("vmm: guest creation failed")
	ErrMetrics = errors.New("vmm: metrics registration failed")
	ErrFatal   = errors.New("vmm: fatal error")
)

// VMM is a running hypervisor core.
type VMM struct {
	cfg Config
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	ram    *mm.HostRAM
	frames *mm.FramePool
	va     *mm.VAPool
	as     *mm.AddressSpace
	heap   *mm.Heap
	dma    *mm.Heap

	cpus    *smp.CPUs
	sched   *sched.Scheduler
	sources clock.Sources
	chips   clock.Chips
	timers  *clock.Timers
	wall    *clock.Wallclock
	ticks   []*clock.Event
	ticking []atomic.Bool
	irqs    *irq.Host

	emulators *devemu.Registry
	drivers   *virtio.Registry
	hub       vio.Hub
	guests    *guest.Manager
	daemons   *vsdaemon.Manager
	disks     map[string]*block.RQ

	// undo tears down what New set up, newest first
	undo []func() error

	mu      sync.Mutex
	started bool
	running bool
	closed  bool

	// loops counts Run calls whose CPU loops have not returned
	loops sync.WaitGroup
}

// New brings up the host. On failure everything set up so far is torn down.
func New(cfg Config) (*VMM, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &VMM{
		cfg:    cfg,
		log:    cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		disks:  make(map[string]*block.RQ),
	}

	stages := []func() error{
		m.initMemory,
		m.initBoot,
		m.initCPUs,
		m.initClock,
		m.initIRQ,
		m.initDevices,
		m.initDisks,
		m.initGuests,
		m.initMetrics,
	}

	for _, stage := range stages {
		if err := stage(); err != nil {
			if cerr := m.teardown(); cerr != nil {
				m.log.Warn("teardown after failed init", "err", cerr)
			}

			return nil, err
		}
	}

	m.log.Info("host up",
		"cpus", cfg.NumCPU,
		"ram", units.BytesSize(float64(m.ram.Size())),
		"free_frames", m.frames.FreeFrames(),
		"emulators", m.emulators.Count())

	return m, nil
}

func (m *VMM) onClose(fn func() error) { m.undo = append(m.undo, fn) }

func (m *VMM) initMemory() error {
	size, _ := m.cfg.ramSize()

	ram, err := mm.NewHostRAM(m.cfg.RAMBase, size)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMemory, err)
	}

	m.ram = ram
	m.onClose(ram.Close)

	if m.frames, err = mm.NewFramePool(ram.Base(), int(size>>mm.PageShift)); err != nil {
		return fmt.Errorf("%w: %w", ErrMemory, err)
	}

	// the kernel image owns its frames for good
	p := m.cfg.Boot
	if err := m.frames.Reserve(p.LoadPA, int(p.Size()>>mm.PageShift)); err != nil {
		return fmt.Errorf("%w: kernel frames: %w", ErrMemory, err)
	}

	if m.va, err = mm.NewVAPool(m.cfg.VABase, m.cfg.VASize); err != nil {
		return fmt.Errorf("%w: %w", ErrMemory, err)
	}

	if m.va.Contains(p.ExecVA) {
		if err := m.va.Reserve(p.ExecVA, p.Size()); err != nil {
			return fmt.Errorf("%w: kernel window: %w", ErrMemory, err)
		}
	}

	m.as = mm.NewAddressSpace(ram, m.frames, m.va)
	return nil
}

// bootMapper installs the initial sections into the host address space.
type bootMapper struct{ as *mm.AddressSpace }

func (b bootMapper) Map(va, pa, size uint64, exec bool) error {
	flags := mm.Normal
	if exec {
		flags |= mm.Executable
	}

	return b.as.Map(va, pa, size, flags)
}

func (m *VMM) initBoot() error {
	t, err := boot.MMUOff(m.cfg.Boot)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBoot, err)
	}

	if err := t.Handoff(bootMapper{m.as}); err != nil {
		return fmt.Errorf("%w: %w", ErrBoot, err)
	}

	heapSize, _ := units.RAMInBytes(m.cfg.HeapSize)
	dmaSize, _ := units.RAMInBytes(m.cfg.DMAHeapSize)

	if m.heap, err = mm.NewNormalHeap(m.as, uint64(heapSize)); err != nil {
		return fmt.Errorf("%w: %w", ErrMemory, err)
	}

	m.onClose(m.heap.Close)

	if m.dma, err = mm.NewDMAHeap(m.as, m.heap, uint64(dmaSize)); err != nil {
		return fmt.Errorf("%w: %w", ErrMemory, err)
	}

	m.onClose(m.dma.Close)
	return nil
}

func (m *VMM) initCPUs() error {
	cpus, err := smp.New(m.cfg.NumCPU)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}

	m.cpus = cpus

	m.sched, err = sched.New(sched.Config{
		NumCPU: m.cfg.NumCPU,
		Notify: m.notify,
		Logger: m.log,
	})

	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}

	return nil
}

// notify wakes an idle CPU loop.
func (m *VMM) notify(cpu int) {
	if err := m.cpus.SendIPI(cpu, func() {}); err != nil {
		m.log.Debug("reschedule ipi dropped", "cpu", cpu, "err", err)
	}
}

func (m *VMM) initClock() error {
	if err := m.sources.Register(clock.HostMonotonic{}); err != nil {
		return fmt.Errorf("%w: %w", ErrClock, err)
	}

	n := m.cfg.NumCPU
	m.timers = clock.NewTimers(n, m.sources.Timestamp)

	for cpu := range n {
		chip := clock.NewHostChip(fmt.Sprintf("host-timer%d", cpu), 300, cpumask.Of(cpu))
		if err := m.chips.Register(chip); err != nil {
			return fmt.Errorf("%w: %w", ErrClock, err)
		}

		if err := m.timers.Attach(cpu, chip); err != nil {
			return fmt.Errorf("%w: %w", ErrClock, err)
		}
	}

	m.wall = clock.NewWallclock(m.sources.Timestamp)
	m.wall.SetTime(time.Now())

	return nil
}

func (m *VMM) initIRQ() error {
	m.irqs = irq.NewHost(m.cfg.HostIRQs, m.cfg.NumCPU, m.log)

	if err := m.irqs.SetChip(TickIRQ, irq.NopChip{ChipName: "host-timer"}, nil); err != nil {
		return fmt.Errorf("%w: %w", ErrIRQ, err)
	}

	if err := m.irqs.MarkPerCPU(TickIRQ); err != nil {
		return fmt.Errorf("%w: %w", ErrIRQ, err)
	}

	m.ticks = make([]*clock.Event, m.cfg.NumCPU)
	m.ticking = make([]atomic.Bool, m.cfg.NumCPU)
	for cpu := range m.cfg.NumCPU {
		if err := m.irqs.RegisterPerCPU(TickIRQ, cpu, "sched-tick", m.tick, nil); err != nil {
			return fmt.Errorf("%w: %w", ErrIRQ, err)
		}

		m.ticks[cpu] = clock.NewEvent(fmt.Sprintf("tick%d", cpu), m.tickExpired, cpu)
	}

	m.onClose(func() error {
		for _, ev := range m.ticks {
			m.timers.Stop(ev)
		}

		return nil
	})

	return nil
}

// tickExpired runs on the timer's goroutine. It hands the tick to the CPU
// loop as an interrupt and re-arms.
func (m *VMM) tickExpired(ev *clock.Event) {
	cpu := ev.Priv.(int)

	err := m.cpus.SendIPI(cpu, func() {
		if err := m.irqs.Exec(cpu, TickIRQ); err != nil {
			m.log.Warn("tick irq failed", "cpu", cpu, "err", err)
		}
	})

	if err != nil {
		m.log.Debug("tick dropped", "cpu", cpu, "err", err)
	}

	if m.ticking[cpu].Load() {
		m.timers.Restart(ev)
	}
}

func (m *VMM) tick(_, cpu int, _ any) irq.Return {
	m.sched.Tick(cpu)
	return irq.Handled
}

func (m *VMM) initDevices() error {
	m.drivers = virtio.NewRegistry()
	m.emulators = devemu.NewRegistry()

	drivers := []virtio.Driver{
		vblock.Driver{Lookup: m.Disk},
		console.Driver{Hub: &m.hub},
	}

	for _, drv := range drivers {
		if err := m.drivers.Register(drv); err != nil {
			return fmt.Errorf("%w: %w", ErrDevices, err)
		}
	}

	emulators := []devemu.Emulator{
		mmio.NewEmulator(m.drivers, m.log),
		pl011.Emulator{Hub: &m.hub},
		vgic.Emulator{},
	}

	for _, e := range emulators {
		if err := m.emulators.Register(e); err != nil {
			return fmt.Errorf("%w: %w", ErrDevices, err)
		}
	}

	return nil
}

func (m *VMM) initDisks() error {
	for _, d := range m.cfg.Disks {
		s := d.Storage

		switch {
		case d.Path != "":
			flag := os.O_RDWR
			if d.ReadOnly {
				flag = os.O_RDONLY
			}

			f, err := os.OpenFile(d.Path, flag, 0)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrDisk, d.Name, err)
			}

			m.onClose(f.Close)
			s = &block.FileStorage{File: f}

		case d.URL != "":
			s = &block.HTTPStorage{URL: d.URL}
		}

		disk, err := block.NewDisk(s, d.ReadOnly)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrDisk, d.Name, err)
		}

		rq, err := block.New(m.ctx, disk, block.Config{Name: d.Name, Logger: m.log})
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrDisk, d.Name, err)
		}

		m.disks[d.Name] = rq
		m.onClose(rq.Close)

		m.log.Info("disk attached", "disk", d.Name, "size", units.BytesSize(float64(disk.Size())), "ro", disk.ReadOnly())
	}

	return nil
}

func (m *VMM) initGuests() error {
	var err error

	m.guests, err = guest.NewManager(m.ctx, guest.Config{
		RAM:       m.ram,
		Frames:    m.frames,
		Sched:     m.sched,
		Timers:    m.timers,
		Emulators: m.emulators,
		NewVCPU:   m.cfg.NewVCPU,
		Images:    m.cfg.Images,
		Budget:    m.cfg.Budget,
		Logger:    m.log,
	})

	if err != nil {
		return fmt.Errorf("%w: %w", ErrGuest, err)
	}

	m.onClose(m.guests.Close)

	if m.daemons, err = vsdaemon.NewManager(m.ctx, &m.hub, m.log); err != nil {
		return fmt.Errorf("%w: %w", ErrDevices, err)
	}

	m.onClose(m.daemons.Close)
	return nil
}

func (m *VMM) initMetrics() error {
	reg := m.cfg.Metrics
	if reg == nil {
		return nil
	}

	collectors := []prometheus.Collector{
		mm.NewCollector(m.frames, m.va, m.heap, m.dma),
		sched.NewCollector(m.sched),
		irq.NewCollector(m.irqs),
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("%w: %w", ErrMetrics, err)
		}

		m.onClose(func() error {
			reg.Unregister(c)
			return nil
		})
	}

	return nil
}

// StartKernel creates the guests under the tree's guests node, kicks them
// and starts the configured serial daemons. It runs once.
func (m *VMM) StartKernel() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("vmm: kernel already started: %w", unix.EBUSY)
	}

	m.started = true
	m.mu.Unlock()

	var errs *multierror.Error

	if m.cfg.Tree != nil {
		if n := m.cfg.Tree.Child(GuestsNode); n != nil {
			for _, gn := range n.Children() {
				g, err := m.guests.CreateGuest(gn)
				if err != nil {
					errs = multierror.Append(errs, fmt.Errorf("%w: %s: %w", ErrGuest, gn.Name(), err))
					continue
				}

				if err := g.Kick(); err != nil {
					errs = multierror.Append(errs, fmt.Errorf("%w: %s: %w", ErrGuest, gn.Name(), err))
				}
			}
		}
	}

	for _, dc := range m.cfg.Daemons {
		if _, err := m.daemons.Create(dc); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	return errs.ErrorOrNil()
}

// Run drives every host CPU until ctx is done or a CPU hits a fatal error.
func (m *VMM) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running || m.closed {
		m.mu.Unlock()
		return fmt.Errorf("vmm: already running or closed: %w", unix.EBUSY)
	}

	m.running = true
	m.loops.Add(1)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		m.loops.Done()
	}()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	context.AfterFunc(m.ctx, stop)

	g, gctx := errgroup.WithContext(runCtx)
	for cpu := range m.cfg.NumCPU {
		g.Go(func() error { return m.loop(gctx, cpu) })
	}

	err := g.Wait()
	if runCtx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return nil
	}

	return err
}

// loop is one host CPU. Interrupts arrive through the CPU's mailbox and are
// taken between slices; an idle CPU sleeps on its mailbox.
func (m *VMM) loop(ctx context.Context, cpu int) (err error) {
	if cpu != 0 {
		if err := m.cpus.BringUp(cpu); err != nil && !errors.Is(err, unix.EBUSY) {
			return err
		}
	}

	defer func() {
		if r := recover(); r != nil {
			err = m.fatal(cpu, r)
		}
	}()

	m.ticking[cpu].Store(true)
	if err := m.timers.Start(m.ticks[cpu], cpu, m.cfg.TickPeriod); err != nil {
		return err
	}

	defer func() {
		m.ticking[cpu].Store(false)
		m.timers.Stop(m.ticks[cpu])
	}()

	mbox := m.cpus.Mailbox(cpu)
	for {
		m.cpus.Drain(cpu)

		t := m.sched.Current(cpu)
		if t == nil {
			m.sched.Schedule(cpu)
			if t = m.sched.Current(cpu); t == nil {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case fn := <-mbox:
					m.cpus.Run(cpu, fn)
				}

				continue
			}
		}

		if err := t.Runner().RunSlice(ctx, cpu); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			m.log.Warn("slice failed", "cpu", cpu, "task", t, "err", err)
		}
	}
}

// Panic stops the calling CPU loop with a fatal error. The loop prints the
// banner and the CPU state before it returns.
func Panic(format string, args ...any) {
	panic(fatalError(fmt.Sprintf(format, args...)))
}

type fatalError string

func (f fatalError) Error() string { return string(f) }

func (m *VMM) fatal(cpu int, r any) error {
	w := os.Stderr
	fmt.Fprintf(w, "\n=== hvcore panic on cpu%d: %v ===\n", cpu, r)

	if t := m.sched.Current(cpu); t != nil {
		fmt.Fprintf(w, "current task: %v\n", t)
		if d, ok := t.Runner().(interface{ DumpRegs(io.Writer) error }); ok {
			d.DumpRegs(w)
		}
	}

	w.Write(debug.Stack())

	m.log.Error("cpu halted", "cpu", cpu, "err", r)
	return fmt.Errorf("%w: cpu%d: %v", ErrFatal, cpu, r)
}

// Close stops the loops, waits for Run to return and tears the host down.
// It must not be called from a CPU loop.
func (m *VMM) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}

	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.loops.Wait()
	return m.teardown()
}

func (m *VMM) teardown() error {
	m.cancel()

	var errs *multierror.Error
	for i := len(m.undo) - 1; i >= 0; i-- {
		if err := m.undo[i](); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	m.undo = nil
	return errs.ErrorOrNil()
}

// Disk returns the request queue of the named disk.
func (m *VMM) Disk(name string) (*block.RQ, bool) {
	rq, ok := m.disks[name]
	return rq, ok
}

// Disks returns the disk names in order.
func (m *VMM) Disks() []string {
	names := make([]string, 0, len(m.disks))
	for name := range m.disks {
		names = append(names, name)
	}

	slices.Sort(names)
	return names
}

func (m *VMM) Tree() *devtree.Node { return m.cfg.Tree }
func (m *VMM) NumCPU() int { return m.cfg.NumCPU }
func (m *VMM) RAM() *mm.HostRAM { return m.ram }
func (m *VMM) Frames() *mm.FramePool { return m.frames }
func (m *VMM) VAPool() *mm.VAPool { return m.va }
func (m *VMM) AddressSpace() *mm.AddressSpace { return m.as }
func (m *VMM) Heap() *mm.Heap { return m.heap }
func (m *VMM) DMAHeap() *mm.Heap { return m.dma }
func (m *VMM) CPUs() *smp.CPUs { return m.cpus }
func (m *VMM) Sched() *sched.Scheduler { return m.sched }
func (m *VMM) Sources() *clock.Sources { return &m.sources }
func (m *VMM) Chips() *clock.Chips { return &m.chips }
func (m *VMM) Timers() *clock.Timers { return m.timers }
func (m *VMM) Wallclock() *clock.Wallclock { return m.wall }
func (m *VMM) IRQs() *irq.Host { return m.irqs }
func (m *VMM) Emulators() *devemu.Registry { return m.emulators }
func (m *VMM) Hub() *vio.Hub { return &m.hub }
func (m *VMM) Guests() *guest.Manager { return m.guests }
func (m *VMM) Daemons() *vsdaemon.Manager { return m.daemons }
