package guest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/c35s/hvcore/arch"
	"github.com/c35s/hvcore/clock"
	"github.com/c35s/hvcore/cpumask"
	"github.com/c35s/hvcore/devemu"
	"github.com/c35s/hvcore/devtree"
	"github.com/c35s/hvcore/mm"
	"github.com/c35s/hvcore/mmu"
	"github.com/c35s/hvcore/notifier"
	"github.com/c35s/hvcore/psci"
	"github.com/c35s/hvcore/sched"
	"github.com/c35s/hvcore/thread"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
)

// Guest node layout.
const (
	NodeVCPUs  = "vcpus"
	NodeASpace = "aspace"
	NodePSCI   = "psci"

	// AttrPowerOff keeps a VCPU in Reset when the guest is kicked.
	AttrPowerOff = "poweroff"

	// AttrAffinity is the host CPU mask a VCPU may run on.
	AttrAffinity = "affinity"
)

const (
	DefaultMaxGuests  = 32
	DefaultMaxVCPUs   = 256
	DefaultPriority   = 3
	DefaultBudget     = 10000
	DefaultWFITimeout = 10 * time.Millisecond
)

// Events published on the manager's notifier chain. The payload is the
// *Guest.
const (
	EventCreate uint64 = iota + 1
	EventDestroy
	EventReset
	EventShutdownRequest
	EventRebootRequest
)

var (
	ErrConfig  = errors.New("guest: invalid manager config")
	ErrCreate  = errors.New("guest: create failed")
	ErrDestroy = errors.New("guest: destroy failed")
	ErrReset   = errors.New("guest: reset failed")
)

// ImageSource provides the images named by region nodes.
type ImageSource interface {
	Image(name string) ([]byte, error)
}

// Config configures a Manager.
type Config struct {
	RAM    *mm.HostRAM
	Frames *mm.FramePool
	Sched  *sched.Scheduler

	// Timers arms IRQ wait timeouts. If nil, every CPU gets a host
	// clockchip.
	Timers *clock.Timers

	// Emulators are the device emulators virtual regions bind to.
	Emulators *devemu.Registry

	// NewVCPU creates the architecture VCPUs.
	NewVCPU arch.Factory

	// Images, if set, resolves region image attributes.
	Images ImageSource

	MaxGuests int
	MaxVCPUs  int

	// Budget is the instruction budget of one VCPU time slice.
	Budget int

	// WFITimeout bounds how long a VCPU waits for an interrupt in WFI or
	// CPU_SUSPEND.
	WFITimeout time.Duration

	Logger *slog.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxGuests == 0 {
		cfg.MaxGuests = DefaultMaxGuests
	}

	if cfg.MaxVCPUs == 0 {
		cfg.MaxVCPUs = DefaultMaxVCPUs
	}

	if cfg.Budget == 0 {
		cfg.Budget = DefaultBudget
	}

	if cfg.WFITimeout == 0 {
		cfg.WFITimeout = DefaultWFITimeout
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}

func (cfg Config) validate() error {
	switch {
	case cfg.RAM == nil:
		return errors.New("no host RAM")
	case cfg.Frames == nil:
		return errors.New("no frame pool")
	case cfg.Sched == nil:
		return errors.New("no scheduler")
	case cfg.Emulators == nil:
		return errors.New("no emulator registry")
	case cfg.NewVCPU == nil:
		return errors.New("no VCPU factory")
	case cfg.MaxGuests < 0 || cfg.MaxVCPUs < 0 || cfg.Budget < 0:
		return errors.New("negative limit")
	}

	return nil
}

// Manager owns every guest and VCPU. Guests and VCPUs live in slabs and
// their ids are slab indexes.
type Manager struct {
	cfg    Config
	sched  *sched.Scheduler
	timers *clock.Timers
	log    *slog.Logger

	events   notifier.Chain
	requests *thread.WorkQueue

	mu     sync.RWMutex
	guests []*Guest
	vcpus  []*VCPU
}

// NewManager returns a manager with no guests. Guest shutdown and reboot
// requests are served by a work queue that lives as long as ctx.
func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	m := &Manager{
		cfg:    cfg,
		sched:  cfg.Sched,
		timers: cfg.Timers,
		log:    cfg.Logger,
		guests: make([]*Guest, cfg.MaxGuests),
		vcpus:  make([]*VCPU, cfg.MaxVCPUs),
	}

	if m.timers == nil {
		ncpu := cfg.Sched.NumCPU()
		m.timers = clock.NewTimers(ncpu, clock.HostMonotonic{}.Read)
		for cpu := range ncpu {
			chip := clock.NewHostChip(fmt.Sprintf("vcpu-timer%d", cpu), 100, cpumask.Of(cpu))
			if err := m.timers.Attach(cpu, chip); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrConfig, err)
			}
		}
	}

	wq, err := thread.NewWorkQueue(ctx, "guest-requests", cfg.Sched.MaxPriority())
	if err != nil {
		return nil, err
	}

	m.requests = wq
	return m, nil
}

// RegisterClient subscribes to guest events.
func (m *Manager) RegisterClient(b *notifier.Block) error { return m.events.Register(b) }

func (m *Manager) UnregisterClient(b *notifier.Block) error { return m.events.Unregister(b) }

func (m *Manager) notify(event uint64, g *Guest) { m.events.Call(event, g) }

func (m *Manager) Sched() *sched.Scheduler { return m.sched }

// Flush waits until every queued shutdown and reboot request is served.
func (m *Manager) Flush(ctx context.Context) error { return m.requests.Flush(ctx) }

// CreateGuest builds a guest from its device tree node: regions are
// allocated or bound to emulators, images are loaded and VCPUs are created
// in Reset. The guest starts in the Created state.
func (m *Manager) CreateGuest(node *devtree.Node) (*Guest, error) {
	name := node.Name()
	if name == "" {
		return nil, fmt.Errorf("%w: unnamed guest node: %w", ErrCreate, unix.EINVAL)
	}

	m.mu.Lock()
	if m.findGuestLocked(name) != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: guest %s exists: %w", ErrCreate, name, unix.EEXIST)
	}

	id := slices.Index(m.guests, nil)
	if id < 0 {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: no free guest slot: %w", ErrCreate, unix.ENOMEM)
	}

	g := &Guest{
		id:    id,
		name:  name,
		node:  node,
		m:     m,
		log:   m.log.With("guest", name),
		s2:    mmu.New(m.cfg.RAM),
		state: Created,
	}

	// reserve the slot, the guest is published once complete
	m.guests[id] = g
	m.mu.Unlock()

	g.shutdown = thread.NewWork(g.serveShutdown, g)
	g.reboot = thread.NewWork(g.serveReboot, g)
	g.emu = devemu.NewContext(m.cfg.Emulators, g, node, g.log)

	if err := m.buildGuest(g); err != nil {
		if terr := m.teardown(g); terr != nil {
			g.log.Error("guest teardown after failed create", "err", terr)
		}

		m.mu.Lock()
		m.guests[id] = nil
		m.mu.Unlock()

		return nil, fmt.Errorf("%w: %s: %w", ErrCreate, name, err)
	}

	m.notify(EventCreate, g)
	g.log.Info("guest created", "id", id, "vcpus", g.NumVCPUs(), "regions", len(g.Regions()))
	return g, nil
}

func (m *Manager) buildGuest(g *Guest) error {
	var err error
	if n := g.node.Child(NodePSCI); n != nil {
		g.psci, err = psci.FromNode(n)
	} else {
		g.psci, err = psci.New(0, 2)
	}

	if err != nil {
		return err
	}

	g.psci.Logger = g.log

	if as := g.node.Child(NodeASpace); as != nil {
		for _, n := range as.Children() {
			if _, err := g.AddRegion(n); err != nil {
				return err
			}
		}
	}

	if err := g.loadImages(); err != nil {
		return err
	}

	vn := g.node.Child(NodeVCPUs)
	if vn == nil || len(vn.Children()) == 0 {
		return fmt.Errorf("no vcpus: %w", unix.EINVAL)
	}

	for i, n := range vn.Children() {
		v, err := m.createVCPU(g, i, n)
		if err != nil {
			return err
		}

		g.mu.Lock()
		g.vcpus = append(g.vcpus, v)
		g.mu.Unlock()
	}

	return nil
}

func (m *Manager) createVCPU(g *Guest, subid int, n *devtree.Node) (*VCPU, error) {
	pc, _ := n.ReadU64(devtree.AttrStartPC)

	prio := DefaultPriority
	if p, err := n.ReadU32(devtree.AttrPriority); err == nil {
		prio = int(p)
	}

	slice := 0
	if s, err := n.ReadU32(devtree.AttrTimeSlice); err == nil {
		slice = int(s)
	}

	var affinity cpumask.Mask
	if a, err := n.ReadU64(AttrAffinity); err == nil {
		affinity = cpumask.FromWords(a)
	}

	if prio > m.sched.MaxPriority() {
		return nil, fmt.Errorf("vcpu %s priority %d above %d: %w", n.Name(), prio, m.sched.MaxPriority(), unix.EINVAL)
	}

	cpu, err := m.cfg.NewVCPU(subid, g.s2)
	if err != nil {
		return nil, fmt.Errorf("vcpu %s: %w", n.Name(), err)
	}

	cpu.Reset(pc)

	v := &VCPU{
		subid:    subid,
		name:     g.name + "/" + n.Name(),
		m:        m,
		guest:    g,
		cpu:      cpu,
		startPC:  pc,
		powerOff: n.ReadBool(AttrPowerOff),
	}

	if err := m.attachVCPU(v, prio, slice, affinity); err != nil {
		return nil, err
	}

	g.s2.RegisterTLB(cpu)
	return v, nil
}

// attachVCPU gives v an id, a task and a place on the scheduler.
func (m *Manager) attachVCPU(v *VCPU, prio, slice int, affinity cpumask.Mask) error {
	v.task = sched.NewTask(sched.TaskConfig{
		Name:      v.name,
		Priority:  prio,
		TimeSlice: slice,
		Affinity:  affinity,
		Runner:    v,
	})

	v.wait = clock.NewEvent(v.name+"-irq-wait", v.waitExpired, v)

	m.mu.Lock()
	id := slices.Index(m.vcpus, nil)
	if id < 0 {
		m.mu.Unlock()
		return fmt.Errorf("guest: no free vcpu slot for %s: %w", v.name, unix.ENOMEM)
	}

	v.id = id
	m.vcpus[id] = v
	m.mu.Unlock()

	if err := m.sched.Add(v.task); err != nil {
		m.mu.Lock()
		m.vcpus[id] = nil
		m.mu.Unlock()
		return err
	}

	return nil
}

// detachVCPU stops v and frees its slot.
func (m *Manager) detachVCPU(v *VCPU) error {
	v.mu.Lock()
	v.stopWait()
	if s := v.task.State(); s != sched.Reset && s != sched.Halted {
		if err := m.sched.Reset(v.task); err != nil {
			v.mu.Unlock()
			return err
		}
	}
	v.mu.Unlock()

	if err := m.sched.Remove(v.task); err != nil && !errors.Is(err, unix.ENOENT) {
		return err
	}

	m.mu.Lock()
	if m.vcpus[v.id] == v {
		m.vcpus[v.id] = nil
	}
	m.mu.Unlock()

	return nil
}

// allocRegion backs a RAM or ROM region with zeroed frames.
func (m *Manager) allocRegion(r *Region) error {
	n := frames(r.Size)

	if r.HPA != 0 {
		if err := m.cfg.Frames.Reserve(r.HPA, n); err != nil {
			return fmt.Errorf("guest: region %s at host %#x: %w", r.Name, r.HPA, err)
		}
	} else {
		hpa, err := m.cfg.Frames.Alloc(n)
		if err != nil {
			return fmt.Errorf("guest: region %s: %w", r.Name, err)
		}

		r.HPA = hpa
	}

	r.frames = n
	return m.cfg.RAM.Zero(r.HPA, int(r.Size))
}

// DestroyGuest stops the guest and releases everything it holds.
func (m *Manager) DestroyGuest(g *Guest) error {
	m.mu.RLock()
	ours := g.id >= 0 && g.id < len(m.guests) && m.guests[g.id] == g
	m.mu.RUnlock()

	if !ours {
		return fmt.Errorf("%w: unknown guest %s: %w", ErrDestroy, g.name, unix.ENOENT)
	}

	m.requests.Stop(g.shutdown)
	m.requests.Stop(g.reboot)

	err := m.teardown(g)

	m.mu.Lock()
	m.guests[g.id] = nil
	m.mu.Unlock()

	m.notify(EventDestroy, g)

	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDestroy, g.name, err)
	}

	g.log.Info("guest destroyed")
	return nil
}

func (m *Manager) teardown(g *Guest) error {
	var errs *multierror.Error

	for _, v := range g.VCPUs() {
		if err := m.detachVCPU(v); err != nil {
			errs = multierror.Append(errs, err)
		}

		g.s2.UnregisterTLB(v.cpu)
	}

	g.mu.Lock()
	g.vcpus = nil
	regions := g.regions
	g.regions = nil
	g.state = Halted
	g.mu.Unlock()

	if err := g.s2.Clear(); err != nil {
		errs = multierror.Append(errs, err)
	}

	for i := len(regions) - 1; i >= 0; i-- {
		if err := g.releaseRegion(regions[i]); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if err := g.emu.Remove(); err != nil {
		errs = multierror.Append(errs, err)
	}

	return errs.ErrorOrNil()
}

// Guest returns the guest with the given id.
func (m *Manager) Guest(id int) (*Guest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if id < 0 || id >= len(m.guests) || m.guests[id] == nil {
		return nil, false
	}

	return m.guests[id], true
}

// FindGuest returns the guest with the given name.
func (m *Manager) FindGuest(name string) (*Guest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g := m.findGuestLocked(name)
	return g, g != nil
}

func (m *Manager) findGuestLocked(name string) *Guest {
	for _, g := range m.guests {
		if g != nil && g.name == name {
			return g
		}
	}

	return nil
}

// Guests returns every guest ordered by id.
func (m *Manager) Guests() []*Guest {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var gg []*Guest
	for _, g := range m.guests {
		if g != nil {
			gg = append(gg, g)
		}
	}

	return gg
}

// VCPU returns the VCPU with the given id.
func (m *Manager) VCPU(id int) (*VCPU, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if id < 0 || id >= len(m.vcpus) || m.vcpus[id] == nil {
		return nil, false
	}

	return m.vcpus[id], true
}

// VCPUs returns every VCPU ordered by id, orphans included.
func (m *Manager) VCPUs() []*VCPU {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var vv []*VCPU
	for _, v := range m.vcpus {
		if v != nil {
			vv = append(vv, v)
		}
	}

	return vv
}

// CreateOrphan creates a VCPU that runs a host function instead of guest
// code. It starts in Reset; Kick makes it runnable.
func (m *Manager) CreateOrphan(name string, prio int, r sched.Runner) (*VCPU, error) {
	if r == nil || prio < 0 || prio > m.sched.MaxPriority() {
		return nil, fmt.Errorf("guest: orphan %s: %w", name, unix.EINVAL)
	}

	v := &VCPU{name: name, m: m, runner: r, subid: -1}
	if err := m.attachVCPU(v, prio, 0, cpumask.Mask{}); err != nil {
		return nil, err
	}

	return v, nil
}

// DestroyOrphan stops an orphan VCPU and frees its slot.
func (m *Manager) DestroyOrphan(v *VCPU) error {
	if v.IsNormal() {
		return fmt.Errorf("guest: %s is not an orphan: %w", v.name, unix.EINVAL)
	}

	return m.detachVCPU(v)
}

// Close destroys every guest and orphan and stops the request queue.
func (m *Manager) Close() error {
	var errs *multierror.Error

	for _, g := range m.Guests() {
		if err := m.DestroyGuest(g); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	for _, v := range m.VCPUs() {
		if err := m.DestroyOrphan(v); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if err := m.requests.Destroy(); err != nil {
		errs = multierror.Append(errs, err)
	}

	return errs.ErrorOrNil()
}
