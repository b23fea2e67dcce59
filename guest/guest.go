// Package guest models guests and their VCPUs: the guest physical address
// space made of regions, the stage-2 table behind it, the emulated devices
// and the lifecycle of every VCPU. A Manager owns all of them and indexes
// them by id.
package guest

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/c35s/hvcore/arch"
	"github.com/c35s/hvcore/devemu"
	"github.com/c35s/hvcore/devtree"
	"github.com/c35s/hvcore/mm"
	"github.com/c35s/hvcore/mmu"
	"github.com/c35s/hvcore/psci"
	"github.com/c35s/hvcore/sched"
	"github.com/c35s/hvcore/thread"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
)

// State is the lifecycle state of a guest.
type State int

const (
	Created State = iota
	Running
	Paused
	Halted
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Halted:
		return "halted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Guest is a virtual machine.
type Guest struct {
	id   int
	name string
	node *devtree.Node
	m    *Manager
	log  *slog.Logger

	s2   *mmu.Stage2
	emu  *devemu.Context
	psci *psci.Emulator

	shutdown *thread.Work
	reboot   *thread.Work

	// mu guards the region list and the state. It nests inside the VCPU
	// lock.
	mu      sync.RWMutex
	state   State
	regions []*Region // sorted by GPA
	vcpus   []*VCPU
}

func (g *Guest) ID() int { return g.id }
func (g *Guest) Name() string { return g.name }
func (g *Guest) Node() *devtree.Node { return g.node }
func (g *Guest) Stage2() *mmu.Stage2 { return g.s2 }
func (g *Guest) Devices() *devemu.Context { return g.emu }
func (g *Guest) PSCI() *psci.Emulator { return g.psci }
func (g *Guest) String() string { return g.name }

func (g *Guest) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

func (g *Guest) setState(s State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

// VCPUs returns the guest's VCPUs ordered by sub-id.
func (g *Guest) VCPUs() []*VCPU {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.vcpus)
}

func (g *Guest) NumVCPUs() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.vcpus)
}

// VCPU returns the VCPU with the given sub-id.
func (g *Guest) VCPU(subid int) (*VCPU, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if subid < 0 || subid >= len(g.vcpus) {
		return nil, false
	}

	return g.vcpus[subid], true
}

// VCPUByMPIDR returns the VCPU with the given affinity value.
func (g *Guest) VCPUByMPIDR(mpidr uint64) (*VCPU, bool) {
	for _, v := range g.VCPUs() {
		if v.cpu.MPIDR() == mpidr {
			return v, true
		}
	}

	return nil, false
}

// Reset stops every VCPU and returns the guest to the state it was created
// in: stage-2 is emptied, images are reloaded and devices are reset.
func (g *Guest) Reset() error {
	var errs *multierror.Error
	for _, v := range g.VCPUs() {
		if err := v.Reset(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if err := g.s2.Clear(); err != nil {
		errs = multierror.Append(errs, err)
	}

	if err := g.loadImages(); err != nil {
		errs = multierror.Append(errs, err)
	}

	if err := g.emu.Reset(); err != nil {
		errs = multierror.Append(errs, err)
	}

	g.setState(Created)
	g.m.notify(EventReset, g)

	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrReset, g.name, err)
	}

	g.log.Info("guest reset")
	return nil
}

// Kick starts every VCPU in Reset except those marked powered off, which
// wait for PSCI CPU_ON.
func (g *Guest) Kick() error {
	if s := g.State(); s != Created {
		return fmt.Errorf("guest: kick %s in state %v: %w", g.name, s, sched.ErrState)
	}

	var errs *multierror.Error
	for _, v := range g.VCPUs() {
		if v.powerOff {
			continue
		}

		if err := v.Kick(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return err
	}

	g.setState(Running)
	g.log.Info("guest kicked")
	return nil
}

// Pause pauses every VCPU that can be paused.
func (g *Guest) Pause() error {
	if s := g.State(); s != Running {
		return fmt.Errorf("guest: pause %s in state %v: %w", g.name, s, sched.ErrState)
	}

	g.forEachVCPU((*VCPU).Pause, sched.Ready, sched.Running, sched.Blocked)
	g.setState(Paused)
	return nil
}

// Resume resumes the VCPUs paused by Pause.
func (g *Guest) Resume() error {
	if s := g.State(); s != Paused {
		return fmt.Errorf("guest: resume %s in state %v: %w", g.name, s, sched.ErrState)
	}

	g.forEachVCPU((*VCPU).Resume, sched.Paused)
	g.setState(Running)
	return nil
}

// Halt halts every VCPU that has been started.
func (g *Guest) Halt() error {
	if s := g.State(); s == Halted {
		return nil
	}

	g.forEachVCPU((*VCPU).Halt, sched.Ready, sched.Running, sched.Paused, sched.Blocked)
	g.setState(Halted)
	g.log.Info("guest halted")
	return nil
}

func (g *Guest) forEachVCPU(fn func(*VCPU) error, states ...sched.State) {
	for _, v := range g.VCPUs() {
		if !slices.Contains(states, v.State()) {
			continue
		}

		// a VCPU changing state under us is not an error
		if err := fn(v); err != nil && !errors.Is(err, sched.ErrState) {
			g.log.Warn("vcpu state change failed", "vcpu", v.name, "err", err)
		}
	}
}

// DumpRegs writes the registers of every VCPU to w.
func (g *Guest) DumpRegs(w io.Writer) error {
	for _, v := range g.VCPUs() {
		if err := v.DumpRegs(w); err != nil {
			return err
		}
	}

	return nil
}

// RequestShutdown asks for the guest to be halted. The request is served
// asynchronously by the manager.
func (g *Guest) RequestShutdown() {
	g.m.notify(EventShutdownRequest, g)
	g.m.requests.Schedule(g.shutdown)
}

// RequestReboot asks for the guest to be reset and kicked again.
func (g *Guest) RequestReboot() {
	g.m.notify(EventRebootRequest, g)
	g.m.requests.Schedule(g.reboot)
}

func (g *Guest) serveShutdown(*thread.Work) {
	if err := g.Halt(); err != nil {
		g.log.Error("guest shutdown failed", "err", err)
	}
}

func (g *Guest) serveReboot(*thread.Work) {
	if err := g.Reset(); err != nil {
		g.log.Error("guest reboot failed", "err", err)
		return
	}

	if err := g.Kick(); err != nil {
		g.log.Error("guest reboot failed", "err", err)
	}
}

// FlushTLB drops the cached stage-2 translations of every VCPU.
func (g *Guest) FlushTLB() { g.s2.FlushAll() }

// AssertVCPUIRQ implements devemu.Guest.
func (g *Guest) AssertVCPUIRQ(vcpu int) {
	if v, ok := g.VCPU(vcpu); ok {
		v.AssertIRQ()
	}
}

// DeassertVCPUIRQ implements devemu.Guest.
func (g *Guest) DeassertVCPUIRQ(vcpu int) {
	if v, ok := g.VCPU(vcpu); ok {
		v.DeassertIRQ()
	}
}

// VCPUState implements psci.Guest.
func (g *Guest) VCPUState(mpidr uint64) (sched.State, bool) {
	v, ok := g.VCPUByMPIDR(mpidr)
	if !ok {
		return sched.Unknown, false
	}

	return v.State(), true
}

// StartVCPU implements psci.Guest.
func (g *Guest) StartVCPU(mpidr, entry, context uint64) error {
	v, ok := g.VCPUByMPIDR(mpidr)
	if !ok {
		return unix.ENOENT
	}

	return v.start(entry, context)
}

// StopVCPU implements psci.Guest.
func (g *Guest) StopVCPU(caller int) error {
	v, ok := g.VCPU(caller)
	if !ok {
		return unix.ENOENT
	}

	return v.Reset()
}

// SuspendVCPU implements psci.Guest.
func (g *Guest) SuspendVCPU(caller int) error {
	v, ok := g.VCPU(caller)
	if !ok {
		return unix.ENOENT
	}

	return v.IRQWaitTimeout(g.m.cfg.WFITimeout)
}

// HandleFault handles an exit of one of the guest's VCPUs. Guest faults
// are injected into the VCPU; only host failures are returned.
func (g *Guest) HandleFault(v *VCPU, exit arch.Exit) error {
	switch exit.Reason {
	case arch.ExitBudget:
		return nil

	case arch.ExitStage2Fault:
		return g.handleStage2(v, exit)

	case arch.ExitHVC:
		regs := v.cpu.Regs()
		if !g.psci.Call(g, v.subid, regs) {
			g.log.Debug("unknown hypercall", "vcpu", v.name, "imm", exit.Imm, "fn", regs.X[0])
			ns := int64(psci.NotSupported)
			regs.X[0] = uint64(ns)
		}

		return nil

	case arch.ExitWFI:
		err := v.IRQWaitTimeout(g.m.cfg.WFITimeout)
		if errors.Is(err, sched.ErrState) {
			// reset or halted while running
			return nil
		}

		return err

	case arch.ExitHalt:
		g.log.Info("vcpu halted", "vcpu", v.name, "pc", v.cpu.Regs().PC)
		return ignoreState(v.Halt())

	default:
		g.log.Error("vcpu executed an undefined instruction", "vcpu", v.name, "pc", v.cpu.Regs().PC)
		return ignoreState(v.Halt())
	}
}

func ignoreState(err error) error {
	if errors.Is(err, sched.ErrState) {
		return nil
	}

	return err
}

func (g *Guest) handleStage2(v *VCPU, exit arch.Exit) error {
	gpa := exit.GPA

	r, ok := g.FindRegion(gpa)
	if !ok {
		g.log.Warn("guest access outside its address space", "vcpu", v.name, "access", exit)
		v.cpu.InjectAbort(gpa, exit.Write)
		return nil
	}

	if r.Kind == Virtual {
		return g.emulate(v, r, exit)
	}

	if exit.Write && r.ReadOnly {
		g.log.Warn("guest write to read-only region", "vcpu", v.name, "region", r.Name, "gpa", gpa)
		v.cpu.InjectAbort(gpa, true)
		return nil
	}

	b, err := g.backing(r)
	if err != nil {
		g.log.Warn("guest access to unbacked region", "vcpu", v.name, "region", r.Name, "err", err)
		v.cpu.InjectAbort(gpa, exit.Write)
		return nil
	}

	// the instruction restarts on the next run
	return g.s2.Populate(b, gpa)
}

func (g *Guest) emulate(v *VCPU, r *Region, exit arch.Exit) error {
	if exit.Reg < 0 {
		g.log.Warn("guest fetch from device region", "vcpu", v.name, "region", r.Name, "gpa", exit.GPA)
		v.cpu.InjectAbort(exit.GPA, false)
		return nil
	}

	var (
		data uint64
		err  error
	)

	if exit.Write {
		err = g.emu.EmulateWrite(v.subid, exit.GPA, exit.Width, exit.Data)
	} else {
		data, err = g.emu.EmulateRead(v.subid, exit.GPA, exit.Width)
	}

	if err != nil {
		g.log.Warn("emulated access failed", "vcpu", v.name, "region", r.Name, "access", exit, "err", err)
		v.cpu.InjectAbort(exit.GPA, exit.Write)
		return nil
	}

	v.cpu.CompleteMMIO(data)
	return nil
}

// Regions returns the regions ordered by guest physical address.
func (g *Guest) Regions() []*Region {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.regions)
}

// FindRegion returns the region containing gpa.
func (g *Guest) FindRegion(gpa uint64) (*Region, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	i, _ := slices.BinarySearchFunc(g.regions, gpa, func(r *Region, x uint64) int {
		switch {
		case r.End() <= x:
			return -1
		case r.GPA > x:
			return 1
		default:
			return 0
		}
	})

	if i < len(g.regions) && g.regions[i].Contains(gpa) {
		return g.regions[i], true
	}

	return nil, false
}

// AddRegion adds the region described by an aspace node. RAM and ROM are
// allocated from the frame pool and virtual regions are bound to their
// emulator.
func (g *Guest) AddRegion(n *devtree.Node) (*Region, error) {
	r, err := parseRegion(n)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	for _, o := range g.regions {
		if r.overlaps(o) {
			g.mu.Unlock()
			return nil, fmt.Errorf("guest: region %s overlaps %s: %w", r, o, unix.EBUSY)
		}
	}
	g.mu.Unlock()

	switch r.Kind {
	case RAM, ROM:
		if err := g.m.allocRegion(r); err != nil {
			return nil, err
		}

	case Virtual:
		d, err := g.emu.Probe(n, devemu.Window{GPA: r.GPA, Size: r.Size})
		if err != nil {
			return nil, err
		}

		r.Device = d
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// a concurrent AddRegion may have won the range
	for _, o := range g.regions {
		if r.overlaps(o) {
			g.releaseRegion(r)
			return nil, fmt.Errorf("guest: region %s overlaps %s: %w", r, o, unix.EBUSY)
		}
	}

	i, _ := slices.BinarySearchFunc(g.regions, r.GPA, func(o *Region, x uint64) int {
		if o.GPA < x {
			return -1
		}

		return 1
	})

	g.regions = slices.Insert(g.regions, i, r)
	return r, nil
}

// DelRegion removes a region, its stage-2 mappings and its device, and
// returns its memory to the frame pool.
func (g *Guest) DelRegion(r *Region) error {
	g.mu.Lock()
	i := slices.Index(g.regions, r)
	if i < 0 {
		g.mu.Unlock()
		return fmt.Errorf("guest: %s has no region %s: %w", g.name, r.Name, unix.ENOENT)
	}

	g.regions = slices.Delete(g.regions, i, i+1)
	g.mu.Unlock()

	var errs *multierror.Error
	if r.Kind != Virtual {
		if err := g.s2.Unmap(r.GPA, r.Size); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if err := g.releaseRegion(r); err != nil {
		errs = multierror.Append(errs, err)
	}

	return errs.ErrorOrNil()
}

func (g *Guest) releaseRegion(r *Region) error {
	if r.Device != nil {
		if err := g.emu.RemoveDevice(r.Device); err != nil {
			return err
		}

		r.Device = nil
	}

	if r.frames > 0 {
		if err := g.m.cfg.Frames.Free(r.HPA, r.frames); err != nil {
			return err
		}

		r.frames = 0
	}

	return nil
}

// PhysicalMap returns the host physical address behind gpa and how many
// bytes from there on are contiguous in the same region.
func (g *Guest) PhysicalMap(gpa uint64) (hpa, avail uint64, err error) {
	r, ok := g.FindRegion(gpa)
	if !ok {
		return 0, 0, fmt.Errorf("guest: %s has no region at %#x: %w", g.name, gpa, unix.ENOENT)
	}

	b, err := g.backing(r)
	if err != nil {
		return 0, 0, err
	}

	off := gpa - b.GPA
	return b.HPA + off, b.Size - off, nil
}

// ReadMemory copies guest RAM or ROM at gpa into buf. It fails with
// unix.EFAULT if the range crosses memory that isn't backed by host RAM.
func (g *Guest) ReadMemory(gpa uint64, buf []byte) error {
	return g.copyMemory(gpa, buf, false)
}

// WriteMemory copies buf into guest memory at gpa. ROM is writable from
// the host side.
func (g *Guest) WriteMemory(gpa uint64, buf []byte) error {
	return g.copyMemory(gpa, buf, true)
}

// MapMemory returns the host view of n bytes of guest memory at gpa. The
// range must lie within one region.
func (g *Guest) MapMemory(gpa uint64, n int) ([]byte, error) {
	hpa, avail, err := g.PhysicalMap(gpa)
	if err != nil || n < 0 || uint64(n) > avail {
		return nil, fmt.Errorf("guest: %s: %d bytes at %#x aren't mapped: %w", g.name, n, gpa, unix.EFAULT)
	}

	return g.m.cfg.RAM.Bytes(hpa, n)
}

func (g *Guest) copyMemory(gpa uint64, buf []byte, write bool) error {
	for len(buf) > 0 {
		hpa, avail, err := g.PhysicalMap(gpa)
		if err != nil {
			return fmt.Errorf("guest: %s memory at %#x: %w", g.name, gpa, unix.EFAULT)
		}

		n := min(uint64(len(buf)), avail)
		mem, err := g.m.cfg.RAM.Bytes(hpa, int(n))
		if err != nil {
			return err
		}

		if write {
			copy(mem, buf[:n])
		} else {
			copy(buf[:n], mem)
		}

		buf = buf[n:]
		gpa += n
	}

	return nil
}

// loadImages copies the image named by each RAM or ROM region into it.
func (g *Guest) loadImages() error {
	for _, r := range g.Regions() {
		name, err := r.Node.ReadString(devtree.AttrImage)
		if err != nil || r.Kind == Virtual || r.Kind == Alias {
			continue
		}

		if g.m.cfg.Images == nil {
			return fmt.Errorf("guest: region %s wants image %q but no images are loaded: %w", r.Name, name, unix.ENOENT)
		}

		img, err := g.m.cfg.Images.Image(name)
		if err != nil {
			return fmt.Errorf("guest: region %s image %q: %w", r.Name, name, err)
		}

		if uint64(len(img)) > r.Size {
			return fmt.Errorf("guest: image %q is larger than region %s: %w", name, r.Name, unix.EINVAL)
		}

		if err := g.m.cfg.RAM.Zero(r.HPA, int(r.Size)); err != nil {
			return err
		}

		if err := g.WriteMemory(r.GPA, img); err != nil {
			return err
		}
	}

	return nil
}

// frames returns the page count of a size.
func frames(size uint64) int {
	return int((size + mm.PageMask) >> mm.PageShift)
}
