package guest_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/c35s/hvcore/arch"
	"github.com/c35s/hvcore/arch/sim"
	"github.com/c35s/hvcore/clock"
	"github.com/c35s/hvcore/cpumask"
	"github.com/c35s/hvcore/devemu"
	"github.com/c35s/hvcore/devtree"
	"github.com/c35s/hvcore/guest"
	"github.com/c35s/hvcore/mm"
	"github.com/c35s/hvcore/notifier"
	"github.com/c35s/hvcore/psci"
	"github.com/c35s/hvcore/sched"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

const guestTOML = `
[guest0.vcpus.vcpu0]
start_pc = 0

[guest0.vcpus.vcpu1]
start_pc = 0
poweroff = true

[guest0.aspace.rom]
manifest_type = "real"
device_type = "alloced_rom"
guest_physical_addr = 0
physical_size = "4K"

[guest0.aspace.scratch]
manifest_type = "virtual"
compatible = "test,scratch"
guest_physical_addr = 0x1000_0000
physical_size = "4K"

[guest0.aspace.mem]
manifest_type = "real"
device_type = "alloced_ram"
guest_physical_addr = 0x4000_0000
physical_size = "1M"
`

type env struct {
	m      *guest.Manager
	s      *sched.Scheduler
	chip   *clock.SoftChip
	frames *mm.FramePool
}

func newEnv(t *testing.T) *env {
	t.Helper()

	ram, err := mm.NewHostRAM(0x8000_0000, 8<<20)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { ram.Close() })

	frames, err := mm.NewFramePool(ram.Base(), int(ram.Size()>>mm.PageShift))
	if err != nil {
		t.Fatal(err)
	}

	s, err := sched.New(sched.Config{NumCPU: 1})
	if err != nil {
		t.Fatal(err)
	}

	chip := clock.NewSoftChip("soft", 100, cpumask.Of(0))
	timers := clock.NewTimers(1, chip.Now)
	if err := timers.Attach(0, chip); err != nil {
		t.Fatal(err)
	}

	reg := devemu.NewRegistry()
	if err := reg.Register(scratchEmulator{}); err != nil {
		t.Fatal(err)
	}

	m, err := guest.NewManager(context.Background(), guest.Config{
		RAM:        ram,
		Frames:     frames,
		Sched:      s,
		Timers:     timers,
		Emulators:  reg,
		NewVCPU:    sim.Factory,
		WFITimeout: time.Millisecond,
	})

	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { m.Close() })
	return &env{m: m, s: s, chip: chip, frames: frames}
}

func guestNode(t *testing.T, extra string) *devtree.Node {
	t.Helper()

	root, err := devtree.LoadTOML(strings.NewReader(guestTOML + extra))
	if err != nil {
		t.Fatal(err)
	}

	return root.Child("guest0")
}

func (e *env) create(t *testing.T, extra string, prog ...[]byte) *guest.Guest {
	t.Helper()

	g, err := e.m.CreateGuest(guestNode(t, extra))
	if err != nil {
		t.Fatal(err)
	}

	if err := g.WriteMemory(0, sim.Program(prog...)); err != nil {
		t.Fatal(err)
	}

	return g
}

// run runs v until it exits with want, returning every exit taken.
func run(t *testing.T, v *guest.VCPU, want arch.ExitReason) []arch.Exit {
	t.Helper()

	var exits []arch.Exit
	for range 16 {
		exit, err := v.Run()
		if err != nil {
			t.Fatal(err)
		}

		exits = append(exits, exit)
		if exit.Reason == want {
			return exits
		}
	}

	t.Fatalf("%s never exited with %v: %v", v.Name(), want, exits)
	return nil
}

type scratchEmulator struct{}

func (scratchEmulator) Name() string { return "scratch" }
func (scratchEmulator) Compatible() []string { return []string{"test,scratch"} }
func (scratchEmulator) Endian() devemu.Endian { return devemu.Little }

func (scratchEmulator) Probe(d *devemu.Device) (devemu.Instance, error) {
	return &scratch{}, nil
}

// scratch has four 32 bit registers.
type scratch struct {
	regs   [4]uint32
	resets int
}

func (s *scratch) Reset() error {
	s.regs = [4]uint32{}
	s.resets++
	return nil
}

func (s *scratch) Read32(cpu int, off uint64) (uint32, error) {
	if off >= 16 {
		return 0, unix.EIO
	}

	return s.regs[off/4], nil
}

func (s *scratch) Write32(cpu int, off uint64, v uint32) error {
	if off >= 16 {
		return unix.EIO
	}

	s.regs[off/4] = v
	return nil
}

func TestStage2FaultThenMap(t *testing.T) {
	e := newEnv(t)
	g := e.create(t, "",
		sim.MovI(1, 0x4000_1000),
		sim.Ldr(2, 1, 8, 0),
		sim.Ldr(3, 1, 8, 0),
		sim.Halt())

	if err := g.Kick(); err != nil {
		t.Fatal(err)
	}

	v := g.VCPUs()[0]
	exits := run(t, v, arch.ExitHalt)

	type trap struct {
		Reason arch.ExitReason
		GPA    uint64
	}

	var got []trap
	for _, x := range exits {
		got = append(got, trap{x.Reason, x.GPA})
	}

	want := []trap{
		{arch.ExitStage2Fault, 0},
		{arch.ExitStage2Fault, 0x4000_1000},
		{arch.ExitHalt, 0},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("exits (-want +got):\n%s", diff)
	}

	t.Run("the retried read returns zero", func(t *testing.T) {
		if r := v.Regs(); r.X[2] != 0 || r.X[3] != 0 {
			t.Errorf("x2 = %#x, x3 = %#x", r.X[2], r.X[3])
		}
	})

	t.Run("one page was mapped for the data", func(t *testing.T) {
		mem, ok := g.FindRegion(0x4000_0000)
		if !ok {
			t.Fatal("no mem region")
		}

		hpa, ok := g.Stage2().Translate(0x4000_1000, false)
		if !ok || hpa != mem.HPA+0x1000 {
			t.Errorf("translate = %#x, %v; want %#x", hpa, ok, mem.HPA+0x1000)
		}

		if _, ok := g.Stage2().Translate(0x4000_2000, false); ok {
			t.Error("neighbouring page is mapped")
		}

		if populated, _ := g.Stage2().Stats(); populated != 2 {
			t.Errorf("populated %d pages, want 2", populated)
		}
	})

	t.Run("the vcpu halted", func(t *testing.T) {
		if s := v.State(); s != sched.Halted {
			t.Errorf("state = %v", s)
		}
	})
}

func TestPSCICPUOn(t *testing.T) {
	tests := []struct {
		name   string
		extra  string
		fn     uint32
		second int32
	}{
		{
			name:   "psci 0.2",
			fn:     psci.FnCPUOn,
			second: psci.AlreadyOn,
		},
		{
			name:   "psci 0.1",
			extra:  "\n[guest0.psci]\ncompatible = \"arm,psci\"\n",
			fn:     psci.Fn01Base + 2,
			second: psci.InvalidParams,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)

			cpuOn := [][]byte{
				sim.MovI(0, tt.fn),
				sim.MovI(1, 1),
				sim.MovI(2, 0x8020_0000),
				sim.MovI(3, 0xdeadbeef),
				sim.Hvc(0),
			}

			var prog [][]byte
			prog = append(prog, cpuOn...)
			prog = append(prog, sim.Mov(10, 0))
			prog = append(prog, cpuOn...)
			prog = append(prog, sim.Halt())

			g := e.create(t, tt.extra, prog...)
			if err := g.Kick(); err != nil {
				t.Fatal(err)
			}

			v0, v1 := g.VCPUs()[0], g.VCPUs()[1]
			if s := v1.State(); s != sched.Reset {
				t.Fatalf("powered off vcpu1 is %v after kick", s)
			}

			run(t, v0, arch.ExitHVC)

			if ret := int32(v0.Regs().X[0]); ret != psci.Success {
				t.Errorf("first cpu on = %d", ret)
			}

			if r := v1.Regs(); r.PC != 0x8020_0000 || r.X[0] != 0xdeadbeef {
				t.Errorf("vcpu1 pc = %#x, x0 = %#x", r.PC, r.X[0])
			}

			if s := v1.State(); s != sched.Ready {
				t.Errorf("vcpu1 state = %v", s)
			}

			run(t, v0, arch.ExitHVC)

			if ret := int32(v0.Regs().X[0]); ret != tt.second {
				t.Errorf("second cpu on = %d, want %d", ret, tt.second)
			}

			if v0.Regs().X[10] != 0 {
				t.Errorf("saved x0 = %#x", v0.Regs().X[10])
			}
		})
	}
}

func TestMMIOEmulation(t *testing.T) {
	e := newEnv(t)
	g := e.create(t, "",
		sim.MovI(5, 0x40),
		sim.SetVBAR(5),
		sim.MovI(1, 0x1000_0000),
		sim.MovI(2, 0xabcd),
		sim.Str(2, 1, 4, 4),
		sim.Ldr(3, 1, 4, 4),
		sim.Ldr(4, 1, 4, 0x100), // bus error
		sim.Halt(),
		sim.Halt()) // 0x40: abort vector

	if err := g.Kick(); err != nil {
		t.Fatal(err)
	}

	v := g.VCPUs()[0]
	run(t, v, arch.ExitHalt)

	r := v.Regs()
	if r.X[3] != 0xabcd {
		t.Errorf("x3 = %#x, want 0xabcd", r.X[3])
	}

	if r.FAR != 0x1000_0100 || r.ELR != 48 || r.PC != 0x48 {
		t.Errorf("abort far = %#x, elr = %#x, pc = %#x", r.FAR, r.ELR, r.PC)
	}

	if _, ok := g.Stage2().Translate(0x1000_0000, false); ok {
		t.Error("device region was mapped")
	}

	d := g.Devices().Devices()[0]
	if s := d.Instance().(*scratch); s.regs[1] != 0xabcd || s.resets != 1 {
		t.Errorf("scratch = %+v", s)
	}

	t.Run("reset resets devices", func(t *testing.T) {
		if err := g.Reset(); err != nil {
			t.Fatal(err)
		}

		if s := d.Instance().(*scratch); s.regs[1] != 0 || s.resets != 2 {
			t.Errorf("scratch = %+v", s)
		}
	})
}

func TestWaitForInterrupt(t *testing.T) {
	e := newEnv(t)
	g := e.create(t, "", sim.Wfi(), sim.Wfi(), sim.Halt())

	if err := g.Kick(); err != nil {
		t.Fatal(err)
	}

	e.s.Schedule(0)
	v := g.VCPUs()[0]

	run(t, v, arch.ExitWFI)
	if s := v.State(); s != sched.Blocked {
		t.Fatalf("state after wfi = %v", s)
	}

	t.Run("an interrupt wakes the vcpu", func(t *testing.T) {
		g.AssertVCPUIRQ(0)
		if s := v.State(); s != sched.Running {
			t.Errorf("state = %v", s)
		}

		if v.IRQs() != 1 {
			t.Errorf("irqs = %d", v.IRQs())
		}

		g.DeassertVCPUIRQ(0)
	})

	t.Run("the timeout wakes the vcpu", func(t *testing.T) {
		run(t, v, arch.ExitWFI)
		if s := v.State(); s != sched.Blocked {
			t.Fatalf("state after wfi = %v", s)
		}

		e.chip.Advance(time.Millisecond)
		if s := v.State(); s != sched.Running {
			t.Errorf("state = %v", s)
		}
	})

	t.Run("wfi with an interrupt pending does not block", func(t *testing.T) {
		g.AssertVCPUIRQ(0)
		if err := v.IRQWaitTimeout(0); err != nil {
			t.Fatal(err)
		}

		if s := v.State(); s != sched.Running {
			t.Errorf("state = %v", s)
		}
	})
}

func TestLifecycle(t *testing.T) {
	e := newEnv(t)
	g := e.create(t, "", sim.B(0))

	states := func() []sched.State {
		var ss []sched.State
		for _, v := range g.VCPUs() {
			ss = append(ss, v.State())
		}
		return ss
	}

	steps := []struct {
		name  string
		op    func() error
		guest guest.State
		vcpus []sched.State
	}{
		{"kick", g.Kick, guest.Running, []sched.State{sched.Running, sched.Reset}},
		{"pause", g.Pause, guest.Paused, []sched.State{sched.Paused, sched.Reset}},
		{"resume", g.Resume, guest.Running, []sched.State{sched.Running, sched.Reset}},
		{"halt", g.Halt, guest.Halted, []sched.State{sched.Halted, sched.Reset}},
		{"reset", g.Reset, guest.Created, []sched.State{sched.Reset, sched.Reset}},
		{"reset again", g.Reset, guest.Created, []sched.State{sched.Reset, sched.Reset}},
	}

	for _, st := range steps {
		if err := st.op(); err != nil {
			t.Fatalf("%s: %v", st.name, err)
		}

		if s := g.State(); s != st.guest {
			t.Errorf("after %s guest is %v, want %v", st.name, s, st.guest)
		}

		if diff := cmp.Diff(st.vcpus, states()); diff != "" {
			t.Errorf("after %s vcpus (-want +got):\n%s", st.name, diff)
		}

		if st.name == "kick" {
			run(t, g.VCPUs()[0], arch.ExitBudget)
		}
	}

	t.Run("reset restores the registers and empties stage-2", func(t *testing.T) {
		if pc := g.VCPUs()[0].Regs().PC; pc != 0 {
			t.Errorf("pc = %#x", pc)
		}

		if n := g.Stage2().Table().Leaves(); n != 0 {
			t.Errorf("%d stage-2 leaves after reset", n)
		}
	})

	t.Run("resume of a guest that is not paused fails", func(t *testing.T) {
		if err := g.Resume(); !errors.Is(err, sched.ErrState) {
			t.Errorf("resume = %v", err)
		}
	})
}

func TestMemory(t *testing.T) {
	e := newEnv(t)
	g := e.create(t, `
[guest0.aspace.alias]
manifest_type = "alias"
alias_physical_addr = 0x4000_8000
guest_physical_addr = 0x2000_0000
physical_size = "8K"
`)

	if err := g.WriteMemory(0x4000_8ff8, []byte("crossing")); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 8)
	if err := g.ReadMemory(0x2000_0ff8, buf); err != nil {
		t.Fatal(err)
	}

	if string(buf) != "crossing" {
		t.Errorf("read through alias = %q", buf)
	}

	t.Run("alias maps onto the aliased ram", func(t *testing.T) {
		hpa, avail, err := g.PhysicalMap(0x2000_1000)
		if err != nil {
			t.Fatal(err)
		}

		mem, _ := g.FindRegion(0x4000_0000)
		if hpa != mem.HPA+0x9000 || avail != 0x1000 {
			t.Errorf("physical map = %#x+%#x", hpa, avail)
		}
	})

	t.Run("device memory is not readable", func(t *testing.T) {
		if err := g.ReadMemory(0x1000_0000, buf); !errors.Is(err, unix.EFAULT) {
			t.Errorf("read = %v", err)
		}
	})

	t.Run("regions are sorted", func(t *testing.T) {
		var got []string
		for _, r := range g.Regions() {
			got = append(got, r.Name)
		}

		want := []string{"rom", "scratch", "alias", "mem"}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("regions (-want +got):\n%s", diff)
		}
	})

	t.Run("regions can be added and removed", func(t *testing.T) {
		free := e.frames.FreeFrames()

		n, _ := g.Node().Child(guest.NodeASpace).AddChild("extra")
		n.SetAttr(devtree.AttrManifestType, guest.ManifestReal)
		n.SetAttr(devtree.AttrDeviceType, guest.DeviceAllocedRAM)
		n.SetAttr(devtree.AttrGuestPhysAddr, uint64(0x5000_0000))
		n.SetAttr(devtree.AttrPhysSize, "64K")

		r, err := g.AddRegion(n)
		if err != nil {
			t.Fatal(err)
		}

		if got := e.frames.FreeFrames(); got != free-16 {
			t.Errorf("free frames = %d, want %d", got, free-16)
		}

		if _, err := g.AddRegion(n); !errors.Is(err, unix.EBUSY) {
			t.Errorf("overlapping add = %v", err)
		}

		if err := g.DelRegion(r); err != nil {
			t.Fatal(err)
		}

		if got := e.frames.FreeFrames(); got != free {
			t.Errorf("free frames = %d, want %d", got, free)
		}
	})
}

func TestCreateErrors(t *testing.T) {
	tests := []struct {
		name  string
		extra string
		err   error
		msg   string
	}{
		{
			name: "overlapping regions",
			extra: `
[guest0.aspace.clash]
manifest_type = "real"
device_type = "alloced_ram"
guest_physical_addr = 0x400F_F000
physical_size = "8K"
`,
			err: unix.EBUSY,
		},
		{
			name: "no emulator",
			extra: `
[guest0.aspace.mystery]
manifest_type = "virtual"
compatible = "test,mystery"
guest_physical_addr = 0x2000_0000
physical_size = "4K"
`,
			err: unix.ENOENT,
			msg: "has no emulator for region mystery at 0x20000000",
		},
		{
			name: "unaligned region",
			extra: `
[guest0.aspace.odd]
manifest_type = "real"
device_type = "alloced_ram"
guest_physical_addr = 0x2000_0100
physical_size = "4K"
`,
			err: unix.EINVAL,
		},
		{
			name: "missing image",
			extra: `
[guest0.aspace.fw]
manifest_type = "real"
device_type = "alloced_rom"
guest_physical_addr = 0x2000_0000
physical_size = "4K"
image = "fw.bin"
`,
			err: unix.ENOENT,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			free := e.frames.FreeFrames()

			_, err := e.m.CreateGuest(guestNode(t, tt.extra))
			if !errors.Is(err, guest.ErrCreate) || !errors.Is(err, tt.err) {
				t.Fatalf("create = %v, want %v", err, tt.err)
			}

			if tt.msg != "" && !strings.Contains(err.Error(), tt.msg) {
				t.Errorf("error %q does not mention %q", err, tt.msg)
			}

			if got := e.frames.FreeFrames(); got != free {
				t.Errorf("free frames = %d after failed create, want %d", got, free)
			}

			if len(e.m.Guests()) != 0 || len(e.m.VCPUs()) != 0 {
				t.Error("failed create left a guest behind")
			}
		})
	}

	t.Run("duplicate names", func(t *testing.T) {
		e := newEnv(t)
		e.create(t, "")

		if _, err := e.m.CreateGuest(guestNode(t, "")); !errors.Is(err, unix.EEXIST) {
			t.Errorf("create = %v", err)
		}
	})
}

func TestManager(t *testing.T) {
	e := newEnv(t)
	free := e.frames.FreeFrames()

	var events []uint64
	e.m.RegisterClient(&notifier.Block{
		Name: "test",
		Call: func(ev uint64, data any) notifier.Result {
			events = append(events, ev)
			return notifier.OK
		},
	})

	g := e.create(t, "", sim.B(0))

	if got, ok := e.m.FindGuest("guest0"); !ok || got != g {
		t.Error("guest0 not found by name")
	}

	if got, ok := e.m.Guest(g.ID()); !ok || got != g {
		t.Error("guest0 not found by id")
	}

	for _, v := range g.VCPUs() {
		if got, ok := e.m.VCPU(v.ID()); !ok || got != v {
			t.Errorf("%s not found by id", v.Name())
		}
	}

	t.Run("shutdown requests halt the guest", func(t *testing.T) {
		if err := g.Kick(); err != nil {
			t.Fatal(err)
		}

		g.RequestShutdown()
		if err := e.m.Flush(context.Background()); err != nil {
			t.Fatal(err)
		}

		if s := g.State(); s != guest.Halted {
			t.Errorf("state = %v", s)
		}
	})

	t.Run("reboot requests restart the guest", func(t *testing.T) {
		g.RequestReboot()
		if err := e.m.Flush(context.Background()); err != nil {
			t.Fatal(err)
		}

		if s := g.State(); s != guest.Running {
			t.Errorf("state = %v", s)
		}
	})

	t.Run("orphans run host code", func(t *testing.T) {
		ran := 0
		o, err := e.m.CreateOrphan("worker", 1, runnerFunc(func(ctx context.Context, cpu int) error {
			ran++
			return nil
		}))

		if err != nil {
			t.Fatal(err)
		}

		if o.IsNormal() || o.Regs() != nil {
			t.Error("orphan looks like a guest vcpu")
		}

		if err := o.RunSlice(context.Background(), 0); err != nil || ran != 1 {
			t.Errorf("run slice = %v, ran %d", err, ran)
		}

		if err := e.m.DestroyOrphan(o); err != nil {
			t.Fatal(err)
		}

		if _, ok := e.m.VCPU(o.ID()); ok {
			t.Error("destroyed orphan still registered")
		}
	})

	t.Run("destroy releases everything", func(t *testing.T) {
		if err := e.m.DestroyGuest(g); err != nil {
			t.Fatal(err)
		}

		if got := e.frames.FreeFrames(); got != free {
			t.Errorf("free frames = %d, want %d", got, free)
		}

		if n := len(e.s.Tasks()); n != 0 {
			t.Errorf("%d tasks left on the scheduler", n)
		}

		if err := e.m.DestroyGuest(g); !errors.Is(err, unix.ENOENT) {
			t.Errorf("second destroy = %v", err)
		}
	})

	want := []uint64{
		guest.EventCreate,
		guest.EventShutdownRequest,
		guest.EventRebootRequest,
		guest.EventReset,
		guest.EventDestroy,
	}

	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

type runnerFunc func(ctx context.Context, cpu int) error

func (f runnerFunc) RunSlice(ctx context.Context, cpu int) error { return f(ctx, cpu) }
