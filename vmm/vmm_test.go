package vmm_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/c35s/hvcore/arch/sim"
	"github.com/c35s/hvcore/block"
	"github.com/c35s/hvcore/boot"
	"github.com/c35s/hvcore/devtree"
	"github.com/c35s/hvcore/guest"
	"github.com/c35s/hvcore/loader"
	"github.com/c35s/hvcore/vio"
	"github.com/c35s/hvcore/vmm"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
)

const treeTOML = `
[guests.guest0.vcpus.vcpu0]
start_pc = 0

[guests.guest0.aspace.mem]
manifest_type = "real"
device_type = "alloced_ram"
guest_physical_addr = 0
physical_size = "64K"
image = "hello"

[guests.guest0.aspace.gic]
manifest_type = "virtual"
compatible = "arm,gic-400"
guest_physical_addr = 0x0800_0000
physical_size = "8K"

[guests.guest0.aspace.uart0]
manifest_type = "virtual"
compatible = "primecell,arm,pl011"
guest_physical_addr = 0x0900_0000
physical_size = "4K"
interrupts = 33
`

// hello prints "hi\n" on the UART and halts.
var hello = sim.Program(
	sim.MovI(1, 0x0900_0000),
	sim.MovI(0, 'h'),
	sim.Str(0, 1, 4, 0),
	sim.MovI(0, 'i'),
	sim.Str(0, 1, 4, 0),
	sim.MovI(0, '\n'),
	sim.Str(0, 1, 4, 0),
	sim.Halt())

func config(t *testing.T) vmm.Config {
	t.Helper()

	tree, err := devtree.LoadTOML(strings.NewReader(treeTOML))
	if err != nil {
		t.Fatal(err)
	}

	images := loader.New()
	if err := images.Add("hello", hello); err != nil {
		t.Fatal(err)
	}

	return vmm.Config{
		RAMSize:     "16MiB",
		HeapSize:    "1MiB",
		DMAHeapSize: "256KiB",
		TickPeriod:  time.Millisecond,
		Tree:        tree,
		Images:      images,
	}
}

func newVMM(t *testing.T, cfg vmm.Config) *vmm.VMM {
	t.Helper()

	m, err := vmm.New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Error(err)
		}
	})

	return m
}

func TestNew(t *testing.T) {
	m := newVMM(t, config(t))

	t.Run("kernel frames are reserved", func(t *testing.T) {
		if !m.Frames().Allocated(vmm.DefaultRAMBase) {
			t.Error("first frame is free")
		}
	})

	t.Run("exec window maps the kernel image", func(t *testing.T) {
		pa, err := m.AddressSpace().VA2PA(vmm.DefaultVABase + 0x1234)
		if err != nil || pa != vmm.DefaultRAMBase+0x1234 {
			t.Errorf("pa = %#x, %v", pa, err)
		}
	})

	t.Run("emulators are registered", func(t *testing.T) {
		for _, name := range []string{"virtio_mmio", "pl011", "vgic"} {
			if _, ok := m.Emulators().Get(name); !ok {
				t.Errorf("no %s emulator", name)
			}
		}
	})

	t.Run("clock", func(t *testing.T) {
		if cs, ok := m.Sources().Best(); !ok || cs.Name() != "host-monotonic" {
			t.Errorf("best clocksource = %v", cs)
		}

		if d := time.Since(m.Wallclock().GetTime()); d < 0 || d > time.Minute {
			t.Errorf("wallclock is %v off", d)
		}
	})
}

func kernelAt(pa uint64) boot.Params {
	return boot.Params{
		LoadPA:    pa,
		LoadEndPA: pa + boot.SectionSize,
		ExecVA:    vmm.DefaultVABase,
		ExecEndVA: vmm.DefaultVABase + boot.SectionSize,
	}
}

func TestConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  vmm.Config
	}{
		{"bad RAM size", vmm.Config{RAMSize: "lots"}},
		{"unaligned RAM", vmm.Config{RAMSize: "10000"}},
		{"kernel outside RAM", vmm.Config{RAMSize: "4MiB", HeapSize: "1MiB", DMAHeapSize: "64KiB",
			Boot: kernelAt(0x1000_0000)}},
		{"disk without storage", vmm.Config{Disks: []vmm.Disk{{Name: "vda"}}}},
		{"disk configured twice", vmm.Config{Disks: []vmm.Disk{
			{Name: "vda", Path: "/dev/null"},
			{Name: "vda", Path: "/dev/null"},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := vmm.New(tt.cfg); !errors.Is(err, vmm.ErrConfig) {
				t.Errorf("err = %v", err)
			}
		})
	}
}

func TestDisks(t *testing.T) {
	cfg := config(t)
	cfg.Disks = []vmm.Disk{
		{Name: "vdb", Storage: &block.MemStorage{Bytes: make([]byte, 8192)}},
		{Name: "vda", Storage: &block.MemStorage{Bytes: make([]byte, 4096)}, ReadOnly: true},
	}

	m := newVMM(t, cfg)

	if diff := cmp.Diff([]string{"vda", "vdb"}, m.Disks()); diff != "" {
		t.Errorf("disks (-want +got):\n%s", diff)
	}

	rq, ok := m.Disk("vda")
	if !ok {
		t.Fatal("no vda")
	}

	if !rq.ReadOnly() || rq.Blocks() != 4096/uint64(rq.BlockSize()) {
		t.Errorf("vda: ro %v, %d blocks", rq.ReadOnly(), rq.Blocks())
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()

	cfg := config(t)
	cfg.Metrics = reg
	m := newVMM(t, cfg)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	got := make(map[string]float64)
	for _, mf := range mfs {
		if len(mf.Metric) > 0 && mf.Metric[0].Gauge != nil {
			got[mf.GetName()] = mf.Metric[0].Gauge.GetValue()
		}
	}

	if v := got["hvcore_ram_frames"]; v != float64(m.Frames().TotalFrames()) {
		t.Errorf("hvcore_ram_frames = %v", v)
	}

	if _, ok := got["hvcore_sched_ready_tasks"]; !ok {
		t.Error("no scheduler metrics")
	}
}

// sink collects what a serial port prints.
type sink chan byte

func (s sink) Receive(_ *vio.Serial, b byte) {
	select {
	case s <- b:
	default:
	}
}

func TestStartKernel(t *testing.T) {
	m := newVMM(t, config(t))

	if err := m.StartKernel(); err != nil {
		t.Fatal(err)
	}

	g, ok := m.Guests().FindGuest("guest0")
	if !ok {
		t.Fatal("guest0 wasn't created")
	}

	if s := g.State(); s != guest.Running {
		t.Errorf("guest0 is %v", s)
	}

	if _, ok := m.Hub().Serials.Find("guest0/uart0"); !ok {
		t.Error("no uart port")
	}

	t.Run("only once", func(t *testing.T) {
		if err := m.StartKernel(); !errors.Is(err, unix.EBUSY) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestRun(t *testing.T) {
	m := newVMM(t, config(t))

	if err := m.StartKernel(); err != nil {
		t.Fatal(err)
	}

	ser, ok := m.Hub().Serials.Find("guest0/uart0")
	if !ok {
		t.Fatal("no uart port")
	}

	out := make(sink, 16)
	if err := ser.AddReceiver(out); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	var got []byte
	for len(got) < 3 {
		select {
		case b := <-out:
			got = append(got, b)
		case <-ctx.Done():
			t.Fatalf("guest printed %q before the timeout", got)
		}
	}

	if string(got) != "hi\n" {
		t.Errorf("guest printed %q", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("run: %v", err)
	}
}

func TestClose(t *testing.T) {
	m, err := vmm.New(config(t))
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	t.Run("twice", func(t *testing.T) {
		if err := m.Close(); err != nil {
			t.Error(err)
		}
	})

	t.Run("run after close", func(t *testing.T) {
		if err := m.Run(context.Background()); !errors.Is(err, unix.EBUSY) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestCloseWhileRunning(t *testing.T) {
	m := newVMM(t, config(t))

	if err := m.StartKernel(); err != nil {
		t.Fatal(err)
	}

	ser, ok := m.Hub().Serials.Find("guest0/uart0")
	if !ok {
		t.Fatal("no uart port")
	}

	out := make(sink, 16)
	if err := ser.AddReceiver(out); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	select {
	case <-out:
	case <-time.After(10 * time.Second):
		t.Fatal("guest never printed")
	}

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Error("run still going after close")
	}
}
