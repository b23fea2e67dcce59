package psci_test

import (
	"testing"

	"github.com/c35s/hvcore/arch"
	"github.com/c35s/hvcore/devtree"
	"github.com/c35s/hvcore/psci"
	"github.com/c35s/hvcore/sched"
)

type vcpu struct {
	state sched.State
	pc    uint64
	x0    uint64
}

type guest struct {
	vcpus     []*vcpu
	shutdown  bool
	reboot    bool
	suspended []int
}

func newGuest(n int) *guest {
	g := &guest{}
	for range n {
		g.vcpus = append(g.vcpus, &vcpu{state: sched.Reset})
	}

	g.vcpus[0].state = sched.Running
	return g
}

func (g *guest) VCPUState(mpidr uint64) (sched.State, bool) {
	if mpidr >= uint64(len(g.vcpus)) {
		return sched.Unknown, false
	}

	return g.vcpus[mpidr].state, true
}

func (g *guest) StartVCPU(mpidr, entry, ctx uint64) error {
	v := g.vcpus[mpidr]
	if v.state != sched.Reset {
		return sched.ErrState
	}

	v.pc, v.x0, v.state = entry, ctx, sched.Ready
	return nil
}

func (g *guest) StopVCPU(caller int) error {
	g.vcpus[caller].state = sched.Reset
	return nil
}

func (g *guest) SuspendVCPU(caller int) error {
	g.suspended = append(g.suspended, caller)
	return nil
}

func (g *guest) RequestShutdown() { g.shutdown = true }
func (g *guest) RequestReboot() { g.reboot = true }

func call(e *psci.Emulator, g *guest, caller int, fn uint32, args ...uint64) int32 {
	var regs arch.Regs
	regs.X[0] = uint64(fn)
	copy(regs.X[1:], args)

	if !e.Call(g, caller, &regs) {
		return 1 << 30
	}

	return int32(regs.X[0])
}

func TestCPUOn(t *testing.T) {
	tests := []struct {
		name   string
		minor  int
		fn     uint32
		second int32
	}{
		{"psci 0.2", 2, psci.FnCPUOn, psci.AlreadyOn},
		{"psci 0.2 64 bit", 2, psci.FnCPUOn64, psci.AlreadyOn},
		{"psci 0.1", 1, psci.Fn01Base + 2, psci.InvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := psci.New(0, tt.minor)
			if err != nil {
				t.Fatal(err)
			}

			g := newGuest(2)

			if ret := call(e, g, 0, tt.fn, 1, 0x8020_0000, 0xdeadbeef); ret != psci.Success {
				t.Fatalf("cpu on = %d", ret)
			}

			v := g.vcpus[1]
			if v.pc != 0x8020_0000 || v.x0 != 0xdeadbeef || v.state != sched.Ready {
				t.Errorf("vcpu1 = %+v", v)
			}

			if ret := call(e, g, 0, tt.fn, 1, 0x8020_0000, 0xdeadbeef); ret != tt.second {
				t.Errorf("second cpu on = %d, want %d", ret, tt.second)
			}

			if ret := call(e, g, 0, tt.fn, 7, 0, 0); ret != psci.InvalidParams {
				t.Errorf("cpu on of a missing vcpu = %d", ret)
			}
		})
	}
}

func TestCalls(t *testing.T) {
	e, _ := psci.New(0, 2)
	g := newGuest(2)

	if ret := call(e, g, 0, psci.FnVersion); ret != 2 {
		t.Errorf("version = %d", ret)
	}

	if ret := call(e, g, 0, psci.FnMigrateInfoType); ret != psci.MigrateInfoTypeMP {
		t.Errorf("migrate info type = %d", ret)
	}

	if ret := call(e, g, 0, psci.FnAffinityInfo, 0, 0); ret != psci.AffinityOn {
		t.Errorf("affinity of the running vcpu = %d", ret)
	}

	if ret := call(e, g, 0, psci.FnAffinityInfo, 1, 0); ret != psci.AffinityOff {
		t.Errorf("affinity of the reset vcpu = %d", ret)
	}

	if ret := call(e, g, 0, psci.FnAffinityInfo, 0, 1); ret != psci.InvalidParams {
		t.Errorf("affinity at level 1 = %d", ret)
	}

	if ret := call(e, g, 1, psci.FnCPUSuspend); ret != psci.Success || len(g.suspended) != 1 {
		t.Errorf("suspend = %d, suspended %v", ret, g.suspended)
	}

	if ret := call(e, g, 0, psci.FnCPUOff); ret != psci.Success || g.vcpus[0].state != sched.Reset {
		t.Errorf("cpu off = %d, state %v", ret, g.vcpus[0].state)
	}

	t.Run("system off fails if the guest keeps running", func(t *testing.T) {
		if ret := call(e, g, 0, psci.FnSystemOff); ret != psci.InternalFailure || !g.shutdown {
			t.Errorf("system off = %d, shutdown %v", ret, g.shutdown)
		}

		if ret := call(e, g, 0, psci.FnSystemReset); ret != psci.InternalFailure || !g.reboot {
			t.Errorf("system reset = %d, reboot %v", ret, g.reboot)
		}
	})

	t.Run("unknown functions", func(t *testing.T) {
		if ret := call(e, g, 0, 0x8400_00ff); ret != psci.NotSupported {
			t.Errorf("unknown psci function = %d", ret)
		}

		if ret := call(e, g, 0, 0x1234); ret != 1<<30 {
			t.Errorf("non psci call was handled: %d", ret)
		}

		if ret := call(e, g, 0, psci.Fn01Base); ret != psci.NotSupported {
			t.Errorf("0.1 id under 0.2 = %d", ret)
		}
	})
}

func TestFromNode(t *testing.T) {
	n, _ := devtree.New().AddChild("psci")
	n.SetAttr(devtree.AttrCompatible, "arm,psci")
	n.SetAttr("cpu_on", uint32(0x1001))

	e, err := psci.FromNode(n)
	if err != nil {
		t.Fatal(err)
	}

	if e.Minor != 1 || e.CPUOn != 0x1001 || e.CPUOff != psci.Fn01Base+1 {
		t.Errorf("emulator = %+v", e)
	}

	g := newGuest(2)
	if ret := call(e, g, 0, 0x1001, 1, 0x100, 0); ret != psci.Success {
		t.Errorf("cpu on through the configured id = %d", ret)
	}

	if ret := call(e, g, 0, psci.FnVersion); ret != psci.NotSupported {
		t.Errorf("0.2 version call under 0.1 = %d", ret)
	}
}
