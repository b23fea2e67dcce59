package irq_test

import (
	"errors"
	"testing"

	"github.com/c35s/hvcore/cpumask"
	"github.com/c35s/hvcore/irq"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
)

// traceChip records chip operations.
type traceChip struct {
	irq.NopChip
	ops *[]string
}

func (c traceChip) Mask(*irq.Desc) { *c.ops = append(*c.ops, "mask") }
func (c traceChip) Unmask(*irq.Desc) { *c.ops = append(*c.ops, "unmask") }
func (c traceChip) Ack(*irq.Desc) { *c.ops = append(*c.ops, "ack") }
func (c traceChip) EOI(*irq.Desc) { *c.ops = append(*c.ops, "eoi") }

func TestFlows(t *testing.T) {
	tests := []struct {
		name string
		flow irq.Flow
		want []string
	}{
		{"fast eoi", irq.FastEOI, []string{"eoi", "run"}},
		{"simple", irq.Simple, []string{"run"}},
		{"level", irq.Level, []string{"mask", "ack", "run", "unmask"}},
		{"edge", irq.Edge, []string{"ack", "run"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ops []string

			h := irq.NewHost(8, 1, nil)
			h.SetChip(3, traceChip{ops: &ops}, nil)
			h.SetFlow(3, tt.flow)

			err := h.Register(3, "dev", func(num, cpu int, priv any) irq.Return {
				ops = append(ops, "run")
				return irq.Handled
			}, nil)

			if err != nil {
				t.Fatal(err)
			}

			ops = nil
			if err := h.Exec(0, 3); err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff(tt.want, ops); diff != "" {
				t.Errorf("ops (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLevelInProgress(t *testing.T) {
	var ops []string

	h := irq.NewHost(8, 2, nil)
	h.SetChip(3, traceChip{ops: &ops}, nil)
	h.SetFlow(3, irq.Level)

	d, _ := h.Desc(3)

	var busy []bool
	err := h.Register(3, "dev", func(num, cpu int, priv any) irq.Return {
		busy = append(busy, d.InProgress())
		ops = append(ops, "run")

		// the line fires again on the other cpu
		if cpu == 0 {
			h.Exec(1, 3)
		}

		return irq.Handled
	}, nil)

	if err != nil {
		t.Fatal(err)
	}

	ops = nil
	if err := h.Exec(0, 3); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"mask", "ack", "run", "mask", "ack", "unmask"}, ops); diff != "" {
		t.Errorf("ops (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]bool{true}, busy); diff != "" {
		t.Errorf("in progress during actions (-want +got):\n%s", diff)
	}

	if d.InProgress() {
		t.Error("still in progress after the flow")
	}
}

func TestRegister(t *testing.T) {
	var ops []string

	h := irq.NewHost(8, 2, nil)
	h.SetChip(1, traceChip{ops: &ops}, nil)

	nop := func(int, int, any) irq.Return { return irq.Handled }

	t.Run("the first action unmasks", func(t *testing.T) {
		if err := h.Register(1, "a", nop, nil); err != nil {
			t.Fatal(err)
		}

		if diff := cmp.Diff([]string{"unmask"}, ops); diff != "" {
			t.Errorf("ops (-want +got):\n%s", diff)
		}
	})

	t.Run("names are unique per line", func(t *testing.T) {
		if err := h.Register(1, "a", nop, nil); !errors.Is(err, unix.EEXIST) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("the last removal masks", func(t *testing.T) {
		h.Register(1, "b", nop, nil)
		ops = nil

		h.Unregister(1, "a")
		if len(ops) != 0 {
			t.Errorf("masked with an action left: %v", ops)
		}

		h.Unregister(1, "b")
		if diff := cmp.Diff([]string{"mask"}, ops); diff != "" {
			t.Errorf("ops (-want +got):\n%s", diff)
		}

		d, _ := h.Desc(1)
		if d.IsEnabled() {
			t.Error("line still enabled")
		}
	})

	t.Run("unknown actions", func(t *testing.T) {
		if err := h.Unregister(1, "zz"); !errors.Is(err, unix.ENOENT) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestLevelLineRunsOncePerAssertion(t *testing.T) {
	h := irq.NewHost(4, 1, nil)
	h.SetFlow(2, irq.Level)

	n := 0
	h.Register(2, "dev", func(int, int, any) irq.Return { n++; return irq.Handled }, nil)

	for _, level := range []bool{true, true, true, false, true, true} {
		h.Line(0, 2, level)
	}

	if n != 2 {
		t.Errorf("actions ran %d times for 2 assertions", n)
	}
}

func TestPerCPU(t *testing.T) {
	h := irq.NewHost(4, 2, nil)
	h.MarkPerCPU(0)

	var got []int
	for cpu := 0; cpu < 2; cpu++ {
		err := h.RegisterPerCPU(0, cpu, "timer", func(num, cpu int, priv any) irq.Return {
			got = append(got, priv.(int))
			return irq.Handled
		}, cpu*10)

		if err != nil {
			t.Fatal(err)
		}
	}

	h.Exec(1, 0)
	h.Exec(0, 0)

	if diff := cmp.Diff([]int{10, 0}, got); diff != "" {
		t.Errorf("per-cpu actions (-want +got):\n%s", diff)
	}

	st := h.Stats()
	if diff := cmp.Diff(map[int][]uint64{0: {1, 1}}, st); diff != "" {
		t.Errorf("stats (-want +got):\n%s", diff)
	}
}

func TestAffinity(t *testing.T) {
	h := irq.NewHost(4, 2, nil)

	if err := h.SetAffinity(1, cpumask.Of(5)); !errors.Is(err, unix.EINVAL) {
		t.Errorf("affinity outside cpus: %v", err)
	}

	if err := h.SetAffinity(1, cpumask.Of(1)); err != nil {
		t.Fatal(err)
	}

	d, _ := h.Desc(1)
	if !d.Affinity().Equal(cpumask.Of(1)) {
		t.Errorf("affinity = %v", d.Affinity())
	}
}

func TestDomains(t *testing.T) {
	h := irq.NewHost(32, 1, nil)

	gic, err := h.NewLinearDomain("gic", "/gic", 0, 32, nil, irq.TwoCell)
	if err != nil {
		t.Fatal(err)
	}

	sub, err := h.NewDomain("gpio", "/gpio", 8, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h.NewDomain("again", "/gpio", 8, nil, nil); !errors.Is(err, unix.EEXIST) {
		t.Errorf("duplicate controller: %v", err)
	}

	t.Run("linear domains map directly", func(t *testing.T) {
		num, err := gic.Map([]uint32{27, 4})
		if err != nil {
			t.Fatal(err)
		}

		d, _ := h.Desc(num)
		if num != 27 || d.Type() != irq.TypeLevelHigh {
			t.Errorf("num %d type %v", num, d.Type())
		}
	})

	t.Run("dynamic domains use extended numbers", func(t *testing.T) {
		num, err := sub.CreateMapping(3)
		if err != nil {
			t.Fatal(err)
		}

		if num < 32 {
			t.Errorf("num = %d", num)
		}

		if again, _ := sub.CreateMapping(3); again != num {
			t.Errorf("remap gave %d, want %d", again, num)
		}

		if err := sub.DisposeMapping(num); err != nil {
			t.Fatal(err)
		}

		if _, ok := sub.FindMapping(3); ok {
			t.Error("mapping survived dispose")
		}
	})

	t.Run("cascades dispatch children", func(t *testing.T) {
		child, _ := sub.CreateMapping(5)

		var got []int
		h.Register(child, "button", func(num, cpu int, priv any) irq.Return {
			got = append(got, num)
			return irq.Handled
		}, nil)

		pending := []int{5, 5}
		h.SetFlow(9, irq.Chained(sub, func() (int, bool) {
			if len(pending) == 0 {
				return 0, false
			}

			hw := pending[0]
			pending = pending[1:]
			return hw, true
		}))

		h.Register(9, "cascade", func(int, int, any) irq.Return { return irq.Handled }, nil)
		h.Exec(0, 9)

		if diff := cmp.Diff([]int{child, child}, got); diff != "" {
			t.Errorf("children (-want +got):\n%s", diff)
		}
	})

	if d, ok := h.DomainFor("/gic"); !ok || d != gic {
		t.Error("domain lookup failed")
	}
}

func TestCollector(t *testing.T) {
	h := irq.NewHost(4, 1, nil)
	h.Register(1, "uart", func(int, int, any) irq.Return { return irq.Handled }, nil)
	h.Exec(0, 1)

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(irq.NewCollector(h))

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	if len(mfs) != 1 || mfs[0].GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Errorf("metrics = %v", mfs)
	}
}
