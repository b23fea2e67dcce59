package cpumask_test

import (
	"testing"

	"github.com/c35s/hvcore/cpumask"
	"github.com/google/go-cmp/cmp"
)

func TestMask(t *testing.T) {
	m := cpumask.Of(0, 1, 2, 5, 63)

	if m.Count() != 5 {
		t.Errorf("count = %d", m.Count())
	}

	if diff := cmp.Diff([]int{0, 1, 2, 5, 63}, m.CPUs()); diff != "" {
		t.Errorf("cpus (-want +got):\n%s", diff)
	}

	if s := m.String(); s != "0-2,5,63" {
		t.Errorf("string = %q", s)
	}

	if m.Next(63) != -1 || (cpumask.Mask{}).First() != -1 {
		t.Error("iteration does not terminate")
	}

	if got := m.And(cpumask.All(3)).Clear(1); !got.Equal(cpumask.Of(0, 2)) {
		t.Errorf("and/clear = %v", got)
	}

	t.Run("masks are values", func(t *testing.T) {
		a := cpumask.Of(1)
		b := a.Set(2)

		if a.Has(2) || !b.Has(1) || !b.Has(2) {
			t.Errorf("a = %v, b = %v", a, b)
		}
	})

	t.Run("more than 64 CPUs", func(t *testing.T) {
		big := cpumask.All(130)
		if big.Count() != 130 || !big.Has(129) || big.Has(130) {
			t.Errorf("All(130) = %v", big)
		}

		if s := cpumask.Of(64, 65, 200).String(); s != "64-65,200" {
			t.Errorf("string = %q", s)
		}
	})

	t.Run("negative CPUs are never members", func(t *testing.T) {
		m := cpumask.Of(-1, 3).Set(-5).Clear(-2)
		if !m.Equal(cpumask.Of(3)) || m.Has(-1) {
			t.Errorf("mask = %v", m)
		}

		if m.Next(-7) != 3 {
			t.Errorf("Next(-7) = %d", m.Next(-7))
		}
	})

	t.Run("empty masks are equal whatever their history", func(t *testing.T) {
		if !cpumask.Of(70).Clear(70).Equal(cpumask.Mask{}) || !cpumask.All(0).Empty() {
			t.Error("empty masks differ")
		}
	})
}
