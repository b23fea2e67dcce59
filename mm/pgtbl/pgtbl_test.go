package pgtbl_test

import (
	"errors"
	"testing"

	"github.com/c35s/hvcore/mm/pgtbl"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

func TestMapUsesLargestLeaves(t *testing.T) {
	tbl := pgtbl.New()

	// 2M + 4K, both 2M aligned
	if err := tbl.Map(0x40000000, 0x80000000, 0x201000, pgtbl.AttrRWX); err != nil {
		t.Fatal(err)
	}

	if n := tbl.Leaves(); n != 2 {
		t.Errorf("leaves = %d, want 2", n)
	}

	m, ok := tbl.Walk(0x40123456)
	if !ok {
		t.Fatal("no mapping")
	}

	want := pgtbl.Mapping{PA: 0x80123456, Attr: pgtbl.AttrRWX, Level: 2, Size: 2 << 20}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Errorf("walk (-want +got):\n%s", diff)
	}

	m, _ = tbl.Walk(0x40200010)
	if m.Level != 3 || m.PA != 0x80200010 {
		t.Errorf("tail page = %+v", m)
	}
}

func TestMapPage(t *testing.T) {
	tbl := pgtbl.New()

	if err := tbl.MapPage(0x1000, 0x9000, pgtbl.AttrRead); err != nil {
		t.Fatal(err)
	}

	t.Run("identical mapping reports exists", func(t *testing.T) {
		err := tbl.MapPage(0x1000, 0x9000, pgtbl.AttrRead)
		if !pgtbl.IsExists(err) {
			t.Errorf("err = %v, want ErrExists", err)
		}
	})

	t.Run("different mapping conflicts", func(t *testing.T) {
		err := tbl.MapPage(0x1000, 0xa000, pgtbl.AttrRead)
		if !errors.Is(err, unix.EBUSY) {
			t.Errorf("err = %v, want EBUSY", err)
		}
	})

	t.Run("unaligned is rejected", func(t *testing.T) {
		err := tbl.MapPage(0x1001, 0xa000, pgtbl.AttrRead)
		if !errors.Is(err, unix.EINVAL) {
			t.Errorf("err = %v, want EINVAL", err)
		}
	})
}

func TestMapUnmapRoundTrip(t *testing.T) {
	tbl := pgtbl.New()

	if err := tbl.Map(0x200000, 0x200000, 4<<20, pgtbl.AttrRead|pgtbl.AttrWrite); err != nil {
		t.Fatal(err)
	}

	if err := tbl.Unmap(0x200000, 4<<20); err != nil {
		t.Fatal(err)
	}

	if n := tbl.Leaves(); n != 0 {
		t.Errorf("leaves = %d after unmap", n)
	}

	if _, ok := tbl.Walk(0x200000); ok {
		t.Error("mapping survived unmap")
	}
}

func TestUnmapSplitsBlocks(t *testing.T) {
	tbl := pgtbl.New()

	if err := tbl.Map(0, 0x80000000, 2<<20, pgtbl.AttrRead); err != nil {
		t.Fatal(err)
	}

	if err := tbl.Unmap(0x1000, 0x1000); err != nil {
		t.Fatal(err)
	}

	if _, ok := tbl.Walk(0x1000); ok {
		t.Error("unmapped page still translates")
	}

	m, ok := tbl.Walk(0x2000)
	if !ok || m.PA != 0x80002000 || m.Level != 3 {
		t.Errorf("neighbour = %+v, %v", m, ok)
	}

	if n := tbl.Leaves(); n != 511 {
		t.Errorf("leaves = %d, want 511", n)
	}
}

func TestRangeOrder(t *testing.T) {
	tbl := pgtbl.New()
	for _, va := range []uint64{0x5000, 0x1000, 0x3000} {
		if err := tbl.MapPage(va, va, pgtbl.AttrRead); err != nil {
			t.Fatal(err)
		}
	}

	var got []uint64
	tbl.Range(func(va uint64, _ pgtbl.Mapping) bool {
		got = append(got, va)
		return true
	})

	if diff := cmp.Diff([]uint64{0x1000, 0x3000, 0x5000}, got); diff != "" {
		t.Errorf("range (-want +got):\n%s", diff)
	}
}
