package mm_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/c35s/hvcore/mm"
	"github.com/c35s/hvcore/mm/pgtbl"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
)

const (
	ramBase = 0x80000000
	vaBase  = 0xffff000000000000
)

func newSpace(t *testing.T, frames int) *mm.AddressSpace {
	t.Helper()

	ram, err := mm.NewHostRAM(ramBase, uint64(frames)*mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { ram.Close() })

	fp, err := mm.NewFramePool(ramBase, frames)
	if err != nil {
		t.Fatal(err)
	}

	vp, err := mm.NewVAPool(vaBase, 1<<30)
	if err != nil {
		t.Fatal(err)
	}

	return mm.NewAddressSpace(ram, fp, vp)
}

func TestFramePoolSeed(t *testing.T) {
	fp, err := mm.NewFramePool(0x80000000, 64)
	if err != nil {
		t.Fatal(err)
	}

	var got []uint64
	for _, n := range []int{1, 1, 8} {
		pa, err := fp.Alloc(n)
		if err != nil {
			t.Fatal(err)
		}

		got = append(got, pa)
	}

	want := []uint64{0x80000000, 0x80001000, 0x80008000}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("addresses (-want +got):\n%s", diff)
	}

	if n := fp.FreeFrames(); n != 64-10 {
		t.Errorf("free frames = %d, want 54", n)
	}

	for i, n := range []int{8, 1, 1} {
		if err := fp.Free(got[2-i], n); err != nil {
			t.Fatal(err)
		}
	}

	if n := fp.FreeFrames(); n != 64 {
		t.Errorf("free frames = %d after freeing all, want 64", n)
	}

	if fp.Bitmap().Any() {
		t.Error("bitmap still has used frames")
	}
}

func TestFramePoolAccounting(t *testing.T) {
	fp, _ := mm.NewFramePool(0x80000000, 64)

	pa, err := fp.Alloc(3)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("runs are rounded to a power of two", func(t *testing.T) {
		if n := fp.FreeFrames(); n != 60 {
			t.Errorf("free frames = %d, want 60", n)
		}

		if !fp.Allocated(pa + 3*mm.PageSize) {
			t.Error("rounded frame not marked used")
		}
	})

	t.Run("unknown frames can't be freed", func(t *testing.T) {
		err := fp.Free(pa+mm.PageSize, 1)
		if !errors.Is(err, unix.ENOENT) {
			t.Errorf("err = %v, want ENOENT", err)
		}
	})

	t.Run("the pool runs out", func(t *testing.T) {
		_, err := fp.Alloc(64)
		if !errors.Is(err, unix.ENOMEM) {
			t.Errorf("err = %v, want ENOMEM", err)
		}
	})
}

func TestAllocPages(t *testing.T) {
	as := newSpace(t, 64)

	va, err := as.AllocPages(2, mm.Normal)
	if err != nil {
		t.Fatal(err)
	}

	b, err := as.Bytes(va, 2*mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	copy(b, "hello")

	pa, err := as.VA2PA(va)
	if err != nil {
		t.Fatal(err)
	}

	raw, _ := as.RAM().Bytes(pa, 5)
	if string(raw) != "hello" {
		t.Errorf("ram = %q", raw)
	}

	if err := as.FreePages(va, 2); err != nil {
		t.Fatal(err)
	}

	if _, err := as.VA2PA(va); !errors.Is(err, unix.EFAULT) {
		t.Errorf("freed va still maps: %v", err)
	}

	if n := as.Frames().FreeFrames(); n != 64 {
		t.Errorf("free frames = %d, want 64", n)
	}
}

func TestMapUnmapLeavesSpaceUnchanged(t *testing.T) {
	as := newSpace(t, 16)
	before := as.Table().Leaves()

	if err := as.Map(0x10000000, ramBase, 4*mm.PageSize, mm.Normal); err != nil {
		t.Fatal(err)
	}

	if err := as.Unmap(0x10000000, 4*mm.PageSize); err != nil {
		t.Fatal(err)
	}

	if after := as.Table().Leaves(); after != before {
		t.Errorf("leaves %d -> %d", before, after)
	}
}

func TestPA2VACaches(t *testing.T) {
	as := newSpace(t, 16)

	va1, err := as.PA2VA(ramBase+0x10, 8, mm.Normal)
	if err != nil {
		t.Fatal(err)
	}

	va2, err := as.PA2VA(ramBase+0x20, 8, mm.Normal)
	if err != nil {
		t.Fatal(err)
	}

	if va2-va1 != 0x10 {
		t.Errorf("second lookup mapped again: %#x, %#x", va1, va2)
	}

	if pa, _ := as.VA2PA(va2); pa != ramBase+0x20 {
		t.Errorf("pa = %#x", pa)
	}
}

type regs struct{ addr, size uint64 }

func (r regs) RegAddr(int) (uint64, error) { return r.addr, nil }
func (r regs) RegSize(int) (uint64, error) { return r.size, nil }

func TestRequestRegmap(t *testing.T) {
	as := newSpace(t, 16)

	va, err := as.RequestRegmap(regs{0x09000010, 0x20}, 0)
	if err != nil {
		t.Fatal(err)
	}

	if va&mm.PageMask != 0x10 {
		t.Errorf("va %#x lost the page offset", va)
	}

	m, ok := as.Table().Walk(va)
	if !ok || m.PA != 0x09000010 {
		t.Fatalf("walk = %+v, %v", m, ok)
	}

	if m.Attr&mm.Device.Attr() != mm.Device.Attr() {
		t.Errorf("attr = %v, want device", m.Attr)
	}

	if err := as.ReleaseRegmap(va); err != nil {
		t.Fatal(err)
	}

	if err := as.ReleaseRegmap(va); !errors.Is(err, unix.ENOENT) {
		t.Errorf("double release: %v", err)
	}
}

func TestHeap(t *testing.T) {
	as := newSpace(t, 64)

	normal, err := mm.NewNormalHeap(as, 16*mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	dma, err := mm.NewDMAHeap(as, normal, 4*mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("round trip preserves free bytes", func(t *testing.T) {
		before := normal.FreeBytes()

		p, err := normal.Alloc(100)
		if err != nil {
			t.Fatal(err)
		}

		if sz, _ := normal.AllocSize(p); sz < 100 || p%sz != 0 {
			t.Errorf("block %#x size %d", p, sz)
		}

		if err := normal.Free(p); err != nil {
			t.Fatal(err)
		}

		if after := normal.FreeBytes(); after != before {
			t.Errorf("free %d -> %d", before, after)
		}
	})

	t.Run("zalloc clears", func(t *testing.T) {
		p, _ := normal.Alloc(64)
		b, _ := normal.Bytes(p)
		copy(b, "dirty")
		normal.Free(p)

		p, err := normal.Zalloc(64)
		if err != nil {
			t.Fatal(err)
		}

		b, _ = normal.Bytes(p)
		if !bytes.Equal(b, make([]byte, len(b))) {
			t.Error("zalloc returned dirty memory")
		}
	})

	t.Run("allocation map lives in the house-keeping block", func(t *testing.T) {
		hkVA, hkSize, owner := normal.HouseKeeping()
		if owner != normal {
			t.Fatalf("normal house-keeping in %s", owner.Name())
		}

		hk, err := as.Bytes(hkVA, int(hkSize))
		if err != nil {
			t.Fatal(err)
		}

		p, err := normal.Alloc(100)
		if err != nil {
			t.Fatal(err)
		}

		i := (p - normal.Base()) >> mm.HeapMinOrder
		if hk[i/8]&(1<<(i%8)) == 0 || !normal.Allocated(p) {
			t.Errorf("bit %d of the house-keeping block is clear", i)
		}

		if err := normal.Free(p); err != nil {
			t.Fatal(err)
		}

		if hk[i/8]&(1<<(i%8)) != 0 || normal.Allocated(p) {
			t.Errorf("bit %d still set after free", i)
		}

		if err := normal.Free(p); !errors.Is(err, unix.EINVAL) {
			t.Errorf("double free: %v", err)
		}
	})

	t.Run("dma house-keeping lives in the normal heap", func(t *testing.T) {
		va, _, owner := dma.HouseKeeping()
		if owner != normal || !normal.Contains(va) {
			t.Errorf("house-keeping at %#x in %s", va, owner.Name())
		}
	})

	t.Run("dma pages are not cached", func(t *testing.T) {
		p, err := dma.Alloc(64)
		if err != nil {
			t.Fatal(err)
		}

		m, ok := as.Table().Walk(p)
		if !ok {
			t.Fatal("dma block not mapped")
		}

		if m.Attr&(pgtbl.AttrCacheable|pgtbl.AttrBufferable) != 0 {
			t.Errorf("attr = %v", m.Attr)
		}
	})

	var buf strings.Builder
	if err := dma.WriteState(&buf); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(buf.String(), "house-keeping") {
		t.Errorf("state = %q", buf.String())
	}
}

func TestCollector(t *testing.T) {
	as := newSpace(t, 16)

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(mm.NewCollector(as.Frames(), as.VAPool()))

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	got := map[string]float64{}
	for _, mf := range mfs {
		got[mf.GetName()] = mf.GetMetric()[0].GetGauge().GetValue()
	}

	if got["hvcore_ram_free_frames"] != 16 || got["hvcore_ram_frames"] != 16 {
		t.Errorf("metrics = %v", got)
	}
}
