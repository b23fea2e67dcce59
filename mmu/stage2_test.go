package mmu_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/c35s/hvcore/mm"
	"github.com/c35s/hvcore/mm/pgtbl"
	"github.com/c35s/hvcore/mmu"
	"golang.org/x/sys/unix"
)

const ramBase = 0x8000_0000

func newStage2(t *testing.T) *mmu.Stage2 {
	t.Helper()

	ram, err := mm.NewHostRAM(ramBase, 4<<20)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { ram.Close() })
	return mmu.New(ram)
}

type countTLB struct {
	mu      sync.Mutex
	flushes int
	entries []uint64
}

func (c *countTLB) FlushTLB() {
	c.mu.Lock()
	c.flushes++
	c.mu.Unlock()
}

func (c *countTLB) FlushTLBEntry(gpa uint64) {
	c.mu.Lock()
	c.entries = append(c.entries, gpa)
	c.mu.Unlock()
}

func TestPopulate(t *testing.T) {
	s := newStage2(t)

	ram := mmu.Backing{GPA: 0x4000_0000, HPA: ramBase, Size: 1 << 20, Cacheable: true}
	rom := mmu.Backing{GPA: 0x0, HPA: ramBase + 1<<20, Size: 0x10000, ReadOnly: true}

	t.Run("maps only the faulting page", func(t *testing.T) {
		if _, ok := s.Translate(0x4000_1000, false); ok {
			t.Fatal("translation before populate")
		}

		if err := s.Populate(ram, 0x4000_1234); err != nil {
			t.Fatal(err)
		}

		hpa, ok := s.Translate(0x4000_1010, true)
		if !ok || hpa != ramBase+0x1010 {
			t.Errorf("translate = %#x, %v", hpa, ok)
		}

		if _, ok := s.Translate(0x4000_2000, false); ok {
			t.Error("neighbouring page was mapped")
		}
	})

	t.Run("racing populators both succeed", func(t *testing.T) {
		var wg sync.WaitGroup
		errs := make([]error, 8)

		for i := range errs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = s.Populate(ram, 0x4000_5000)
			}()
		}

		wg.Wait()

		for _, err := range errs {
			if err != nil {
				t.Fatal(err)
			}
		}

		populated, raced := s.Stats()
		if populated != 2 || raced != 7 {
			t.Errorf("populated %d, raced %d", populated, raced)
		}
	})

	t.Run("read only pages refuse writes", func(t *testing.T) {
		if err := s.Populate(rom, 0x10); err != nil {
			t.Fatal(err)
		}

		if _, ok := s.Translate(0x10, false); !ok {
			t.Error("rom read failed")
		}

		if _, ok := s.Translate(0x10, true); ok {
			t.Error("rom write translated")
		}

		m, _ := s.Table().Walk(0)
		if m.Attr&pgtbl.AttrCacheable != 0 || m.Attr&pgtbl.AttrWrite != 0 {
			t.Errorf("rom attrs = %v", m.Attr)
		}
	})

	t.Run("address outside the backing", func(t *testing.T) {
		if err := s.Populate(rom, 0x20000); !errors.Is(err, unix.EFAULT) {
			t.Errorf("err = %v, want EFAULT", err)
		}
	})
}

func TestUnmapShootdown(t *testing.T) {
	s := newStage2(t)

	var a, b countTLB
	s.RegisterTLB(&a)
	s.RegisterTLB(&b)
	s.RegisterTLB(&a)

	if err := s.Map(0x1000_0000, ramBase, 1<<20, pgtbl.AttrRWX); err != nil {
		t.Fatal(err)
	}

	if err := s.Unmap(0x1000_0000, 2*pgtbl.PageSize); err != nil {
		t.Fatal(err)
	}

	if len(a.entries) != 2 || len(b.entries) != 2 || a.entries[1] != 0x1000_1000 {
		t.Errorf("entries a=%#x b=%#x", a.entries, b.entries)
	}

	if _, ok := s.Translate(0x1000_0000, false); ok {
		t.Error("unmapped page still translates")
	}

	if _, ok := s.Translate(0x1000_2000, false); !ok {
		t.Error("page outside the unmapped range lost")
	}

	s.UnregisterTLB(&b)

	if err := s.Unmap(0x1000_0000, 1<<20); err != nil {
		t.Fatal(err)
	}

	if a.flushes != 1 || b.flushes != 0 {
		t.Errorf("full flushes a=%d b=%d", a.flushes, b.flushes)
	}

	t.Run("map outside host ram", func(t *testing.T) {
		if err := s.Map(0, 0x1000, pgtbl.PageSize, pgtbl.AttrRead); !errors.Is(err, unix.EINVAL) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestClear(t *testing.T) {
	s := newStage2(t)

	var tlb countTLB
	s.RegisterTLB(&tlb)

	s.Map(0, ramBase, 2<<20, pgtbl.AttrRWX)
	s.Map(0x4000_0000, ramBase, pgtbl.PageSize, pgtbl.AttrRead)

	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}

	if n := s.Table().Leaves(); n != 0 {
		t.Errorf("%d leaves after clear", n)
	}

	if tlb.flushes != 1 {
		t.Errorf("flushes = %d", tlb.flushes)
	}

	t.Run("clearing an empty table", func(t *testing.T) {
		if err := s.Clear(); err != nil {
			t.Error(err)
		}

		if tlb.flushes != 2 {
			t.Errorf("flushes = %d", tlb.flushes)
		}
	})
}
