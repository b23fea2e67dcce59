package clock_test

import (
	"errors"
	"testing"
	"time"

	"github.com/c35s/hvcore/clock"
	"github.com/c35s/hvcore/cpumask"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

func TestCalcMultShift(t *testing.T) {
	for _, hz := range []uint32{1000, 24_000_000, 1_000_000_000} {
		mult, shift := clock.CalcMultShift(hz, 1e9, 600)
		ns := clock.CyclesToNs(uint64(hz), mult, shift)

		// one second of cycles, within a microsecond
		if d := int64(ns) - 1e9; d < -1000 || d > 1000 {
			t.Errorf("%d Hz: 1s = %d ns (mult %d shift %d)", hz, ns, mult, shift)
		}
	}
}

func TestSources(t *testing.T) {
	var s clock.Sources

	if _, ok := s.Best(); ok {
		t.Error("empty registry has a best source")
	}

	slow := clock.NewCounter("slow", 100, 1000, 64)
	fast := clock.NewCounter("fast", 200, 1_000_000, 32)

	if err := s.Register(slow); err != nil {
		t.Fatal(err)
	}

	if err := s.Register(clock.NewCounter("slow", 1, 1, 64)); !errors.Is(err, unix.EEXIST) {
		t.Errorf("duplicate: %v", err)
	}

	slow.Advance(5) // 5ms
	ts := s.Timestamp()
	if ts < 4_999_000 || ts > 5_001_000 {
		t.Errorf("timestamp = %d", ts)
	}

	t.Run("a better source takes over without going backwards", func(t *testing.T) {
		if err := s.Register(fast); err != nil {
			t.Fatal(err)
		}

		if best, _ := s.Best(); best != fast {
			t.Fatalf("best = %s", best.Name())
		}

		fast.Advance(1000) // 1ms
		if got := s.Timestamp(); got < ts+999_000 {
			t.Errorf("timestamp %d after %d", got, ts)
		}
	})

	t.Run("unregister falls back", func(t *testing.T) {
		if err := s.Unregister("fast"); err != nil {
			t.Fatal(err)
		}

		if best, _ := s.Best(); best != slow {
			t.Errorf("best = %s", best.Name())
		}

		if err := s.Unregister("fast"); !errors.Is(err, unix.ENOENT) {
			t.Errorf("second unregister: %v", err)
		}
	})
}

func TestHostMonotonic(t *testing.T) {
	var hm clock.HostMonotonic
	a := hm.Read()
	b := hm.Read()

	if b < a {
		t.Errorf("went backwards: %d then %d", a, b)
	}
}

func TestChipsFind(t *testing.T) {
	var c clock.Chips

	c.Register(clock.NewSoftChip("global", 100, cpumask.All(4)))
	c.Register(clock.NewSoftChip("local1", 300, cpumask.Of(1)))

	if cc, _ := c.Find(1); cc.Name() != "local1" {
		t.Errorf("cpu1 chip = %s", cc.Name())
	}

	if cc, _ := c.Find(0); cc.Name() != "global" {
		t.Errorf("cpu0 chip = %s", cc.Name())
	}

	if _, ok := c.Find(7); ok {
		t.Error("cpu7 has a chip")
	}
}

func TestTimers(t *testing.T) {
	chip := clock.NewSoftChip("soft", 100, cpumask.Of(0))
	timers := clock.NewTimers(1, chip.Now)

	if err := timers.Attach(0, chip); err != nil {
		t.Fatal(err)
	}

	var fired []string
	mk := func(name string) *clock.Event {
		return clock.NewEvent(name, func(ev *clock.Event) { fired = append(fired, ev.Name) }, nil)
	}

	a, b, c := mk("a"), mk("b"), mk("c")
	timers.Start(b, 0, 20*time.Millisecond)
	timers.Start(a, 0, 10*time.Millisecond)
	timers.Start(c, 0, 30*time.Millisecond)

	t.Run("events fire in expiry order", func(t *testing.T) {
		chip.Advance(25 * time.Millisecond)
		if diff := cmp.Diff([]string{"a", "b"}, fired); diff != "" {
			t.Errorf("fired (-want +got):\n%s", diff)
		}
	})

	t.Run("stopped events don't fire", func(t *testing.T) {
		if !timers.Stop(c) {
			t.Error("c was not pending")
		}

		chip.Advance(time.Second)
		if len(fired) != 2 {
			t.Errorf("fired = %v", fired)
		}
	})

	t.Run("restart reuses the duration", func(t *testing.T) {
		fired = nil
		timers.Restart(a)

		chip.Advance(9 * time.Millisecond)
		if len(fired) != 0 || !timers.Pending(a) {
			t.Fatal("a fired early")
		}

		chip.Advance(time.Millisecond)
		if diff := cmp.Diff([]string{"a"}, fired); diff != "" {
			t.Errorf("fired (-want +got):\n%s", diff)
		}
	})

	t.Run("expire fires now", func(t *testing.T) {
		fired = nil
		timers.Start(b, 0, time.Hour)
		if !timers.Expire(b) || len(fired) != 1 || timers.Pending(b) {
			t.Errorf("fired = %v", fired)
		}
	})
}

func TestPeriodicSoftChip(t *testing.T) {
	chip := clock.NewSoftChip("tick", 100, cpumask.Of(0))

	n := 0
	chip.SetEventHandler(func() { n++ })
	chip.SetMode(clock.ModePeriodic, 10*time.Millisecond)
	chip.Advance(55 * time.Millisecond)

	if n != 5 {
		t.Errorf("ticks = %d, want 5", n)
	}
}

func TestWallclock(t *testing.T) {
	chip := clock.NewSoftChip("soft", 100, cpumask.Of(0))
	w := clock.NewWallclock(chip.Now)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	w.SetTime(at)
	chip.Advance(90 * time.Second)

	if got := w.GetTime(); !got.Equal(at.Add(90 * time.Second)) {
		t.Errorf("time = %v", got)
	}

	if err := w.SetTimezone(clock.Timezone{MinutesWest: -330}); err != nil {
		t.Fatal(err)
	}

	if _, off := w.Local().Zone(); off != 330*60 {
		t.Errorf("offset = %d", off)
	}

	if err := w.SetTimezone(clock.Timezone{MinutesWest: 5000}); !errors.Is(err, unix.EINVAL) {
		t.Errorf("bad timezone: %v", err)
	}
}
