package clock

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Timezone mirrors struct timezone.
type Timezone struct {
	MinutesWest int
	DSTTime     int
}

// Wallclock keeps calendar time on top of a monotonic timestamp.
type Wallclock struct {
	mu   sync.Mutex
	now  func() uint64
	base uint64
	at   time.Time
	tz   Timezone
}

// NewWallclock starts at the Unix epoch.
func NewWallclock(now func() uint64) *Wallclock {
	return &Wallclock{now: now, base: now(), at: time.Unix(0, 0).UTC()}
}

func (w *Wallclock) SetTime(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.base = w.now()
	w.at = t.UTC()
}

func (w *Wallclock) GetTime() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.at.Add(time.Duration(w.now() - w.base))
}

// SetTimezone accepts offsets within a day of UTC.
func (w *Wallclock) SetTimezone(tz Timezone) error {
	if tz.MinutesWest < -24*60 || tz.MinutesWest > 24*60 {
		return fmt.Errorf("clock: bad timezone offset %d: %w", tz.MinutesWest, unix.EINVAL)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.tz = tz

	return nil
}

func (w *Wallclock) GetTimezone() Timezone {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tz
}

// Local returns the current time in the configured timezone.
func (w *Wallclock) Local() time.Time {
	tz := w.GetTimezone()
	return w.GetTime().In(time.FixedZone("", -tz.MinutesWest*60))
}
