package thread_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/c35s/hvcore/sched"
	"github.com/c35s/hvcore/thread"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

func TestThread(t *testing.T) {
	ctx := context.Background()

	t.Run("stop cancels and waits", func(t *testing.T) {
		started := make(chan struct{})
		th := thread.Create("idler", func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}, 1)

		if got := th.Task().State(); got != sched.Reset {
			t.Errorf("state before start = %v", got)
		}

		if err := th.Start(ctx); err != nil {
			t.Fatal(err)
		}

		<-started

		if err := th.Start(ctx); !errors.Is(err, unix.EBUSY) {
			t.Errorf("second start: err = %v", err)
		}

		if err := th.Stop(); err != nil {
			t.Errorf("stop: %v", err)
		}

		if got := th.Task().State(); got != sched.Halted {
			t.Errorf("state after stop = %v", got)
		}
	})

	t.Run("stop returns the thread's error", func(t *testing.T) {
		boom := errors.New("boom")
		th := thread.Create("failer", func(context.Context) error { return boom }, 1)
		th.Start(ctx)

		if err := th.Stop(); !errors.Is(err, boom) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("sleep is interrupted by stop", func(t *testing.T) {
		var th *thread.Thread
		th = thread.Create("sleeper", func(ctx context.Context) error {
			return th.Sleep(ctx, time.Hour)
		}, 1)

		th.Start(ctx)

		deadline := time.Now().Add(5 * time.Second)
		for th.Task().State() != sched.Blocked {
			if time.Now().After(deadline) {
				t.Fatal("thread never slept")
			}
			time.Sleep(time.Millisecond)
		}

		if err := th.Stop(); err != nil {
			t.Errorf("stop: %v", err)
		}
	})
}

func TestWorkQueue(t *testing.T) {
	ctx := context.Background()

	wq, err := thread.NewWorkQueue(ctx, "events", 2)
	if err != nil {
		t.Fatal(err)
	}

	defer wq.Destroy()

	var (
		mu  sync.Mutex
		ran []string
	)

	record := func(w *thread.Work) {
		mu.Lock()
		ran = append(ran, w.Data.(string))
		mu.Unlock()
	}

	t.Run("runs work in order", func(t *testing.T) {
		gate := make(chan struct{})
		block := thread.NewWork(func(*thread.Work) { <-gate }, nil)
		a := thread.NewWork(record, "a")
		b := thread.NewWork(record, "b")

		wq.Schedule(block)
		wq.Schedule(a)
		wq.Schedule(b)

		if wq.Schedule(a) {
			t.Error("queued work was queued twice")
		}

		close(gate)

		if err := wq.Flush(ctx); err != nil {
			t.Fatal(err)
		}

		mu.Lock()
		defer mu.Unlock()

		if diff := cmp.Diff([]string{"a", "b"}, ran); diff != "" {
			t.Errorf("ran (-want +got):\n%s", diff)
		}

		ran = nil
	})

	t.Run("stop dequeues pending work", func(t *testing.T) {
		gate := make(chan struct{})
		block := thread.NewWork(func(*thread.Work) { <-gate }, nil)
		c := thread.NewWork(record, "c")

		wq.Schedule(block)
		wq.Schedule(c)

		if !wq.Stop(c) {
			t.Error("stop of pending work reported nothing pending")
		}

		close(gate)
		wq.Flush(ctx)

		mu.Lock()
		defer mu.Unlock()

		if len(ran) != 0 {
			t.Errorf("stopped work ran: %v", ran)
		}
	})

	t.Run("delayed work", func(t *testing.T) {
		done := make(chan struct{})
		d := thread.NewWork(func(*thread.Work) { close(done) }, nil)

		if !wq.ScheduleDelayed(d, time.Millisecond) {
			t.Fatal("not scheduled")
		}

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("delayed work never ran")
		}

		never := thread.NewWork(record, "never")
		wq.ScheduleDelayed(never, time.Hour)

		if !wq.Stop(never) {
			t.Error("stop of delayed work reported nothing pending")
		}
	})
}
