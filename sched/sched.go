// Package sched is the host scheduler. Every CPU has a run-queue holding one
// FIFO per priority; the highest non-empty priority runs. Tasks are
// preempted when their time slice runs out on a tick, when they yield or
// block, and when a higher priority task becomes ready on their CPU.
//
// Lock order: run-queue, then task.
package sched

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/c35s/hvcore/cpumask"
	"golang.org/x/sys/unix"
)

// DefaultMaxPriority is the highest priority when Config leaves it unset.
const DefaultMaxPriority = 7

// Config configures a Scheduler.
type Config struct {
	NumCPU int

	// MaxPriority is the highest task priority.
	MaxPriority int

	// OnSwitch is called after a CPU switches tasks. Either task may be nil.
	OnSwitch func(cpu int, prev, next *Task)

	// Notify is called when cpu has new work and should look at its
	// run-queue, for instance by sending it an IPI.
	Notify func(cpu int)

	Logger *slog.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxPriority == 0 {
		cfg.MaxPriority = DefaultMaxPriority
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}

func (cfg Config) validate() error {
	if cfg.NumCPU <= 0 || cfg.NumCPU > cpumask.MaxCPUs {
		return fmt.Errorf("sched: bad cpu count %d: %w", cfg.NumCPU, unix.EINVAL)
	}

	if cfg.MaxPriority < 0 {
		return fmt.Errorf("sched: bad max priority %d: %w", cfg.MaxPriority, unix.EINVAL)
	}

	return nil
}

// Scheduler owns the run-queues.
type Scheduler struct {
	cfg Config
	rq  []*runqueue

	mu    sync.Mutex
	tasks map[int]*Task
}

type runqueue struct {
	cpu int

	mu      sync.Mutex
	bins    [][]*Task
	ready   int
	current *Task

	preempt  int
	resched  bool
	switches uint64
	ticks    uint64
	idle     uint64
}

// effects are the callbacks an operation owes once its locks are released.
type effects struct {
	switches []switchEvent
	notify   []int
}

type switchEvent struct {
	cpu        int
	prev, next *Task
}

// New creates a scheduler.
func New(cfg Config) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Scheduler{
		cfg:   cfg,
		rq:    make([]*runqueue, cfg.NumCPU),
		tasks: make(map[int]*Task),
	}

	for i := range s.rq {
		s.rq[i] = &runqueue{cpu: i, bins: make([][]*Task, cfg.MaxPriority+1)}
	}

	return s, nil
}

func (s *Scheduler) NumCPU() int { return len(s.rq) }
func (s *Scheduler) MaxPriority() int { return s.cfg.MaxPriority }

// Add attaches t to the scheduler and places it on the least loaded CPU of
// its affinity. The task stays in Reset until kicked.
func (s *Scheduler) Add(t *Task) error {
	if t.prio < 0 || t.prio > s.cfg.MaxPriority {
		return fmt.Errorf("sched: %v priority %d outside 0..%d: %w", t, t.prio, s.cfg.MaxPriority, unix.EINVAL)
	}

	t.mu.Lock()
	if t.attached != nil {
		t.mu.Unlock()
		return fmt.Errorf("sched: %v already attached: %w", t, unix.EEXIST)
	}

	if t.affinity.And(cpumask.All(len(s.rq))).Empty() {
		t.affinity = cpumask.All(len(s.rq))
	}

	mask := t.affinity
	t.attached = s
	t.state = Reset
	t.mu.Unlock()

	t.cpu.Store(int32(s.balance(mask)))

	s.mu.Lock()
	s.tasks[t.id] = t
	s.mu.Unlock()

	return nil
}

// Remove detaches t. Running tasks can't be removed.
func (s *Scheduler) Remove(t *Task) error {
	rq := s.lockTask(t)
	if t.attached != s {
		t.mu.Unlock()
		rq.mu.Unlock()
		return fmt.Errorf("sched: %v not attached: %w", t, unix.ENOENT)
	}

	if t.state == Running {
		t.mu.Unlock()
		rq.mu.Unlock()
		return fmt.Errorf("sched: %v is running: %w", t, unix.EBUSY)
	}

	if t.state == Ready {
		rq.dequeue(t)
	}

	t.attached = nil
	t.state = Unknown
	t.mu.Unlock()
	rq.mu.Unlock()

	s.mu.Lock()
	delete(s.tasks, t.id)
	s.mu.Unlock()

	return nil
}

// Tasks returns the attached tasks.
func (s *Scheduler) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	tt := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tt = append(tt, t)
	}

	slices.SortFunc(tt, func(a, b *Task) int { return a.id - b.id })
	return tt
}

// Kick makes a reset task ready.
func (s *Scheduler) Kick(t *Task) error { return s.transition(t, Ready, Reset) }

// Resume makes a paused task ready.
func (s *Scheduler) Resume(t *Task) error { return s.transition(t, Ready, Paused) }

// Wake makes a blocked task ready.
func (s *Scheduler) Wake(t *Task) error { return s.transition(t, Ready, Blocked) }

// Reset returns t to Reset from any state but Reset.
func (s *Scheduler) Reset(t *Task) error { return s.transition(t, Reset) }

// Pause stops a ready or running task until resumed.
func (s *Scheduler) Pause(t *Task) error { return s.transition(t, Paused) }

// Halt stops a task until reset.
func (s *Scheduler) Halt(t *Task) error { return s.transition(t, Halted) }

// Block parks the running task until woken.
func (s *Scheduler) Block(t *Task) error { return s.transition(t, Blocked) }

// transition moves t to the state to. If from is given, t must currently be
// in one of those states.
func (s *Scheduler) transition(t *Task, to State, from ...State) error {
	var eff effects

	rq := s.lockTask(t)
	wasRunning, err := s.setState(rq, t, to, from, &eff)
	t.mu.Unlock()

	if err == nil {
		if wasRunning && rq.preempt == 0 {
			s.switchTo(rq, t, &eff)
		} else {
			s.maybeSchedule(rq, &eff)
		}
	}

	rq.mu.Unlock()

	s.apply(&eff)
	return err
}

// setState runs with rq and t locked.
func (s *Scheduler) setState(rq *runqueue, t *Task, to State, from []State, eff *effects) (wasRunning bool, err error) {
	if t.attached != s {
		return false, fmt.Errorf("sched: %v not attached: %w", t, unix.ENOENT)
	}

	if len(from) > 0 && !slices.Contains(from, t.state) || !canEnter(t.state, to) {
		return false, fmt.Errorf("%w: %v %v -> %v", ErrState, t, t.state, to)
	}

	switch t.state {
	case Ready:
		rq.dequeue(t)

	case Running:
		wasRunning = true
		rq.current = nil
		rq.resched = true
	}

	t.state = to

	if to == Ready {
		t.remaining = t.slice
		rq.enqueue(t, false)
		eff.notify = append(eff.notify, rq.cpu)

		if cur := rq.current; cur == nil || t.prio > cur.prio {
			rq.resched = true
		}
	}

	return wasRunning, nil
}

// maybeSchedule switches tasks if a reschedule is pending and allowed.
func (s *Scheduler) maybeSchedule(rq *runqueue, eff *effects) {
	if !rq.resched || rq.preempt > 0 {
		return
	}

	rq.resched = false
	prev := rq.current

	next := rq.peek()
	if prev != nil {
		if next == nil || next.prio <= prev.prio {
			return
		}

		// preempted with slice left: back to the head of its priority
		prev.mu.Lock()
		prev.state = Ready
		rq.enqueue(prev, prev.remaining > 0)
		prev.mu.Unlock()
	}

	s.switchTo(rq, prev, eff)
}

// switchTo dispatches the best ready task. rq is locked.
func (s *Scheduler) switchTo(rq *runqueue, prev *Task, eff *effects) {
	next := rq.peek()
	if next != nil {
		rq.dequeue(next)

		next.mu.Lock()
		next.state = Running
		next.remaining = next.slice
		next.mu.Unlock()

		next.dispatches.Add(1)
	}

	rq.current = next
	rq.resched = false

	if prev != next {
		rq.switches++
		eff.switches = append(eff.switches, switchEvent{rq.cpu, prev, next})
	}
}

// Tick accounts one scheduler tick on cpu. The running task loses a tick of
// its slice; when the slice is used up the task goes to the tail of its
// priority and the best ready task runs.
func (s *Scheduler) Tick(cpu int) {
	var eff effects

	rq := s.rq[cpu]
	rq.mu.Lock()

	rq.ticks++

	cur := rq.current
	switch {
	case cur == nil:
		rq.idle++
		rq.resched = rq.ready > 0

	default:
		cur.mu.Lock()
		cur.remaining--
		expired := cur.remaining <= 0
		cur.mu.Unlock()

		if expired {
			rq.resched = true
			if rq.preempt == 0 {
				cur.mu.Lock()
				cur.state = Ready
				rq.enqueue(cur, false)
				cur.mu.Unlock()

				rq.current = nil
				s.switchTo(rq, cur, &eff)
			}
		}
	}

	if rq.current == nil {
		s.maybeSchedule(rq, &eff)
	}

	rq.mu.Unlock()
	s.apply(&eff)
}

// Yield sends cpu's running task to the tail of its priority.
func (s *Scheduler) Yield(cpu int) {
	var eff effects

	rq := s.rq[cpu]
	rq.mu.Lock()

	if cur := rq.current; cur != nil && rq.preempt == 0 {
		cur.mu.Lock()
		cur.state = Ready
		rq.enqueue(cur, false)
		cur.mu.Unlock()

		rq.current = nil
		s.switchTo(rq, cur, &eff)
	}

	rq.mu.Unlock()
	s.apply(&eff)
}

// Schedule dispatches a task on an idle cpu if one is ready.
func (s *Scheduler) Schedule(cpu int) {
	var eff effects

	rq := s.rq[cpu]
	rq.mu.Lock()
	if rq.current == nil {
		rq.resched = true
	}

	s.maybeSchedule(rq, &eff)
	rq.mu.Unlock()

	s.apply(&eff)
}

// Current returns the task running on cpu.
func (s *Scheduler) Current(cpu int) *Task {
	rq := s.rq[cpu]
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.current
}

// ReadyCount returns the number of ready tasks queued on cpu.
func (s *Scheduler) ReadyCount(cpu int) int {
	rq := s.rq[cpu]
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.ready
}

// Stats returns the switch, tick and idle tick counts of cpu.
func (s *Scheduler) Stats(cpu int) (switches, ticks, idle uint64) {
	rq := s.rq[cpu]
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.switches, rq.ticks, rq.idle
}

// Migrate moves t to cpu. A running task is preempted and queued on the
// destination.
func (s *Scheduler) Migrate(t *Task, cpu int) error {
	if cpu < 0 || cpu >= len(s.rq) {
		return fmt.Errorf("sched: no cpu %d: %w", cpu, unix.EINVAL)
	}

	var eff effects

	src, dst := s.lockTaskPair(t, cpu)
	defer func() { s.apply(&eff) }()

	unlock := func() {
		t.mu.Unlock()
		src.mu.Unlock()
		if dst != src {
			dst.mu.Unlock()
		}
	}

	if t.attached != s {
		unlock()
		return fmt.Errorf("sched: %v not attached: %w", t, unix.ENOENT)
	}

	if !t.affinity.Has(cpu) {
		unlock()
		return fmt.Errorf("sched: cpu %d outside affinity %v of %v: %w", cpu, t.affinity, t, unix.EINVAL)
	}

	if src == dst {
		unlock()
		return nil
	}

	wasRunning := t.state == Running

	switch t.state {
	case Ready:
		src.dequeue(t)
		t.cpu.Store(int32(cpu))
		dst.enqueue(t, false)
		eff.notify = append(eff.notify, cpu)

		if cur := dst.current; cur == nil || t.prio > cur.prio {
			dst.resched = true
		}

	case Running:
		src.current = nil
		t.state = Ready
		t.cpu.Store(int32(cpu))
		dst.enqueue(t, false)
		eff.notify = append(eff.notify, cpu)

		src.resched = true
		if cur := dst.current; cur == nil || t.prio > cur.prio {
			dst.resched = true
		}

	default:
		t.cpu.Store(int32(cpu))
	}

	t.mu.Unlock()

	if wasRunning {
		if src.preempt == 0 {
			s.switchTo(src, t, &eff)
		} else {
			src.resched = true
		}
	}

	s.maybeSchedule(dst, &eff)

	src.mu.Unlock()
	if dst != src {
		dst.mu.Unlock()
	}

	return nil
}

// SetAffinity restricts t to mask, migrating it if its CPU left the mask.
func (s *Scheduler) SetAffinity(t *Task, mask cpumask.Mask) error {
	mask = mask.And(cpumask.All(len(s.rq)))
	if mask.Empty() {
		return fmt.Errorf("sched: empty affinity for %v: %w", t, unix.EINVAL)
	}

	t.mu.Lock()
	t.affinity = mask
	t.mu.Unlock()

	if mask.Has(t.CPU()) {
		return nil
	}

	return s.Migrate(t, s.balance(mask))
}

// Section is a preemption-disabled critical section on one CPU.
type Section struct {
	s    *Scheduler
	cpu  int
	once sync.Once
}

// PreemptDisable stops cpu from switching tasks on ticks and wakeups until
// the section is released. Sections nest.
func (s *Scheduler) PreemptDisable(cpu int) *Section {
	rq := s.rq[cpu]
	rq.mu.Lock()
	rq.preempt++
	rq.mu.Unlock()

	return &Section{s: s, cpu: cpu}
}

// Release ends the section. Releasing twice is a no-op.
func (sec *Section) Release() {
	sec.once.Do(func() { sec.s.PreemptEnable(sec.cpu) })
}

// PreemptEnable undoes one PreemptDisable on cpu and performs any reschedule
// held back while preemption was off.
func (s *Scheduler) PreemptEnable(cpu int) {
	var eff effects

	rq := s.rq[cpu]
	rq.mu.Lock()
	if rq.preempt > 0 {
		rq.preempt--
	}

	if rq.preempt == 0 && rq.resched {
		cur := rq.current
		expired := false
		if cur != nil {
			cur.mu.Lock()
			expired = cur.remaining <= 0
			cur.mu.Unlock()
		}

		if expired {
			cur.mu.Lock()
			cur.state = Ready
			rq.enqueue(cur, false)
			cur.mu.Unlock()

			rq.current = nil
			s.switchTo(rq, cur, &eff)
		} else {
			s.maybeSchedule(rq, &eff)
		}
	}

	rq.mu.Unlock()
	s.apply(&eff)
}

// balance returns the least loaded CPU in mask.
func (s *Scheduler) balance(mask cpumask.Mask) int {
	best, load := -1, 0
	for _, cpu := range mask.CPUs() {
		if cpu >= len(s.rq) {
			break
		}

		rq := s.rq[cpu]
		rq.mu.Lock()
		n := rq.ready
		if rq.current != nil {
			n++
		}
		rq.mu.Unlock()

		if best < 0 || n < load {
			best, load = cpu, n
		}
	}

	if best < 0 {
		return 0
	}

	return best
}

func (s *Scheduler) lockTask(t *Task) *runqueue {
	for {
		cpu := t.cpu.Load()
		rq := s.rq[cpu]

		rq.mu.Lock()
		t.mu.Lock()

		if t.cpu.Load() == cpu {
			return rq
		}

		t.mu.Unlock()
		rq.mu.Unlock()
	}
}

// lockTaskPair locks t's run-queue and cpu's in index order, then t.
func (s *Scheduler) lockTaskPair(t *Task, cpu int) (src, dst *runqueue) {
	for {
		from := t.cpu.Load()
		src, dst = s.rq[from], s.rq[cpu]

		first, second := src, dst
		if first.cpu > second.cpu {
			first, second = second, first
		}

		first.mu.Lock()
		if second != first {
			second.mu.Lock()
		}

		t.mu.Lock()
		if t.cpu.Load() == from {
			return src, dst
		}

		t.mu.Unlock()
		if second != first {
			second.mu.Unlock()
		}
		first.mu.Unlock()
	}
}

func (s *Scheduler) apply(eff *effects) {
	if s.cfg.OnSwitch != nil {
		for _, sw := range eff.switches {
			s.cfg.OnSwitch(sw.cpu, sw.prev, sw.next)
		}
	}

	if s.cfg.Notify != nil {
		for _, cpu := range eff.notify {
			s.cfg.Notify(cpu)
		}
	}
}

func (rq *runqueue) enqueue(t *Task, head bool) {
	if head {
		rq.bins[t.prio] = slices.Insert(rq.bins[t.prio], 0, t)
	} else {
		rq.bins[t.prio] = append(rq.bins[t.prio], t)
	}

	rq.ready++
}

func (rq *runqueue) dequeue(t *Task) {
	bin := rq.bins[t.prio]
	if i := slices.Index(bin, t); i >= 0 {
		rq.bins[t.prio] = slices.Delete(bin, i, i+1)
		rq.ready--
	}
}

func (rq *runqueue) peek() *Task {
	for p := len(rq.bins) - 1; p >= 0; p-- {
		if len(rq.bins[p]) > 0 {
			return rq.bins[p][0]
		}
	}

	return nil
}
