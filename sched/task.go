package sched

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/c35s/hvcore/cpumask"
	"golang.org/x/sys/unix"
)

// State is the scheduling state of a task.
type State int

const (
	Unknown State = iota
	Reset
	Ready
	Running
	Paused
	Halted
	Blocked
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Reset:
		return "reset"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Halted:
		return "halted"
	case Blocked:
		return "blocked"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// allowed lists the states a task may enter each state from.
var allowed = map[State][]State{
	Reset:   {Ready, Running, Paused, Halted, Blocked},
	Ready:   {Reset, Paused, Blocked},
	Running: {Ready},
	Paused:  {Ready, Running, Blocked},
	Halted:  {Ready, Running, Paused, Blocked},
	Blocked: {Running},
}

func canEnter(from, to State) bool {
	for _, s := range allowed[to] {
		if s == from {
			return true
		}
	}

	return false
}

// ErrState is returned for a transition the state machine forbids.
var ErrState = fmt.Errorf("sched: invalid state transition: %w", unix.EINVAL)

// Runner executes one time slice of a task on a CPU.
type Runner interface {
	RunSlice(ctx context.Context, cpu int) error
}

// TaskConfig describes a new task.
type TaskConfig struct {
	Name string

	// Priority is between 0 (lowest) and the scheduler's MaxPriority.
	Priority int

	// TimeSlice is the number of ticks the task runs before yielding to a
	// peer of the same priority. Zero means one tick.
	TimeSlice int

	// Affinity restricts the CPUs the task runs on. Zero means any.
	Affinity cpumask.Mask

	Runner Runner
}

// Task is a schedulable entity: a VCPU or an orphan (kernel) context.
type Task struct {
	id     int
	name   string
	prio   int
	slice  int
	runner Runner

	cpu atomic.Int32

	// guarded by mu, which nests inside the run-queue lock
	mu        sync.Mutex
	state     State
	affinity  cpumask.Mask
	remaining int
	attached  *Scheduler

	dispatches atomic.Uint64
}

var taskIDs atomic.Int64

// NewTask returns a detached task in the Reset state.
func NewTask(cfg TaskConfig) *Task {
	slice := cfg.TimeSlice
	if slice <= 0 {
		slice = 1
	}

	t := &Task{
		id:       int(taskIDs.Add(1)),
		name:     cfg.Name,
		prio:     cfg.Priority,
		slice:    slice,
		runner:   cfg.Runner,
		state:    Reset,
		affinity: cfg.Affinity,
	}

	return t
}

func (t *Task) ID() int { return t.id }
func (t *Task) Name() string { return t.name }
func (t *Task) Priority() int { return t.prio }
func (t *Task) TimeSlice() int { return t.slice }
func (t *Task) Runner() Runner { return t.runner }
func (t *Task) CPU() int { return int(t.cpu.Load()) }
func (t *Task) Dispatches() uint64 { return t.dispatches.Load() }

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) Affinity() cpumask.Mask {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.affinity
}

// SetDetachedState moves a task that is not attached to a scheduler. Kernel
// threads run on their own goroutines and use it to publish their state.
func (t *Task) SetDetachedState(s State) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.attached != nil {
		return fmt.Errorf("sched: %s is attached to a scheduler: %w", t.name, unix.EBUSY)
	}

	t.state = s
	return nil
}

func (t *Task) String() string {
	return fmt.Sprintf("%s#%d", t.name, t.id)
}
