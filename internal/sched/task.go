package sched

import (
	"fmt"
	"math"
	"sync/atomic"
)

// TaskID uniquely identifies a task in the scheduler.
type TaskID uint64

// CoreID identifies one processing core.
type CoreID int

// NoCore marks a task that has not been placed on any core yet.
const NoCore CoreID = -1

// Class selects the scheduling policy applied to a task.
type Class int

const (
	ClassFair Class = iota
	ClassRealTimeFifo
	ClassRealTimeRoundRobin
)

func (c Class) String() string {
	switch c {
	case ClassFair:
		return "fair"
	case ClassRealTimeFifo:
		return "rt-fifo"
	case ClassRealTimeRoundRobin:
		return "rt-rr"
	default:
		return "unknown"
	}
}

// realTime reports whether the class belongs to the real-time store.
func (c Class) realTime() bool { return c != ClassFair }

// State of a task's lifecycle.
type State int

const (
	StateRunnable State = iota
	StateRunning
	StateBlocked
	StateStopped
	StateTerminated
)

func (st State) String() string {
	switch st {
	case StateRunnable:
		return "runnable"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateStopped:
		return "stopped"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Nice range for fair tasks and the weight it maps to. Nice 0 is the
// reference weight; each step changes the weight by roughly 25%.
const (
	MinNice         = -20
	MaxNice         = 19
	referenceWeight = 1024.0
)

// Real-time priority range. Higher is more urgent.
const (
	RTMinPriority = 1
	RTMaxPriority = 99
)

// WeightForNice maps a nice value to a fair-class weight.
// Nice 0 maps to 1024; lower nice means heavier (more CPU share).
func WeightForNice(nice int) float64 {
	return referenceWeight / math.Pow(1.25, float64(nice))
}

// Task is the schedulable unit. Fields other than ID and Class are mutated
// by the scheduler and the load balancer only while the owning run queue's
// lock is held; assignedCore and cpuTicks are atomics because they are read
// lock-free for routing and reporting.
type Task struct {
	ID    TaskID
	Class Class

	// Fair-class fields.
	Nice     int
	Weight   float64
	Vruntime float64

	// Real-time fields. SliceRemaining is meaningful only for round-robin.
	RTPriority     int
	SliceRemaining int64

	Affinity CoreSet
	State    State

	assignedCore atomic.Int64
	cpuTicks     atomic.Int64
	saved        OpaqueState

	// queued is true while the task sits in a class store (not while it
	// is current). Guarded by the owning run queue's lock.
	queued bool
}

// NewFairTask creates a Runnable fair-class task. An empty affinity set
// means "all cores".
func NewFairTask(id TaskID, nice int, affinity CoreSet) (*Task, error) {
	if nice < MinNice || nice > MaxNice {
		return nil, fmt.Errorf("%w: nice %d outside [%d, %d]", ErrInvalidPriority, nice, MinNice, MaxNice)
	}
	t := &Task{
		ID:       id,
		Class:    ClassFair,
		Nice:     nice,
		Weight:   WeightForNice(nice),
		Affinity: affinity.clone(),
		State:    StateRunnable,
	}
	t.assignedCore.Store(int64(NoCore))
	return t, nil
}

// NewRealTimeTask creates a Runnable real-time task of the given class
// (FIFO or round-robin) at priority 1..99.
func NewRealTimeTask(id TaskID, class Class, priority int, affinity CoreSet) (*Task, error) {
	if !class.realTime() {
		return nil, fmt.Errorf("%w: class %s is not real-time", ErrInvalidPriority, class)
	}
	if priority < RTMinPriority || priority > RTMaxPriority {
		return nil, fmt.Errorf("%w: rt priority %d outside [%d, %d]", ErrInvalidPriority, priority, RTMinPriority, RTMaxPriority)
	}
	t := &Task{
		ID:         id,
		Class:      class,
		RTPriority: priority,
		Affinity:   affinity.clone(),
		State:      StateRunnable,
	}
	t.assignedCore.Store(int64(NoCore))
	return t, nil
}

// AssignedCore returns the core this task currently belongs to, or NoCore.
func (t *Task) AssignedCore() CoreID { return CoreID(t.assignedCore.Load()) }

func (t *Task) setAssignedCore(c CoreID) { t.assignedCore.Store(int64(c)) }

// CPUTicks returns the cumulative ticks this task has spent Running.
func (t *Task) CPUTicks() int64 { return t.cpuTicks.Load() }

func (t *Task) addCPUTicks(n int64) { t.cpuTicks.Add(n) }

// allowedOn reports whether the task may run on the given core.
// An empty affinity set allows every core.
func (t *Task) allowedOn(c CoreID) bool { return t.Affinity.has(c) }

// transition moves the task to a new state, rejecting moves the lifecycle
// does not permit. The task is unchanged on error.
func (t *Task) transition(to State) error {
	if !validTransition(t.State, to) {
		return fmt.Errorf("%w: task %d cannot go %s -> %s", ErrInvalidTransition, t.ID, t.State, to)
	}
	t.State = to
	return nil
}

// validTransition encodes the task lifecycle:
// dispatch, preemption, voluntary block, wakeup, external stop/continue,
// and caller-driven teardown from any live state.
func validTransition(from, to State) bool {
	if to == StateTerminated {
		return from != StateTerminated
	}
	switch from {
	case StateRunnable:
		return to == StateRunning || to == StateStopped
	case StateRunning:
		return to == StateRunnable || to == StateBlocked || to == StateStopped
	case StateBlocked:
		return to == StateRunnable
	case StateStopped:
		return to == StateRunnable
	default:
		return false
	}
}

// CoreSet is the set of cores a task may run on.
type CoreSet map[CoreID]struct{}

// NewCoreSet builds a set from the given core ids.
func NewCoreSet(cores ...CoreID) CoreSet {
	s := make(CoreSet, len(cores))
	for _, c := range cores {
		s[c] = struct{}{}
	}
	return s
}

// has treats the empty set as "all cores".
func (s CoreSet) has(c CoreID) bool {
	if len(s) == 0 {
		return true
	}
	_, ok := s[c]
	return ok
}

func (s CoreSet) clone() CoreSet {
	if len(s) == 0 {
		return nil
	}
	out := make(CoreSet, len(s))
	for c := range s {
		out[c] = struct{}{}
	}
	return out
}
