package sched

import (
	"fmt"
	"sync"
)

// runQueue is the per-core container of runnable and running tasks, split
// by scheduling class. Exactly one core's dispatcher mutates it under mu;
// the load balancer and cross-core wakeups take mu too. Two run queue
// locks are held together only during migration, always in ascending core
// id order.
type runQueue struct {
	mu   sync.Mutex
	core CoreID

	fair *fairQueue
	rt   *rtQueue

	current      *Task // task presently Running on this core, nil when idle
	currentSlice int64 // remaining slice of current, in ticks
	nrRunning    int   // Runnable tasks in both stores plus current
}

func newRunQueue(core CoreID) *runQueue {
	return &runQueue{
		core: core,
		fair: newFairQueue(),
		rt:   newRTQueue(),
	}
}

// enqueueLocked routes a Runnable task into its class store. The caller
// holds mu and has already validated the task's state.
func (rq *runQueue) enqueueLocked(t *Task) error {
	if !t.allowedOn(rq.core) {
		return fmt.Errorf("%w: task %d not allowed on core %d", ErrAffinityViolation, t.ID, rq.core)
	}
	if t.Class.realTime() {
		rq.rt.enqueue(t)
	} else {
		rq.fair.enqueue(t)
	}
	t.queued = true
	t.setAssignedCore(rq.core)
	rq.nrRunning++
	return nil
}

// dequeueLocked removes a queued (not current) task from its class store.
func (rq *runQueue) dequeueLocked(t *Task) {
	if t.Class.realTime() {
		rq.rt.dequeue(t)
	} else {
		rq.fair.dequeue(t)
	}
	t.queued = false
	rq.nrRunning--
}

// pickNextLocked returns the most eligible queued task without removing
// it: the real-time store wins whenever it is non-empty.
func (rq *runQueue) pickNextLocked() *Task {
	if t := rq.rt.pickNext(); t != nil {
		return t
	}
	return rq.fair.pickNext()
}

// takeLocked removes a picked task from its store without touching
// nrRunning; the task stays counted while it becomes current.
func (rq *runQueue) takeLocked(t *Task) {
	if t.Class.realTime() {
		rq.rt.dequeue(t)
	} else {
		rq.fair.dequeue(t)
	}
	t.queued = false
}

// putBackLocked is takeLocked's inverse, used when current is preempted
// or yields but still has work.
func (rq *runQueue) putBackLocked(t *Task) {
	if t.Class.realTime() {
		rq.rt.enqueue(t)
	} else {
		rq.fair.enqueue(t)
	}
	t.queued = true
}

// accountLocked charges elapsed ticks to current and reports whether a
// reschedule is due: slice exhaustion, a fair task falling too far behind,
// or a higher-urgency task waiting in a store.
func (rq *runQueue) accountLocked(elapsed int64, cfg Config) bool {
	t := rq.current
	if t == nil {
		return rq.nrRunning > 0
	}
	t.addCPUTicks(elapsed)

	switch t.Class {
	case ClassFair:
		need := rq.fair.onTick(t, elapsed, cfg.GranularityTicks)
		rq.currentSlice -= elapsed
		if rq.currentSlice <= 0 && rq.fair.len() > 0 {
			need = true
		}
		// Any runnable real-time task displaces a fair one.
		if rq.rt.len() > 0 {
			need = true
		}
		return need
	default:
		need := rq.rt.onTick(t, elapsed, cfg.RTSliceTicks)
		// A FIFO task keeps the core against same-or-lower priority.
		if rq.rt.topPriority() > t.RTPriority {
			need = true
		}
		return need
	}
}

// loadLocked computes this queue's load for balancing: the fair weights of
// all runnable fair tasks plus a fixed cost per runnable real-time task.
func (rq *runQueue) loadLocked(rtCost float64) float64 {
	load := rq.fair.totalWeight + rtCost*float64(rq.rt.len())
	if t := rq.current; t != nil {
		if t.Class.realTime() {
			load += rtCost
		} else {
			load += t.Weight
		}
	}
	return load
}
