package sched

import (
	"github.com/emirpasic/gods/lists/doublylinkedlist"
)

// rtQueue holds the runnable real-time tasks of one core: one FIFO list
// per priority level, scanned highest-first. The task currently Running on
// the core is not in any bucket, so re-enqueueing an expired round-robin
// task at the tail of its bucket is exactly the rotation the policy wants.
type rtQueue struct {
	buckets [RTMaxPriority + 1]*doublylinkedlist.List
	size    int
}

func newRTQueue() *rtQueue { return &rtQueue{} }

func (q *rtQueue) enqueue(t *Task) {
	b := q.buckets[t.RTPriority]
	if b == nil {
		b = doublylinkedlist.New()
		q.buckets[t.RTPriority] = b
	}
	b.Add(t)
	q.size++
}

// dequeue removes the task from its bucket. Reports whether it was found.
func (q *rtQueue) dequeue(t *Task) bool {
	b := q.buckets[t.RTPriority]
	if b == nil {
		return false
	}
	idx := b.IndexOf(t)
	if idx < 0 {
		return false
	}
	b.Remove(idx)
	q.size--
	return true
}

// pickNext returns the head of the highest-priority non-empty bucket
// without removing it, or nil.
func (q *rtQueue) pickNext() *Task {
	for p := RTMaxPriority; p >= RTMinPriority; p-- {
		b := q.buckets[p]
		if b == nil || b.Empty() {
			continue
		}
		v, _ := b.Get(0)
		return v.(*Task)
	}
	return nil
}

// topPriority returns the highest priority with a queued task, or 0.
func (q *rtQueue) topPriority() int {
	for p := RTMaxPriority; p >= RTMinPriority; p-- {
		if b := q.buckets[p]; b != nil && !b.Empty() {
			return p
		}
	}
	return 0
}

func (q *rtQueue) len() int { return q.size }

// onTick accounts one tick against a running real-time task. FIFO tasks
// are never time-sliced; round-robin tasks get their slice refreshed and a
// reschedule requested when it runs out.
func (q *rtQueue) onTick(running *Task, elapsed, slice int64) bool {
	if running.Class != ClassRealTimeRoundRobin {
		return false
	}
	running.SliceRemaining -= elapsed
	if running.SliceRemaining <= 0 {
		running.SliceRemaining = slice
		return true
	}
	return false
}
