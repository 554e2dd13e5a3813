package sched

import (
	"github.com/emirpasic/gods/trees/redblacktree"
)

// fairKey orders the fair store by vruntime, with the task id breaking
// ties deterministically.
type fairKey struct {
	vruntime float64
	id       TaskID
}

func fairCmp(a, b any) int {
	ka, kb := a.(fairKey), b.(fairKey)
	switch {
	case ka.vruntime < kb.vruntime:
		return -1
	case ka.vruntime > kb.vruntime:
		return 1
	case ka.id < kb.id:
		return -1
	case ka.id > kb.id:
		return 1
	default:
		return 0
	}
}

// fairQueue holds the runnable fair-class tasks of one core, ordered by
// (vruntime, id) in a red-black tree. The task currently Running on the
// core is not in the tree.
type fairQueue struct {
	tree        *redblacktree.Tree
	totalWeight float64 // sum over queued tasks; excludes the running task
	minVruntime float64 // monotone baseline for newly enqueued tasks
}

func newFairQueue() *fairQueue {
	return &fairQueue{tree: redblacktree.NewWith(fairCmp)}
}

// enqueue inserts a task. A vruntime below the queue's baseline is clamped
// up to it so a long-sleeping task cannot monopolize the core on wakeup.
func (q *fairQueue) enqueue(t *Task) {
	if t.Vruntime < q.minVruntime {
		t.Vruntime = q.minVruntime
	}
	q.tree.Put(fairKey{t.Vruntime, t.ID}, t)
	q.totalWeight += t.Weight
}

// dequeue removes a task and refreshes the baseline.
func (q *fairQueue) dequeue(t *Task) {
	q.tree.Remove(fairKey{t.Vruntime, t.ID})
	q.totalWeight -= t.Weight
	q.refreshMin()
}

// pickNext returns the most entitled task without removing it, or nil.
func (q *fairQueue) pickNext() *Task {
	node := q.tree.Left()
	if node == nil {
		return nil
	}
	return node.Value.(*Task)
}

// refreshMin advances minVruntime to the tree's smallest key. The baseline
// never moves backwards.
func (q *fairQueue) refreshMin() {
	if node := q.tree.Left(); node != nil {
		if v := node.Key.(fairKey).vruntime; v > q.minVruntime {
			q.minVruntime = v
		}
	}
}

func (q *fairQueue) len() int { return q.tree.Size() }

// onTick charges elapsed ticks to the running task's vruntime, scaled
// inversely by its weight, and reports whether a queued task has fallen
// behind by more than the scheduling granularity and should preempt.
func (q *fairQueue) onTick(running *Task, elapsed int64, granularity float64) bool {
	running.Vruntime += float64(elapsed) * (referenceWeight / running.Weight)

	// Baseline tracks the smaller of the running task and the tree's
	// leftmost, and only ever moves forward.
	floor := running.Vruntime
	preempt := false
	if node := q.tree.Left(); node != nil {
		leftmost := node.Key.(fairKey).vruntime
		if leftmost < floor {
			floor = leftmost
		}
		if running.Vruntime-leftmost > granularity {
			preempt = true
		}
	}
	if floor > q.minVruntime {
		q.minVruntime = floor
	}
	return preempt
}

// timeSlice sizes the dispatch slice proportionally to the task's share of
// the total runnable fair weight, bounded to [min, max]. The task being
// dispatched has already left the tree, so its weight is added back in.
func (q *fairQueue) timeSlice(t *Task, latency, min, max int64) int64 {
	total := q.totalWeight + t.Weight
	slice := int64(float64(latency) * t.Weight / total)
	if slice < min {
		return min
	}
	if slice > max {
		return max
	}
	return slice
}
