package sched

import (
	"log/slog"
)

// LoadBalancer periodically evens out load across cores. It runs on a
// period coarser than the tick and migrates at most one task per pass.
// Failures are never fatal: a pass that finds no movable task simply waits
// for the next period.
type LoadBalancer struct {
	s   *Scheduler
	cfg Config
	log *slog.Logger
}

// NewLoadBalancer builds a balancer over the scheduler's cores.
func NewLoadBalancer(s *Scheduler, log *slog.Logger) *LoadBalancer {
	if log == nil {
		log = s.log
	}
	return &LoadBalancer{s: s, cfg: s.cfg, log: log}
}

// Balance runs one rebalancing pass and reports whether a task moved.
//
// Load is the sum of fair weights plus a fixed cost per runnable real-time
// task. A migration happens only when the busiest core's lead over the
// least busy one exceeds ImbalanceFrac of the busiest load, and only for a
// task whose affinity allows the destination.
func (b *LoadBalancer) Balance() bool {
	loads := b.snapshotLoads()
	if len(loads) < 2 {
		return false
	}

	busiest, idlest := CoreID(0), CoreID(0)
	for c := range loads {
		if loads[c] > loads[busiest] {
			busiest = CoreID(c)
		}
		if loads[c] < loads[idlest] {
			idlest = CoreID(c)
		}
	}
	if busiest == idlest || loads[busiest] <= 0 {
		return false
	}
	if loads[busiest]-loads[idlest] <= b.cfg.ImbalanceFrac*loads[busiest] {
		return false
	}

	src, dst := b.s.queues[busiest], b.s.queues[idlest]
	lockPair(src, dst)
	defer unlockPair(src, dst)

	// The snapshot may be stale by now; re-check before moving anything.
	srcLoad := src.loadLocked(b.cfg.RTLoadCost)
	dstLoad := dst.loadLocked(b.cfg.RTLoadCost)
	if srcLoad-dstLoad <= b.cfg.ImbalanceFrac*srcLoad {
		return false
	}

	t := b.pickCandidateLocked(src, dst.core)
	if t == nil {
		b.log.Debug("balance: no migratable task", "from", src.core, "to", dst.core)
		return false
	}

	src.dequeueLocked(t)
	if t.Class == ClassFair {
		// Carry the task's lag relative to its old queue over to the new
		// one instead of importing a stale absolute vruntime.
		t.Vruntime = t.Vruntime - src.fair.minVruntime + dst.fair.minVruntime
	}
	if err := dst.enqueueLocked(t); err != nil {
		// Destination became ineligible under our feet; undo and retry
		// next period.
		if uerr := src.enqueueLocked(t); uerr != nil {
			b.log.Warn("balance: task stranded after failed migration",
				"task", t.ID, "err", uerr)
		}
		b.log.Warn("balance: migration skipped", "task", t.ID, "err", err)
		return false
	}
	b.s.emit(Event{Kind: EventMigrate, Core: dst.core, TaskID: t.ID, Vruntime: t.Vruntime})
	b.log.Debug("balance: migrated task",
		"task", t.ID, "from", src.core, "to", dst.core,
		"src_load", srcLoad, "dst_load", dstLoad)
	b.s.maybePreemptLocked(dst, t)
	return true
}

func (b *LoadBalancer) snapshotLoads() []float64 {
	loads := make([]float64, len(b.s.queues))
	for i, rq := range b.s.queues {
		rq.mu.Lock()
		loads[i] = rq.loadLocked(b.cfg.RTLoadCost)
		rq.mu.Unlock()
	}
	return loads
}

// pickCandidateLocked chooses the least disruptive migratable task on src:
// never the running task, fair before real-time, and among fair tasks the
// smallest weight whose affinity admits dest. Both queue locks are held.
func (b *LoadBalancer) pickCandidateLocked(src *runQueue, dest CoreID) *Task {
	var best *Task
	it := src.fair.tree.Iterator()
	for it.Next() {
		t := it.Value().(*Task)
		if !t.allowedOn(dest) {
			continue
		}
		if best == nil || t.Weight < best.Weight {
			best = t
		}
	}
	if best != nil {
		return best
	}

	// No fair candidate: take the lowest-priority eligible RT task.
	for p := RTMinPriority; p <= RTMaxPriority; p++ {
		bucket := src.rt.buckets[p]
		if bucket == nil || bucket.Empty() {
			continue
		}
		bit := bucket.Iterator()
		for bit.Next() {
			t := bit.Value().(*Task)
			if t.allowedOn(dest) {
				return t
			}
		}
	}
	return nil
}
