package sched

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Scheduler owns every core's run queue and the task table, and arbitrates
// between the real-time and fair classes on each core. There is no global
// lock: each run queue has its own mutex, and the only operations that hold
// two at once (migration, affinity-forced re-placement) acquire them in
// ascending core id order.
//
// An external timer collaborator drives Tick per core; everything else is
// caller-driven.
type Scheduler struct {
	cfg      Config
	log      *slog.Logger
	switcher ContextSwitcher
	queues   []*runQueue
	events   chan Event

	tasksMu sync.RWMutex
	tasks   map[TaskID]*Task

	placeMu  sync.Mutex
	nextCore int // round-robin cursor for initial placement
}

// New creates a scheduler for cfg.Cores cores. A nil logger discards logs;
// a nil switcher installs the no-op context-switch collaborator.
func New(cfg Config, log *slog.Logger, switcher ContextSwitcher) *Scheduler {
	cfg = cfg.sanitized()
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if switcher == nil {
		switcher = NopContextSwitcher()
	}
	queues := make([]*runQueue, cfg.Cores)
	for i := range queues {
		queues[i] = newRunQueue(CoreID(i))
	}
	return &Scheduler{
		cfg:      cfg,
		log:      log,
		switcher: switcher,
		queues:   queues,
		events:   make(chan Event, 256),
		tasks:    make(map[TaskID]*Task),
	}
}

// NumCores returns the number of cores this scheduler drives.
func (s *Scheduler) NumCores() int { return len(s.queues) }

// Events exposes the advisory event stream. Events are dropped when the
// consumer lags; nothing in the scheduler blocks on this channel.
func (s *Scheduler) Events() <-chan Event { return s.events }

func (s *Scheduler) emit(ev Event) {
	ev.Time = time.Now()
	select {
	case s.events <- ev:
	default:
	}
}

// Enqueue introduces a new task to the scheduler, placing it on an
// eligible core round-robin. The task must be Runnable and its id unused.
func (s *Scheduler) Enqueue(t *Task) error {
	if t == nil {
		return fmt.Errorf("%w: nil task", ErrUnknownTask)
	}
	if t.State != StateRunnable {
		return fmt.Errorf("%w: task %d is %s, not runnable", ErrInvalidTransition, t.ID, t.State)
	}
	core, ok := s.placementCore(t.Affinity)
	if !ok {
		return fmt.Errorf("%w: task %d allows none of cores 0..%d", ErrAffinityViolation, t.ID, len(s.queues)-1)
	}

	s.tasksMu.Lock()
	if _, dup := s.tasks[t.ID]; dup {
		s.tasksMu.Unlock()
		return fmt.Errorf("%w: task %d", ErrDuplicateTask, t.ID)
	}
	s.tasks[t.ID] = t
	s.tasksMu.Unlock()

	rq := s.queues[core]
	rq.mu.Lock()
	if t.Class == ClassRealTimeRoundRobin && t.SliceRemaining <= 0 {
		t.SliceRemaining = s.cfg.RTSliceTicks
	}
	if err := rq.enqueueLocked(t); err != nil {
		rq.mu.Unlock()
		s.tasksMu.Lock()
		delete(s.tasks, t.ID)
		s.tasksMu.Unlock()
		return err
	}
	s.emit(Event{Kind: EventEnqueue, Core: rq.core, TaskID: t.ID, Vruntime: t.Vruntime})
	s.maybePreemptLocked(rq, t)
	rq.mu.Unlock()
	return nil
}

// Tick charges elapsed ticks to the given core's running task and performs
// a dispatch when accounting asks for one. Called by the timer collaborator.
func (s *Scheduler) Tick(core CoreID, elapsed int64) {
	if int(core) < 0 || int(core) >= len(s.queues) || elapsed <= 0 {
		return
	}
	rq := s.queues[core]
	rq.mu.Lock()
	if rq.accountLocked(elapsed, s.cfg) {
		s.reschedLocked(rq, EventPreempt)
	}
	rq.mu.Unlock()
}

// YieldTask gives up the remainder of the calling task's slice. The task
// must currently be Running.
func (s *Scheduler) YieldTask(id TaskID) error {
	t, err := s.lookup(id)
	if err != nil {
		return err
	}
	rq := s.lockTaskQueue(t)
	if rq == nil {
		return fmt.Errorf("%w: task %d is not placed on any core", ErrInvalidTransition, id)
	}
	defer rq.mu.Unlock()
	if rq.current != t {
		return fmt.Errorf("%w: task %d is not running", ErrInvalidTransition, id)
	}
	s.reschedLocked(rq, EventYield)
	return nil
}

// BlockTask transitions the Running task into Blocked (a voluntary wait)
// and dispatches the core's next task. Blocking a task that is not Running
// fails with ErrInvalidTransition and changes nothing.
func (s *Scheduler) BlockTask(id TaskID) error {
	t, err := s.lookup(id)
	if err != nil {
		return err
	}
	rq := s.lockTaskQueue(t)
	if rq == nil {
		return fmt.Errorf("%w: task %d is not placed on any core", ErrInvalidTransition, id)
	}
	defer rq.mu.Unlock()
	if rq.current != t {
		return fmt.Errorf("%w: task %d is not running", ErrInvalidTransition, id)
	}
	if err := t.transition(StateBlocked); err != nil {
		return err
	}
	t.saved = s.switcher.Save(t)
	rq.current = nil
	rq.nrRunning--
	s.emit(Event{Kind: EventBlock, Core: rq.core, TaskID: t.ID, Vruntime: t.Vruntime})
	s.dispatchLocked(rq)
	return nil
}

// WakeTask makes a Blocked task Runnable again on its assigned core,
// preempting that core's current task if the woken one is more urgent. If
// the task's affinity changed while it slept, it is re-placed instead.
func (s *Scheduler) WakeTask(id TaskID) error {
	return s.resume(id, StateBlocked, EventWake)
}

// StopTask suspends a Runnable or Running task (an external SIGSTOP-like
// signal), removing it from its run queue.
func (s *Scheduler) StopTask(id TaskID) error {
	t, err := s.lookup(id)
	if err != nil {
		return err
	}
	rq := s.lockTaskQueue(t)
	if rq == nil {
		return fmt.Errorf("%w: task %d is not placed on any core", ErrInvalidTransition, id)
	}
	defer rq.mu.Unlock()
	switch {
	case rq.current == t:
		if err := t.transition(StateStopped); err != nil {
			return err
		}
		t.saved = s.switcher.Save(t)
		rq.current = nil
		rq.nrRunning--
		s.emit(Event{Kind: EventStop, Core: rq.core, TaskID: t.ID})
		s.dispatchLocked(rq)
	case t.queued:
		if err := t.transition(StateStopped); err != nil {
			return err
		}
		rq.dequeueLocked(t)
		s.emit(Event{Kind: EventStop, Core: rq.core, TaskID: t.ID})
	default:
		if err := t.transition(StateStopped); err != nil {
			return err
		}
		s.emit(Event{Kind: EventStop, Core: rq.core, TaskID: t.ID})
	}
	return nil
}

// ContinueTask resumes a Stopped task.
func (s *Scheduler) ContinueTask(id TaskID) error {
	return s.resume(id, StateStopped, EventContinue)
}

// Terminate removes a task from all scheduler structures and marks it
// Terminated. Teardown is always caller-driven; the scheduler never
// destroys a task on its own.
func (s *Scheduler) Terminate(id TaskID) error {
	t, err := s.lookup(id)
	if err != nil {
		return err
	}
	rq := s.lockTaskQueue(t)
	if rq != nil {
		switch {
		case rq.current == t:
			if err := t.transition(StateTerminated); err != nil {
				rq.mu.Unlock()
				return err
			}
			rq.current = nil
			rq.nrRunning--
			s.dispatchLocked(rq)
		case t.queued:
			if err := t.transition(StateTerminated); err != nil {
				rq.mu.Unlock()
				return err
			}
			rq.dequeueLocked(t)
		default:
			if err := t.transition(StateTerminated); err != nil {
				rq.mu.Unlock()
				return err
			}
		}
		s.emit(Event{Kind: EventTerminate, Core: rq.core, TaskID: t.ID, RanTicks: t.CPUTicks()})
		rq.mu.Unlock()
	} else {
		if err := t.transition(StateTerminated); err != nil {
			return err
		}
		s.emit(Event{Kind: EventTerminate, Core: NoCore, TaskID: t.ID, RanTicks: t.CPUTicks()})
	}

	s.tasksMu.Lock()
	delete(s.tasks, id)
	s.tasksMu.Unlock()
	return nil
}

// SetPriority changes a task's priority: nice [-20, 19] for fair tasks,
// 1..99 for real-time tasks. Queued tasks are re-keyed in place; a change
// that makes a queued task more urgent than the core's current one
// triggers an immediate reschedule.
func (s *Scheduler) SetPriority(id TaskID, priority int) error {
	t, err := s.lookup(id)
	if err != nil {
		return err
	}
	rq := s.lockTaskQueue(t)
	if rq == nil {
		return fmt.Errorf("%w: task %d is not placed on any core", ErrInvalidTransition, id)
	}
	defer rq.mu.Unlock()

	if t.Class == ClassFair {
		if priority < MinNice || priority > MaxNice {
			return fmt.Errorf("%w: nice %d outside [%d, %d]", ErrInvalidPriority, priority, MinNice, MaxNice)
		}
		if t.queued {
			rq.fair.dequeue(t)
			t.Nice = priority
			t.Weight = WeightForNice(priority)
			rq.fair.enqueue(t)
		} else {
			t.Nice = priority
			t.Weight = WeightForNice(priority)
		}
		return nil
	}

	if priority < RTMinPriority || priority > RTMaxPriority {
		return fmt.Errorf("%w: rt priority %d outside [%d, %d]", ErrInvalidPriority, priority, RTMinPriority, RTMaxPriority)
	}
	if t.queued {
		rq.rt.dequeue(t)
		t.RTPriority = priority
		rq.rt.enqueue(t)
		s.maybePreemptLocked(rq, t)
	} else {
		t.RTPriority = priority
		if rq.current == t && rq.rt.topPriority() > priority {
			s.reschedLocked(rq, EventPreempt)
		}
	}
	return nil
}

// SetAffinity replaces a task's eligible core set. Rejected if the new set
// would exclude the core the task is currently Running on, or if it allows
// none of this scheduler's cores. A queued task whose core becomes
// ineligible is migrated immediately.
func (s *Scheduler) SetAffinity(id TaskID, set CoreSet) error {
	t, err := s.lookup(id)
	if err != nil {
		return err
	}
	if !s.anyCoreAllowed(set) {
		return fmt.Errorf("%w: task %d would allow no core", ErrAffinityViolation, id)
	}
	rq := s.lockTaskQueue(t)
	if rq == nil {
		return fmt.Errorf("%w: task %d is not placed on any core", ErrInvalidTransition, id)
	}
	if rq.current == t && !set.has(rq.core) {
		rq.mu.Unlock()
		return fmt.Errorf("%w: task %d is running on core %d", ErrAffinityViolation, id, rq.core)
	}
	t.Affinity = set.clone()
	if !t.queued || set.has(rq.core) {
		rq.mu.Unlock()
		return nil
	}

	// The task's core is no longer eligible: pull it out and re-place it.
	rq.dequeueLocked(t)
	rq.mu.Unlock()
	s.placeUnqueued(t)
	return nil
}

// CurrentTask reports which task is Running on the given core.
func (s *Scheduler) CurrentTask(core CoreID) (TaskID, bool) {
	if int(core) < 0 || int(core) >= len(s.queues) {
		return 0, false
	}
	rq := s.queues[core]
	rq.mu.Lock()
	defer rq.mu.Unlock()
	if rq.current == nil {
		return 0, false
	}
	return rq.current.ID, true
}

// CPUTotals returns cumulative ticks consumed per live task.
func (s *Scheduler) CPUTotals() map[TaskID]int64 {
	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()
	out := make(map[TaskID]int64, len(s.tasks))
	for id, t := range s.tasks {
		out[id] = t.CPUTicks()
	}
	return out
}

func (s *Scheduler) lookup(id TaskID) (*Task, error) {
	s.tasksMu.RLock()
	t, ok := s.tasks[id]
	s.tasksMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: task %d", ErrUnknownTask, id)
	}
	return t, nil
}

// lockTaskQueue locks the run queue the task currently belongs to. The
// assigned core only changes while its old queue's lock is held, so a
// re-check after locking is enough to know we hold the right one. Returns
// nil for a task that has never been placed.
func (s *Scheduler) lockTaskQueue(t *Task) *runQueue {
	for {
		cid := t.AssignedCore()
		if cid == NoCore || int(cid) >= len(s.queues) {
			return nil
		}
		rq := s.queues[cid]
		rq.mu.Lock()
		if t.AssignedCore() == cid {
			return rq
		}
		rq.mu.Unlock()
	}
}

// lockPair acquires two run queue locks in ascending core id order, the
// global order that makes cross-core operations deadlock-free.
func lockPair(a, b *runQueue) {
	if a == b {
		a.mu.Lock()
		return
	}
	if a.core > b.core {
		a, b = b, a
	}
	a.mu.Lock()
	b.mu.Lock()
}

func unlockPair(a, b *runQueue) {
	a.mu.Unlock()
	if b != a {
		b.mu.Unlock()
	}
}

// placementCore picks the next eligible core round-robin. Takes an
// affinity snapshot rather than the task so callers can read the set
// under the task's home lock.
func (s *Scheduler) placementCore(allowed CoreSet) (CoreID, bool) {
	s.placeMu.Lock()
	defer s.placeMu.Unlock()
	n := len(s.queues)
	for i := 0; i < n; i++ {
		c := CoreID((s.nextCore + i) % n)
		if allowed.has(c) {
			s.nextCore = (int(c) + 1) % n
			return c, true
		}
	}
	return NoCore, false
}

func (s *Scheduler) anyCoreAllowed(set CoreSet) bool {
	for i := range s.queues {
		if set.has(CoreID(i)) {
			return true
		}
	}
	return false
}

// resume is the shared wake/continue path: transition from the expected
// state back to Runnable and enqueue on the assigned core, or re-place if
// that core is no longer eligible.
func (s *Scheduler) resume(id TaskID, from State, kind EventKind) error {
	t, err := s.lookup(id)
	if err != nil {
		return err
	}
	rq := s.lockTaskQueue(t)
	if rq == nil {
		return fmt.Errorf("%w: task %d is not placed on any core", ErrInvalidTransition, id)
	}
	if t.State != from {
		rq.mu.Unlock()
		return fmt.Errorf("%w: task %d is %s, not %s", ErrInvalidTransition, id, t.State, from)
	}
	if err := t.transition(StateRunnable); err != nil {
		rq.mu.Unlock()
		return err
	}
	if t.allowedOn(rq.core) {
		if err := rq.enqueueLocked(t); err != nil {
			rq.mu.Unlock()
			return err
		}
		s.emit(Event{Kind: kind, Core: rq.core, TaskID: t.ID, Vruntime: t.Vruntime})
		s.maybePreemptLocked(rq, t)
		rq.mu.Unlock()
		return nil
	}
	rq.mu.Unlock()
	s.emit(Event{Kind: kind, Core: rq.core, TaskID: t.ID, Vruntime: t.Vruntime})
	s.placeUnqueued(t)
	return nil
}

// placeUnqueued moves a Runnable task that sits in no run queue onto an
// eligible core. It holds the task's old home lock and the destination
// lock together (ascending order) so no other operation can observe the
// task mid-move.
func (s *Scheduler) placeUnqueued(t *Task) {
	for {
		src := s.homeQueue(t)
		src.mu.Lock()
		if t.State != StateRunnable || t.queued {
			// Someone stopped or terminated it mid-move; leave it be.
			src.mu.Unlock()
			return
		}
		allowed := t.Affinity.clone()
		src.mu.Unlock()

		dest, ok := s.placementCore(allowed)
		if !ok {
			return
		}
		drq := s.queues[dest]
		lockPair(src, drq)
		if t.State != StateRunnable || t.queued {
			unlockPair(src, drq)
			return
		}
		if !t.allowedOn(drq.core) {
			// Affinity moved again between snapshot and lock; try again.
			unlockPair(src, drq)
			continue
		}
		if err := drq.enqueueLocked(t); err != nil {
			unlockPair(src, drq)
			continue
		}
		s.maybePreemptLocked(drq, t)
		unlockPair(src, drq)
		return
	}
}

// homeQueue returns the queue whose lock guards the task's fields.
func (s *Scheduler) homeQueue(t *Task) *runQueue {
	if cid := t.AssignedCore(); cid != NoCore && int(cid) < len(s.queues) {
		return s.queues[cid]
	}
	return s.queues[0]
}

// maybePreemptLocked decides whether a task that just became runnable on
// rq should displace the current one. Real-time strictly preempts fair;
// among real-time tasks only a strictly higher priority preempts; among
// fair tasks a vruntime lead beyond the granularity does.
func (s *Scheduler) maybePreemptLocked(rq *runQueue, woken *Task) {
	cur := rq.current
	if cur == nil {
		s.dispatchLocked(rq)
		return
	}
	switch {
	case woken.Class.realTime() && !cur.Class.realTime():
		s.reschedLocked(rq, EventPreempt)
	case woken.Class.realTime() && cur.Class.realTime() && woken.RTPriority > cur.RTPriority:
		s.reschedLocked(rq, EventPreempt)
	case !woken.Class.realTime() && !cur.Class.realTime() && cur.Vruntime-woken.Vruntime > s.cfg.GranularityTicks:
		s.reschedLocked(rq, EventPreempt)
	}
}

// reschedLocked pushes the current task (if any) back into its store as
// Runnable and dispatches the most eligible task.
func (s *Scheduler) reschedLocked(rq *runQueue, kind EventKind) {
	if prev := rq.current; prev != nil {
		if err := prev.transition(StateRunnable); err != nil {
			// Running -> Runnable is always legal; nothing to do if the
			// state machine disagrees, but it would mean current was
			// corrupted, so make it visible.
			s.log.Error("resched: current task in impossible state",
				"task", prev.ID, "state", prev.State.String())
			return
		}
		prev.saved = s.switcher.Save(prev)
		rq.putBackLocked(prev)
		rq.current = nil
		s.emit(Event{Kind: kind, Core: rq.core, TaskID: prev.ID, Vruntime: prev.Vruntime})
	}
	s.dispatchLocked(rq)
}

// dispatchLocked picks the next task, marks it Running and restores its
// context. The core goes idle when both stores are empty.
func (s *Scheduler) dispatchLocked(rq *runQueue) {
	next := rq.pickNextLocked()
	if next == nil {
		rq.current = nil
		s.emit(Event{Kind: EventIdle, Core: rq.core})
		return
	}
	rq.takeLocked(next)
	if err := next.transition(StateRunning); err != nil {
		s.log.Error("dispatch: picked task in impossible state",
			"task", next.ID, "state", next.State.String())
		return
	}
	if next.Class == ClassFair {
		rq.currentSlice = rq.fair.timeSlice(next, s.cfg.LatencyTicks, s.cfg.MinSliceTicks, s.cfg.MaxSliceTicks)
	} else {
		rq.currentSlice = 0
		if next.Class == ClassRealTimeRoundRobin && next.SliceRemaining <= 0 {
			next.SliceRemaining = s.cfg.RTSliceTicks
		}
	}
	rq.current = next
	s.switcher.Restore(next, next.saved)
	s.emit(Event{Kind: EventDispatch, Core: rq.core, TaskID: next.ID, Vruntime: next.Vruntime})
}
