package sched

import (
	"errors"
	"math"
	"testing"
)

func newTestScheduler(t *testing.T, cores int) *Scheduler {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Cores = cores
	return New(cfg, nil, nil)
}

func mustEnqueue(t *testing.T, s *Scheduler, task *Task) {
	t.Helper()
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("Enqueue task %d: %v", task.ID, err)
	}
}

func mustCurrent(t *testing.T, s *Scheduler, core CoreID) TaskID {
	t.Helper()
	id, ok := s.CurrentTask(core)
	if !ok {
		t.Fatalf("core %d unexpectedly idle", core)
	}
	return id
}

// Three always-runnable fair tasks with weights 1024, 2048, 1024 should
// converge to CPU shares of 25%, 50%, 25% within 5 points.
func TestFairShareConvergence(t *testing.T) {
	s := newTestScheduler(t, 1)

	weights := []float64{1024, 2048, 1024}
	for i, w := range weights {
		task := newFairTaskT(t, TaskID(i+1), 0)
		task.Weight = w
		mustEnqueue(t, s, task)
	}

	const ticks = 4000
	for i := 0; i < ticks; i++ {
		s.Tick(0, 1)
	}

	totals := s.CPUTotals()
	wantShares := []float64{0.25, 0.50, 0.25}
	for i, want := range wantShares {
		got := float64(totals[TaskID(i+1)]) / ticks
		if math.Abs(got-want) > 0.05 {
			t.Errorf("task %d: want share ~%.2f, got %.3f", i+1, want, got)
		}
	}
}

// A runnable fair task is never starved indefinitely, even at the lowest
// weight against much heavier competition.
func TestNoStarvation(t *testing.T) {
	s := newTestScheduler(t, 1)

	for id := TaskID(1); id <= 4; id++ {
		mustEnqueue(t, s, newFairTaskT(t, id, -10))
	}
	weak := newFairTaskT(t, 5, 19)
	mustEnqueue(t, s, weak)

	for i := 0; i < 500; i++ {
		s.Tick(0, 1)
	}
	if weak.CPUTicks() == 0 {
		t.Error("lowest-weight task received no CPU in 500 ticks")
	}
}

// While any real-time task is runnable, no fair task holds the core.
func TestRealTimePrecedence(t *testing.T) {
	s := newTestScheduler(t, 1)

	fair := newFairTaskT(t, 1, 0)
	mustEnqueue(t, s, fair)
	if got := mustCurrent(t, s, 0); got != 1 {
		t.Fatalf("fair task should run alone, current=%d", got)
	}

	fifo := newRTTaskT(t, 2, ClassRealTimeFifo, 50)
	mustEnqueue(t, s, fifo)
	// Preemption is immediate, not deferred to the next tick.
	if got := mustCurrent(t, s, 0); got != 2 {
		t.Fatalf("real-time task must preempt fair immediately, current=%d", got)
	}

	for i := 0; i < 100; i++ {
		s.Tick(0, 1)
		if got := mustCurrent(t, s, 0); got != 2 {
			t.Fatalf("tick %d: fair task ran while a FIFO task was runnable", i)
		}
	}

	if err := s.BlockTask(2); err != nil {
		t.Fatal(err)
	}
	if got := mustCurrent(t, s, 0); got != 1 {
		t.Fatalf("fair task should resume after the FIFO task blocks, current=%d", got)
	}
}

// A running FIFO task is displaced only by strictly higher priority.
func TestFIFONonPreemption(t *testing.T) {
	s := newTestScheduler(t, 1)

	running := newRTTaskT(t, 1, ClassRealTimeFifo, 50)
	mustEnqueue(t, s, running)

	mustEnqueue(t, s, newRTTaskT(t, 2, ClassRealTimeFifo, 50))
	mustEnqueue(t, s, newRTTaskT(t, 3, ClassRealTimeFifo, 49))
	for i := 0; i < 50; i++ {
		s.Tick(0, 1)
	}
	if got := mustCurrent(t, s, 0); got != 1 {
		t.Fatalf("same/lower priority must not displace a FIFO task, current=%d", got)
	}

	mustEnqueue(t, s, newRTTaskT(t, 4, ClassRealTimeFifo, 60))
	if got := mustCurrent(t, s, 0); got != 4 {
		t.Fatalf("higher priority must preempt, current=%d", got)
	}
}

// N round-robin peers at one priority each get exactly one slice per N
// slices, in rotation order.
func TestRoundRobinRotation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cores = 1
	cfg.RTSliceTicks = 10
	s := New(cfg, nil, nil)

	for id := TaskID(1); id <= 3; id++ {
		mustEnqueue(t, s, newRTTaskT(t, id, ClassRealTimeRoundRobin, 50))
	}

	var order []TaskID
	for i := 0; i < 90; i++ {
		cur := mustCurrent(t, s, 0)
		if n := len(order); n == 0 || order[n-1] != cur {
			order = append(order, cur)
		}
		s.Tick(0, 1)
	}

	want := []TaskID{1, 2, 3, 1, 2, 3, 1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("want 9 slices in 90 ticks, got %d (%v)", len(order), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("rotation order: want %v, got %v", want, order)
		}
	}

	totals := s.CPUTotals()
	for id := TaskID(1); id <= 3; id++ {
		if totals[id] != 30 {
			t.Errorf("task %d: want 30 ticks, got %d", id, totals[id])
		}
	}
}

// block_task twice returns Ok, then ErrInvalidTransition with no state
// change on the second call.
func TestBlockIsNotIdempotent(t *testing.T) {
	s := newTestScheduler(t, 1)
	task := newFairTaskT(t, 1, 0)
	mustEnqueue(t, s, task)

	if err := s.BlockTask(1); err != nil {
		t.Fatalf("first block: %v", err)
	}
	before := s.queues[0].nrRunning
	if err := s.BlockTask(1); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second block: want ErrInvalidTransition, got %v", err)
	}
	if s.queues[0].nrRunning != before {
		t.Error("failed block must leave the run queue untouched")
	}
	if task.State != StateBlocked {
		t.Errorf("task should stay Blocked, got %s", task.State)
	}
}

func TestWakeRequiresBlocked(t *testing.T) {
	s := newTestScheduler(t, 1)
	mustEnqueue(t, s, newFairTaskT(t, 1, 0))

	if err := s.WakeTask(1); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("waking a runnable task: want ErrInvalidTransition, got %v", err)
	}
	if err := s.BlockTask(1); err != nil {
		t.Fatal(err)
	}
	if err := s.WakeTask(1); err != nil {
		t.Fatalf("wake after block: %v", err)
	}
	if got := mustCurrent(t, s, 0); got != 1 {
		t.Fatalf("woken task should be dispatched on the idle core, current=%d", got)
	}
}

func TestBlockLastTaskIdlesCore(t *testing.T) {
	s := newTestScheduler(t, 1)
	mustEnqueue(t, s, newFairTaskT(t, 1, 0))

	if err := s.BlockTask(1); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.CurrentTask(0); ok {
		t.Error("core should be idle after its only task blocks")
	}
}

func TestYield(t *testing.T) {
	s := newTestScheduler(t, 1)
	a := newFairTaskT(t, 1, 0)
	b := newFairTaskT(t, 2, 0)
	mustEnqueue(t, s, a)
	mustEnqueue(t, s, b)

	// Yielding a queued (not running) task is rejected.
	if err := s.YieldTask(2); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("yield of non-running task: want ErrInvalidTransition, got %v", err)
	}

	// Advance a's vruntime past b's, then yield: b must take over.
	for i := 0; i < 5; i++ {
		s.Tick(0, 1)
	}
	cur := mustCurrent(t, s, 0)
	if err := s.YieldTask(cur); err != nil {
		t.Fatal(err)
	}
	if got := mustCurrent(t, s, 0); got == cur && a.Vruntime != b.Vruntime {
		t.Errorf("yield should hand the core to the more entitled task, still %d", got)
	}
}

// A fair task's vruntime never decreases while it runs on one core.
func TestVruntimeMonotonic(t *testing.T) {
	s := newTestScheduler(t, 1)
	a := newFairTaskT(t, 1, 0)
	b := newFairTaskT(t, 2, -5)
	mustEnqueue(t, s, a)
	mustEnqueue(t, s, b)

	lastA, lastB := a.Vruntime, b.Vruntime
	for i := 0; i < 1000; i++ {
		s.Tick(0, 1)
		if a.Vruntime < lastA || b.Vruntime < lastB {
			t.Fatalf("tick %d: vruntime went backwards", i)
		}
		lastA, lastB = a.Vruntime, b.Vruntime
	}
}

func TestTerminate(t *testing.T) {
	s := newTestScheduler(t, 1)
	mustEnqueue(t, s, newFairTaskT(t, 1, 0))
	mustEnqueue(t, s, newFairTaskT(t, 2, 0))

	cur := mustCurrent(t, s, 0)
	if err := s.Terminate(cur); err != nil {
		t.Fatal(err)
	}
	if got := mustCurrent(t, s, 0); got == cur {
		t.Fatal("terminated task still current")
	}
	if err := s.Terminate(cur); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("double terminate: want ErrUnknownTask, got %v", err)
	}
	if s.queues[0].nrRunning != 1 {
		t.Errorf("nr_running should drop to 1, got %d", s.queues[0].nrRunning)
	}
}

func TestStopAndContinue(t *testing.T) {
	s := newTestScheduler(t, 1)
	task := newFairTaskT(t, 1, 0)
	mustEnqueue(t, s, task)

	if err := s.StopTask(1); err != nil {
		t.Fatal(err)
	}
	if task.State != StateStopped {
		t.Fatalf("want Stopped, got %s", task.State)
	}
	if _, ok := s.CurrentTask(0); ok {
		t.Error("core should idle after its only task is stopped")
	}
	// Stop is not block: waking a stopped task must fail.
	if err := s.WakeTask(1); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("wake of stopped task: want ErrInvalidTransition, got %v", err)
	}
	if err := s.ContinueTask(1); err != nil {
		t.Fatal(err)
	}
	if got := mustCurrent(t, s, 0); got != 1 {
		t.Fatalf("continued task should run again, current=%d", got)
	}
}

func TestSetPriority(t *testing.T) {
	s := newTestScheduler(t, 1)
	fair := newFairTaskT(t, 1, 0)
	mustEnqueue(t, s, fair)

	if err := s.SetPriority(1, 50); !errors.Is(err, ErrInvalidPriority) {
		t.Fatalf("nice 50: want ErrInvalidPriority, got %v", err)
	}
	if err := s.SetPriority(1, -5); err != nil {
		t.Fatal(err)
	}
	if fair.Weight != WeightForNice(-5) {
		t.Errorf("weight not recomputed: got %v", fair.Weight)
	}

	// Raising a queued RT task above the running one preempts immediately.
	low := newRTTaskT(t, 2, ClassRealTimeFifo, 40)
	high := newRTTaskT(t, 3, ClassRealTimeFifo, 30)
	mustEnqueue(t, s, low)
	mustEnqueue(t, s, high)
	if got := mustCurrent(t, s, 0); got != 2 {
		t.Fatalf("priority 40 should run, current=%d", got)
	}
	if err := s.SetPriority(3, 0); !errors.Is(err, ErrInvalidPriority) {
		t.Fatalf("rt priority 0: want ErrInvalidPriority, got %v", err)
	}
	if err := s.SetPriority(3, 70); err != nil {
		t.Fatal(err)
	}
	if got := mustCurrent(t, s, 0); got != 3 {
		t.Fatalf("re-prioritized task should preempt, current=%d", got)
	}
}

func TestSetAffinity(t *testing.T) {
	s := newTestScheduler(t, 2)

	running := newFairTaskT(t, 1, 0)
	running.Affinity = NewCoreSet(0)
	mustEnqueue(t, s, running)
	if got := mustCurrent(t, s, 0); got != 1 {
		t.Fatalf("task pinned to core 0, current=%d", got)
	}

	// Excluding a Running task's own core is rejected.
	if err := s.SetAffinity(1, NewCoreSet(1)); !errors.Is(err, ErrAffinityViolation) {
		t.Fatalf("want ErrAffinityViolation, got %v", err)
	}

	// A set allowing none of the cores is rejected.
	if err := s.SetAffinity(1, NewCoreSet(7)); !errors.Is(err, ErrAffinityViolation) {
		t.Fatalf("want ErrAffinityViolation for out-of-range set, got %v", err)
	}

	// A queued task whose core becomes ineligible migrates immediately.
	queued := newFairTaskT(t, 2, 0)
	queued.Affinity = NewCoreSet(0)
	mustEnqueue(t, s, queued)
	if queued.AssignedCore() != 0 {
		t.Fatalf("want placement on core 0, got %d", queued.AssignedCore())
	}
	if err := s.SetAffinity(2, NewCoreSet(1)); err != nil {
		t.Fatal(err)
	}
	if queued.AssignedCore() != 1 {
		t.Errorf("task should have moved to core 1, on %d", queued.AssignedCore())
	}
}

func TestEnqueueErrors(t *testing.T) {
	s := newTestScheduler(t, 2)
	task := newFairTaskT(t, 1, 0)
	mustEnqueue(t, s, task)

	dup := newFairTaskT(t, 1, 0)
	if err := s.Enqueue(dup); !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("want ErrDuplicateTask, got %v", err)
	}

	outside := newFairTaskT(t, 2, 0)
	outside.Affinity = NewCoreSet(9)
	if err := s.Enqueue(outside); !errors.Is(err, ErrAffinityViolation) {
		t.Fatalf("want ErrAffinityViolation, got %v", err)
	}

	if _, err := s.lookup(99); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("want ErrUnknownTask, got %v", err)
	}
}

func TestCurrentTaskOnIdleCore(t *testing.T) {
	s := newTestScheduler(t, 2)
	if _, ok := s.CurrentTask(1); ok {
		t.Error("idle core should report no current task")
	}
	if _, ok := s.CurrentTask(9); ok {
		t.Error("out-of-range core should report no current task")
	}
}

// The context-switch collaborator fires exactly once per dispatch
// transition: one save for the outgoing task, one restore for the incoming.
func TestContextSwitchHook(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cores = 1
	rec := &recordingSwitcher{}
	s := New(cfg, nil, rec)

	mustEnqueue(t, s, newFairTaskT(t, 1, 0)) // dispatch: restore 1
	mustEnqueue(t, s, newRTTaskT(t, 2, ClassRealTimeFifo, 50))
	// preempt: save 1, restore 2

	if len(rec.restores) != 2 || rec.restores[0] != 1 || rec.restores[1] != 2 {
		t.Errorf("restores: want [1 2], got %v", rec.restores)
	}
	if len(rec.saves) != 1 || rec.saves[0] != 1 {
		t.Errorf("saves: want [1], got %v", rec.saves)
	}
}

type recordingSwitcher struct {
	saves    []TaskID
	restores []TaskID
}

func (r *recordingSwitcher) Save(t *Task) OpaqueState {
	r.saves = append(r.saves, t.ID)
	return t.ID
}

func (r *recordingSwitcher) Restore(t *Task, st OpaqueState) {
	r.restores = append(r.restores, t.ID)
}
