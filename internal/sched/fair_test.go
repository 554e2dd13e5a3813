package sched

import (
	"testing"
)

func newFairTaskT(t *testing.T, id TaskID, nice int) *Task {
	t.Helper()
	task, err := NewFairTask(id, nice, nil)
	if err != nil {
		t.Fatal(err)
	}
	return task
}

func TestFairQueue_EnqueueClampsVruntime(t *testing.T) {
	q := newFairQueue()
	q.minVruntime = 10

	task := newFairTaskT(t, 1, 0)
	task.Vruntime = 3
	q.enqueue(task)
	if task.Vruntime != 10 {
		t.Errorf("stale vruntime should clamp up to the baseline, got %v", task.Vruntime)
	}

	ahead := newFairTaskT(t, 2, 0)
	ahead.Vruntime = 25
	q.enqueue(ahead)
	if ahead.Vruntime != 25 {
		t.Errorf("vruntime above the baseline must not change, got %v", ahead.Vruntime)
	}
}

func TestFairQueue_PickOrder(t *testing.T) {
	q := newFairQueue()
	a := newFairTaskT(t, 2, 0)
	a.Vruntime = 5
	b := newFairTaskT(t, 1, 0)
	b.Vruntime = 5
	c := newFairTaskT(t, 3, 0)
	c.Vruntime = 1
	for _, task := range []*Task{a, b, c} {
		q.enqueue(task)
	}

	if got := q.pickNext(); got != c {
		t.Fatalf("want lowest vruntime first, got task %d", got.ID)
	}
	q.dequeue(c)
	// Equal vruntime: lower id wins.
	if got := q.pickNext(); got != b {
		t.Fatalf("want id tie-break, got task %d", got.ID)
	}
}

func TestFairQueue_DequeueAdvancesMin(t *testing.T) {
	q := newFairQueue()
	a := newFairTaskT(t, 1, 0)
	a.Vruntime = 2
	b := newFairTaskT(t, 2, 0)
	b.Vruntime = 8
	q.enqueue(a)
	q.enqueue(b)

	q.dequeue(a)
	if q.minVruntime != 8 {
		t.Errorf("baseline should advance to the new minimum, got %v", q.minVruntime)
	}
	q.dequeue(b)
	if q.minVruntime != 8 {
		t.Errorf("baseline must never move backwards, got %v", q.minVruntime)
	}
}

func TestFairQueue_OnTickAccrual(t *testing.T) {
	q := newFairQueue()
	heavy := newFairTaskT(t, 1, 0)
	heavy.Weight = 2048
	light := newFairTaskT(t, 2, 0)

	q.onTick(heavy, 4, 1.0)
	if heavy.Vruntime != 2 {
		t.Errorf("weight 2048 over 4 ticks: want vruntime 2, got %v", heavy.Vruntime)
	}
	q.onTick(light, 4, 1.0)
	if light.Vruntime != 4 {
		t.Errorf("weight 1024 over 4 ticks: want vruntime 4, got %v", light.Vruntime)
	}
}

func TestFairQueue_OnTickPreemptionThreshold(t *testing.T) {
	q := newFairQueue()
	waiting := newFairTaskT(t, 2, 0)
	q.enqueue(waiting)

	running := newFairTaskT(t, 1, 0)
	if q.onTick(running, 1, 1.0) {
		t.Error("lead of exactly one granularity should not preempt yet")
	}
	if !q.onTick(running, 1, 1.0) {
		t.Error("lead beyond the granularity should request preemption")
	}
}

func TestFairQueue_TimeSliceBounds(t *testing.T) {
	q := newFairQueue()
	solo := newFairTaskT(t, 1, 0)
	if got := q.timeSlice(solo, 20, 1, 20); got != 20 {
		t.Errorf("lone task should get the whole latency period, got %d", got)
	}

	// Many queued tasks push the proportional share below the floor.
	for id := TaskID(2); id < 60; id++ {
		q.enqueue(newFairTaskT(t, id, 0))
	}
	if got := q.timeSlice(solo, 20, 2, 20); got != 2 {
		t.Errorf("slice should clamp to the minimum, got %d", got)
	}
}
