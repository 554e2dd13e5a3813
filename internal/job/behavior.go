// Package job provides synthetic workload behaviors for driving the
// scheduler simulator. A behavior decides when a simulated task gives up
// the CPU voluntarily; the scheduler itself never suspends anything on its
// own.
package job

// Behavior is consulted once per tick while its task is running. A
// positive return value blocks the task for that many ticks.
type Behavior interface {
	ShouldBlock(ranTicks int64) int64
}

type busy struct{}

// Busy returns a behavior that never blocks: a pure CPU hog.
func Busy() Behavior { return busy{} }

func (busy) ShouldBlock(int64) int64 { return 0 }

type periodic struct {
	run   int64
	sleep int64
}

// Periodic returns a behavior that runs runTicks, then sleeps sleepTicks,
// repeatedly. Models an interactive or I/O-bound task.
func Periodic(runTicks, sleepTicks int64) Behavior {
	if runTicks <= 0 {
		runTicks = 1
	}
	if sleepTicks < 0 {
		sleepTicks = 0
	}
	return periodic{run: runTicks, sleep: sleepTicks}
}

func (p periodic) ShouldBlock(ranTicks int64) int64 {
	if ranTicks > 0 && ranTicks%p.run == 0 {
		return p.sleep
	}
	return 0
}
