package sched

import (
	"time"
)

// EventKind represents the type of scheduler event.
type EventKind int

const (
	EventEnqueue EventKind = iota
	EventDispatch
	EventPreempt
	EventYield
	EventBlock
	EventWake
	EventStop
	EventContinue
	EventTerminate
	EventMigrate
	EventIdle
)

// Event is emitted on every state-changing scheduler action. The stream is
// advisory: events are dropped rather than block a core holding its run
// queue lock.
type Event struct {
	Time     time.Time
	Kind     EventKind
	Core     CoreID
	TaskID   TaskID
	Vruntime float64
	RanTicks int64
}

func (k EventKind) String() string {
	switch k {
	case EventEnqueue:
		return "Enqueue"
	case EventDispatch:
		return "Dispatch"
	case EventPreempt:
		return "Preempt"
	case EventYield:
		return "Yield"
	case EventBlock:
		return "Block"
	case EventWake:
		return "Wake"
	case EventStop:
		return "Stop"
	case EventContinue:
		return "Continue"
	case EventTerminate:
		return "Terminate"
	case EventMigrate:
		return "Migrate"
	case EventIdle:
		return "Idle"
	default:
		return "Unknown"
	}
}
