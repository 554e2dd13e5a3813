package sched

// OpaqueState is whatever the platform's context-switch primitive needs to
// resume a task. The scheduler stores it per task and never looks inside.
type OpaqueState any

// ContextSwitcher is the hardware context-switch collaborator. Save and
// Restore are each invoked exactly once per dispatch transition and are
// assumed to always succeed.
type ContextSwitcher interface {
	Save(t *Task) OpaqueState
	Restore(t *Task, state OpaqueState)
}

// nopSwitcher is the default when no platform hook is installed.
type nopSwitcher struct{}

func (nopSwitcher) Save(*Task) OpaqueState     { return nil }
func (nopSwitcher) Restore(*Task, OpaqueState) {}

// NopContextSwitcher returns a no-op context-switch collaborator, suitable
// for simulation and tests.
func NopContextSwitcher() ContextSwitcher { return nopSwitcher{} }
