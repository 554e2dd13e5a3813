package sched

import "errors"

// Error taxonomy. All are recoverable: callers get them back and the
// scheduler's structures are left unchanged.
var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrAffinityViolation = errors.New("affinity violation")
	ErrInvalidPriority   = errors.New("invalid priority")
	ErrUnknownTask       = errors.New("unknown task")
	ErrDuplicateTask     = errors.New("duplicate task")
)
