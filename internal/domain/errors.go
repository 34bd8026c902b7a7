package domain

import "errors"

var (
	ErrNotFound              = errors.New("not found")
	ErrDeliveryFailure       = errors.New("delivery failure")
	ErrCapabilityUnavailable = errors.New("no agent offers the required capabilities")
	ErrStepFailure           = errors.New("step failed after exhausting retries")
	ErrTaskTimeout           = errors.New("task deadline exceeded")
	ErrCancelled             = errors.New("task cancelled")

	ErrInvalidMessage    = errors.New("invalid message")
	ErrInvalidDefinition = errors.New("invalid task definition")
	ErrDependencyCycle   = errors.New("step dependencies contain a cycle")
)
