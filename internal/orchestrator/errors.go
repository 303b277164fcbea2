package orchestrator

import "errors"

// Orchestrator errors.
var (
	ErrIncidentNotFound  = errors.New("incident not found")
	ErrInvalidTransition = errors.New("invalid incident status transition")
	ErrQueueFull         = errors.New("incident queue is full")
	ErrNoJob             = errors.New("no job available")
	ErrInvalidEvent      = errors.New("invalid incident event")
	ErrDuplicate         = errors.New("incident already exists")
	ErrNotVerified       = errors.New("latest verification did not pass")
	ErrAborted           = errors.New("incident aborted")
)
