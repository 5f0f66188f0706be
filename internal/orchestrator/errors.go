package orchestrator

import "errors"

// Orchestrator error types
var (
	ErrNoParticipants = errors.New("break-out room needs at least one connection")
	ErrNotScreen      = errors.New("exam is not bound to screen proctoring")
)
