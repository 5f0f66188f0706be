package router

import "errors"

// Router-specific error types
var (
	ErrRateLimitExceeded  = errors.New("rate limit exceeded for client connection")
	ErrInvalidInstruction = errors.New("invalid instruction")
)
