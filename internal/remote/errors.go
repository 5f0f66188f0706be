package remote

import "errors"

var (
	ErrInvalidBaseURL = errors.New("invalid remote base URL")
	ErrNoContent      = errors.New("remote response has no body")
)
