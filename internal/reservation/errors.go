package reservation

import "errors"

var (
	ErrNilPool = errors.New("reservation pool is nil")
)
