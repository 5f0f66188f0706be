package groupsync

import "errors"

var (
	ErrNoSettings = errors.New("group synchronization needs proctoring settings")
)
