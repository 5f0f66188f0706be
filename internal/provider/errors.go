package provider

import "errors"

var (
	ErrRoomData     = errors.New("room carries no usable provider data")
	ErrNotActivated = errors.New("screen proctoring is not activated for exam")
)
