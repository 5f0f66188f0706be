package exam

import "errors"

// Exam settings error types
var (
	ErrInvalidExamID    = errors.New("exam id must be positive")
	ErrCorruptSettings  = errors.New("stored proctoring settings cannot be decoded")
	ErrSettingsMismatch = errors.New("settings exam id does not match the exam")
)
