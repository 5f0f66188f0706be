package types

import (
	"errors"
	"fmt"
	"strings"
)

// ARCHITECTURAL DISCOVERY: Sentinel errors let every layer branch with errors.Is
// while typed errors below carry the field or remote context
var (
	ErrNotFound       = errors.New("not found")
	ErrExamNotRunning = errors.New("exam is not running")
	ErrTownhallActive = errors.New("a town-hall room is already active for this exam")
	ErrUnsupported    = errors.New("operation not supported by proctoring provider")
	ErrNotEnabled     = errors.New("proctoring is not enabled for this exam")

	// ErrAllGroupsFull is internal: it triggers creation of a new room or group
	// and is never handed to external callers.
	ErrAllGroupsFull = errors.New("all collecting rooms and groups are full")
)

// ValidationError refers to one offending settings field
type ValidationError struct {
	Field string
	Code  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Code)
}

// NewValidationError builds a field error with the conventional "settings:field:code" code
func NewValidationError(field, code string) *ValidationError {
	return &ValidationError{Field: field, Code: "proctoringSettings:" + field + ":" + code}
}

// ValidationErrors collects every field error found in one pass
type ValidationErrors []*ValidationError

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, e := range v {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "; ")
}

// As lets errors.As extract the first field error
func (v ValidationErrors) As(target any) bool {
	if len(v) == 0 {
		return false
	}
	if t, ok := target.(**ValidationError); ok {
		*t = v[0]
		return true
	}
	return false
}

// ServiceUnavailableError covers network failures, non-2xx server errors and open breakers
type ServiceUnavailableError struct {
	Service    string
	StatusCode int
	Err        error
}

func (e *ServiceUnavailableError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("service %s unavailable: status %d", e.Service, e.StatusCode)
	}
	return fmt.Sprintf("service %s unavailable: %v", e.Service, e.Err)
}

func (e *ServiceUnavailableError) Unwrap() error {
	return e.Err
}

// DataInconsistencyError marks a local record whose remote counterpart is gone
type DataInconsistencyError struct {
	Entity   string
	RemoteID string
}

func (e *DataInconsistencyError) Error() string {
	return fmt.Sprintf("remote %s %s no longer exists", e.Entity, e.RemoteID)
}

// IsValidationError reports whether err carries a settings field error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsServiceUnavailable reports whether err is a recoverable remote failure
func IsServiceUnavailable(err error) bool {
	var su *ServiceUnavailableError
	return errors.As(err, &su)
}

// IsDataInconsistency reports whether err means a remote entity disappeared
func IsDataInconsistency(err error) bool {
	var di *DataInconsistencyError
	return errors.As(err, &di)
}
