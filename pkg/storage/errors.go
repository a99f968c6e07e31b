package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrConflict indicates a conditional write lost an optimistic
	// concurrency race (HTTP 409 from the engine).
	ErrConflict = errors.New("version conflict")
)

// EngineError wraps a non-2xx engine response that is neither a not-found
// nor a conflict.
type EngineError struct {
	StatusCode int
	Body       string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("storage engine returned HTTP %d: %s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a missing-document error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is an optimistic concurrency conflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }
