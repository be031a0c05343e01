package upload

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound is returned when a chunk references an unknown or
// already-reclaimed upload session.
var ErrSessionNotFound = errors.New("upload session not found")

// ValidationError rejects a chunk before any state mutation. It is never
// retried automatically.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError rejects a chunk whose declared totals or type disagree with
// the session's recorded values. No mutation occurs.
type ConflictError struct {
	SessionID string
	Field     string
	Want      string
	Got       string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("session %s: %s mismatch (session has %s, chunk declares %s)", e.SessionID, e.Field, e.Want, e.Got)
}

// StorageError wraps a chunk store I/O failure. The session is left open so
// the client may retry the same chunk index.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("chunk storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// AssemblyError marks a session FAILED during artifact concatenation.
// Chunk storage has already been released when it is returned.
type AssemblyError struct {
	SessionID string
	Err       error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("assemble session %s: %v", e.SessionID, e.Err)
}

func (e *AssemblyError) Unwrap() error {
	return e.Err
}

// SubmissionError marks a session FAILED after assembly succeeded but the
// downstream handoff did not. The client must re-upload; there is no
// automatic retry.
type SubmissionError struct {
	SessionID string
	Err       error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit session %s: %v", e.SessionID, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the client may retry the same chunk against
// the same session. Only storage failures qualify; validation, conflict,
// assembly, and submission errors are structural or terminal.
func IsRetryable(err error) bool {
	var storageErr *StorageError
	return errors.As(err, &storageErr)
}
