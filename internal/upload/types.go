package upload

import (
	"context"
	"io"
	"strings"
	"time"
)

// Type is the closed set of accepted upload kinds. Archives without an
// embedded marker sheet and loose image sets carry no identifier of their
// own, so those require an external task id.
type Type string

const (
	TypeArchiveWithMarker Type = "archive-with-marker"
	TypeArchiveNoMarker   Type = "archive-no-marker"
	TypeImageSet          Type = "image-set"
)

// ParseType maps a request string onto the closed type set. Unknown tags
// fail fast as a ValidationError.
func ParseType(s string) (Type, error) {
	switch Type(strings.TrimSpace(s)) {
	case TypeArchiveWithMarker:
		return TypeArchiveWithMarker, nil
	case TypeArchiveNoMarker:
		return TypeArchiveNoMarker, nil
	case TypeImageSet:
		return TypeImageSet, nil
	default:
		return "", &ValidationError{
			Field:  "upload_type",
			Reason: "must be one of: archive-with-marker, archive-no-marker, image-set",
		}
	}
}

// RequiresTaskID reports whether the type needs an externally supplied task
// identifier.
func (t Type) RequiresTaskID() bool {
	return t == TypeArchiveNoMarker || t == TypeImageSet
}

// Valid reports whether the type belongs to the closed set.
func (t Type) Valid() bool {
	switch t {
	case TypeArchiveWithMarker, TypeArchiveNoMarker, TypeImageSet:
		return true
	}
	return false
}

// State is the completion state of an upload session.
type State int

const (
	StateOpen State = iota
	StateAssembling
	StateDone
	StateFailed
)

// Terminal reports whether the session has finished, successfully or not.
// Chunk storage is released before a session reaches a terminal state.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateAssembling:
		return "assembling"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ChunkStore is durable scratch storage for session chunks. Per-key
// operations are independent; implementations hold no cross-session locks.
type ChunkStore interface {
	// Put stores the chunk bytes for (sessionID, index), overwriting any
	// previous bytes for that index, and returns the byte count written.
	Put(ctx context.Context, sessionID string, index int, r io.Reader) (int64, error)
	// Open returns a reader over the stored bytes for (sessionID, index).
	Open(ctx context.Context, sessionID string, index int) (io.ReadCloser, error)
	// Delete removes every chunk stored for the session. Deleting a
	// session with no chunks is not an error.
	Delete(ctx context.Context, sessionID string) error
}

// ChunkRequest carries one inbound chunk's metadata.
type ChunkRequest struct {
	SessionID   string // empty on the first chunk of a new session
	Index       int
	TotalChunks int
	Filename    string
	UploadType  Type
	TaskID      string
	IsFinal     bool
}

// ChunkResult reports the session state after a chunk was recorded.
// BecameComplete is true for exactly one call per session: the one whose
// chunk made the session complete.
type ChunkResult struct {
	SessionID      string
	ReceivedCount  int
	TotalChunks    int
	BecameComplete bool
}

// Metadata describes an assembled artifact for the downstream collaborator.
type Metadata struct {
	SessionID   string
	UploadType  Type
	TaskID      string
	Filename    string
	TotalChunks int
	UploadedAt  time.Time
}

// Receipt is the downstream collaborator's acknowledgement of a submitted
// artifact.
type Receipt struct {
	BatchID string
	Status  string
}

// Submitter is the external job-submission collaborator. It is invoked once
// per completed session with a streaming reader over the assembled artifact.
type Submitter interface {
	Submit(ctx context.Context, artifact io.Reader, meta Metadata) (Receipt, error)
}
