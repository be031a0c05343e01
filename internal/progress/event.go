package progress

import (
	"errors"
	"time"
)

// Stage identifies where a batch is in its lifecycle. Completed and failed
// are terminal: once either is published for a batch, its log is closed.
type Stage string

const (
	StageUploading  Stage = "uploading"
	StageValidating Stage = "validating"
	StageProcessing Stage = "processing"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
)

// Terminal reports whether the stage ends a batch's event log.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Valid reports whether the stage belongs to the closed stage set.
func (s Stage) Valid() bool {
	switch s {
	case StageUploading, StageValidating, StageProcessing, StageCompleted, StageFailed:
		return true
	}
	return false
}

// Kind is the transport-level classification of an event.
type Kind string

const (
	KindProgress Kind = "progress"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
)

// Event is one progress update for a batch. Sequence numbers increase
// strictly per batch and are the basis for replay deduplication.
type Event struct {
	BatchID            string    `json:"batch_id"`
	Stage              Stage     `json:"stage"`
	Message            string    `json:"message"`
	ProgressPercentage float64   `json:"progress_percentage"`
	Timestamp          time.Time `json:"timestamp"`
	Sequence           uint64    `json:"sequence"`
}

// Kind classifies the event for SSE delivery.
func (e Event) Kind() Kind {
	switch e.Stage {
	case StageCompleted:
		return KindComplete
	case StageFailed:
		return KindError
	default:
		return KindProgress
	}
}

// ErrLogClosed is returned by Publish after a terminal event has been
// appended for the batch. Late publishers treat it as a dropped write.
var ErrLogClosed = errors.New("progress log closed")

// ChannelName returns the channel key shared by publishers and subscribers
// for one batch.
func ChannelName(batchID string) string {
	return "batch:" + batchID + ":progress"
}
