package progress

import "context"

// Subscription is a live event feed for one batch. Events() yields events in
// publish order; delivery is best-effort, so consumers that need a gapless
// view replay the log first and deduplicate by sequence number.
type Subscription interface {
	Events() <-chan Event
	// Close releases the subscription. Safe to call more than once.
	Close()
}

// Bus combines the per-batch progress log with live fan-out.
//
// Publish assigns the next sequence number, appends the event to the batch's
// capped log, and delivers it to current subscribers. After a terminal event
// the log is closed and Publish returns ErrLogClosed.
type Bus interface {
	Publish(ctx context.Context, batchID string, stage Stage, message string, pct float64) (uint64, error)
	// Log returns up to limit most recent events in ascending sequence
	// order. limit <= 0 means no limit.
	Log(ctx context.Context, batchID string, limit int) ([]Event, error)
	// Subscribe registers a live feed for the batch. Subscribing to a batch
	// with no events yet is not an error.
	Subscribe(ctx context.Context, batchID string) (Subscription, error)
	// Forget discards all retained state for a batch (log, sequence
	// counter, closed flag). Used when a batch is deleted.
	Forget(ctx context.Context, batchID string) error
	Close() error
}
