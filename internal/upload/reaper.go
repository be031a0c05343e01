package upload

import (
	"context"
	"time"

	"scanflow/internal/logging"
	"scanflow/internal/observability"
)

// Reaper reclaims upload sessions that have been idle past their TTL:
// tracker entries are dropped and chunk storage is purged. Cleanup is
// advisory and runs off the request path.
type Reaper struct {
	tracker  *Tracker
	store    ChunkStore
	ttl      time.Duration
	interval time.Duration
	logger   logging.Logger
	metrics  *observability.MetricsCollector
}

// NewReaper creates a reaper for idle sessions.
func NewReaper(tracker *Tracker, store ChunkStore, ttl, interval time.Duration, logger logging.Logger, metrics *observability.MetricsCollector) *Reaper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Reaper{
		tracker:  tracker,
		store:    store,
		ttl:      ttl,
		interval: interval,
		logger:   logging.OrNop(logger),
		metrics:  metrics,
	}
}

// Run loops until ctx is cancelled, sweeping once per interval.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep reclaims every currently idle session and returns how many were
// purged.
func (r *Reaper) Sweep(ctx context.Context) int {
	reaped := r.tracker.ReapIdle(r.ttl)
	for _, sessionID := range reaped {
		if err := r.store.Delete(ctx, sessionID); err != nil {
			r.logger.Error("Failed to purge chunks for reaped session %s: %v", sessionID, err)
			continue
		}
		r.metrics.RecordSessionReaped(ctx)
		r.logger.Info("Reclaimed idle session %s", sessionID)
	}
	return len(reaped)
}
