package upload

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"scanflow/internal/logging"
	"scanflow/internal/observability"
)

// session is the tracker's record of one in-flight chunked upload. Its mutex
// guards the received set and state; it is never held across chunk I/O.
type session struct {
	mu sync.Mutex

	id          string
	totalChunks int
	uploadType  Type
	filename    string
	taskID      string
	createdAt   time.Time

	received     map[int]struct{}
	finalSeen    bool
	state        State
	failureCause string
	lastActivity time.Time
}

// SessionInfo is a point-in-time copy of a session's state.
type SessionInfo struct {
	ID            string
	TotalChunks   int
	UploadType    Type
	Filename      string
	TaskID        string
	CreatedAt     time.Time
	ReceivedCount int
	State         State
	FailureCause  string
}

// Tracker is the upload session state machine. It owns session creation,
// idempotent chunk accounting, and the at-most-once OPEN -> ASSEMBLING
// transition; chunk bytes go through the ChunkStore it is constructed with.
type Tracker struct {
	mu       sync.RWMutex
	sessions map[string]*session

	store   ChunkStore
	logger  logging.Logger
	metrics *observability.MetricsCollector
	nowFunc func() time.Time
}

// TrackerOption customizes a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerLogger sets the tracker logger.
func WithTrackerLogger(logger logging.Logger) TrackerOption {
	return func(t *Tracker) {
		t.logger = logging.OrNop(logger)
	}
}

// WithTrackerMetrics sets the metrics collector.
func WithTrackerMetrics(m *observability.MetricsCollector) TrackerOption {
	return func(t *Tracker) {
		t.metrics = m
	}
}

// WithTrackerClock overrides the time source, for tests.
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		t.nowFunc = now
	}
}

// NewTracker creates a session tracker writing chunk bytes to store.
func NewTracker(store ChunkStore, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		sessions: make(map[string]*session),
		store:    store,
		logger:   logging.NewComponentLogger("SessionTracker"),
		nowFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// validate checks a chunk request against the closed type set and the
// session's recorded values. It mutates nothing.
func validate(req ChunkRequest, existing *session) error {
	if req.TotalChunks < 1 {
		return &ValidationError{Field: "total_chunks", Reason: "must be at least 1"}
	}
	if req.Index < 0 || req.Index >= req.TotalChunks {
		return &ValidationError{Field: "chunk_index", Reason: fmt.Sprintf("must be in [0, %d)", req.TotalChunks)}
	}
	if !req.UploadType.Valid() {
		return &ValidationError{Field: "upload_type", Reason: "unknown upload type"}
	}
	if req.UploadType.RequiresTaskID() && req.TaskID == "" {
		return &ValidationError{Field: "task_id", Reason: fmt.Sprintf("required for upload_type %q", req.UploadType)}
	}

	if existing == nil {
		return nil
	}
	if existing.totalChunks != req.TotalChunks {
		return &ConflictError{
			SessionID: existing.id,
			Field:     "total_chunks",
			Want:      fmt.Sprintf("%d", existing.totalChunks),
			Got:       fmt.Sprintf("%d", req.TotalChunks),
		}
	}
	if existing.uploadType != req.UploadType {
		return &ConflictError{
			SessionID: existing.id,
			Field:     "upload_type",
			Want:      string(existing.uploadType),
			Got:       string(req.UploadType),
		}
	}
	return nil
}

// RecordChunk stores one chunk and updates the session. A chunk without a
// session id opens a new session. Exactly one caller per session observes
// BecameComplete: the one whose chunk made the received set full with the
// final flag seen. On a storage failure the result still carries the
// session id; the session stays open for a retry of the same index.
func (t *Tracker) RecordChunk(ctx context.Context, req ChunkRequest, data io.Reader) (ChunkResult, error) {
	var sess *session
	if req.SessionID == "" {
		if err := validate(req, nil); err != nil {
			return ChunkResult{}, err
		}
		sess = t.createSession(req)
	} else {
		var err error
		sess, err = t.lookupOpen(req.SessionID)
		if err != nil {
			return ChunkResult{}, err
		}
		sess.mu.Lock()
		err = validate(req, sess)
		sess.mu.Unlock()
		if err != nil {
			return ChunkResult{}, err
		}
	}

	// Chunk bytes are written outside the session lock; a put failure
	// leaves the session open for a client retry of the same index. The
	// session id travels with the error so the retry can reference it.
	size, err := t.store.Put(ctx, sess.id, req.Index, data)
	if err != nil {
		t.touch(sess)
		return ChunkResult{SessionID: sess.id, TotalChunks: sess.totalChunks}, err
	}
	t.metrics.RecordChunk(ctx, string(req.UploadType), size)

	sess.mu.Lock()

	if sess.state != StateOpen {
		// A concurrent chunk already completed the session; report without
		// retriggering completion. A terminal state means storage release
		// is done or imminent (the assembler marks first, then purges), so
		// the bytes this request just wrote must be swept rather than left
		// to outlive the session.
		result := ChunkResult{
			SessionID:     sess.id,
			ReceivedCount: len(sess.received),
			TotalChunks:   sess.totalChunks,
		}
		finished := sess.state.Terminal()
		sess.mu.Unlock()
		if finished {
			if derr := t.store.Delete(ctx, sess.id); derr != nil {
				t.logger.Warn("Failed to sweep late chunk for finished session %s: %v", sess.id, derr)
			}
		}
		return result, nil
	}
	defer sess.mu.Unlock()

	sess.received[req.Index] = struct{}{}
	if req.IsFinal {
		sess.finalSeen = true
	}
	sess.lastActivity = t.nowFunc()

	result := ChunkResult{
		SessionID:     sess.id,
		ReceivedCount: len(sess.received),
		TotalChunks:   sess.totalChunks,
	}

	// Completion check-and-set under the session lock: the caller that
	// flips OPEN -> ASSEMBLING is the only one told the session completed.
	if len(sess.received) == sess.totalChunks && sess.finalSeen {
		sess.state = StateAssembling
		result.BecameComplete = true
		t.metrics.RecordSessionCompleted(ctx)
		t.logger.Info("Session %s complete (%d chunks), assembling", sess.id, sess.totalChunks)
	}

	return result, nil
}

func (t *Tracker) createSession(req ChunkRequest) *session {
	now := t.nowFunc()
	sess := &session{
		id:           fmt.Sprintf("upload-%s", uuid.New().String()),
		totalChunks:  req.TotalChunks,
		uploadType:   req.UploadType,
		filename:     req.Filename,
		taskID:       req.TaskID,
		createdAt:    now,
		received:     make(map[int]struct{}),
		state:        StateOpen,
		lastActivity: now,
	}

	t.mu.Lock()
	t.sessions[sess.id] = sess
	t.mu.Unlock()

	t.logger.Info("Opened session %s (%s, %d chunks, file %q)", sess.id, sess.uploadType, sess.totalChunks, sess.filename)
	return sess
}

// lookupOpen returns the session when it exists and is still open. Sessions
// in any other state are indistinguishable from reclaimed ones to callers.
func (t *Tracker) lookupOpen(sessionID string) (*session, error) {
	t.mu.RLock()
	sess, ok := t.sessions[sessionID]
	t.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	sess.mu.Lock()
	open := sess.state == StateOpen
	sess.mu.Unlock()
	if !open {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (t *Tracker) touch(sess *session) {
	sess.mu.Lock()
	sess.lastActivity = t.nowFunc()
	sess.mu.Unlock()
}

// Snapshot returns a copy of the session's current state.
func (t *Tracker) Snapshot(sessionID string) (SessionInfo, error) {
	t.mu.RLock()
	sess, ok := t.sessions[sessionID]
	t.mu.RUnlock()
	if !ok {
		return SessionInfo{}, ErrSessionNotFound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return SessionInfo{
		ID:            sess.id,
		TotalChunks:   sess.totalChunks,
		UploadType:    sess.uploadType,
		Filename:      sess.filename,
		TaskID:        sess.taskID,
		CreatedAt:     sess.createdAt,
		ReceivedCount: len(sess.received),
		State:         sess.state,
		FailureCause:  sess.failureCause,
	}, nil
}

// MarkDone transitions an assembling session to DONE.
func (t *Tracker) MarkDone(sessionID string) {
	t.setState(sessionID, StateDone, "")
}

// MarkFailed transitions a session to FAILED, retaining the cause for
// diagnostics until the entry is removed.
func (t *Tracker) MarkFailed(sessionID, cause string) {
	t.setState(sessionID, StateFailed, cause)
}

func (t *Tracker) setState(sessionID string, state State, cause string) {
	t.mu.RLock()
	sess, ok := t.sessions[sessionID]
	t.mu.RUnlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	sess.state = state
	sess.failureCause = cause
	sess.lastActivity = t.nowFunc()
	sess.mu.Unlock()
}

// Remove drops the tracker entry for a session. Chunk storage is the
// caller's responsibility.
func (t *Tracker) Remove(sessionID string) {
	t.mu.Lock()
	delete(t.sessions, sessionID)
	t.mu.Unlock()
}

// ReapIdle removes sessions idle longer than ttl and returns their ids so
// the caller can purge chunk storage. Assembling sessions are skipped: they
// are owned by an in-flight assembly.
func (t *Tracker) ReapIdle(ttl time.Duration) []string {
	now := t.nowFunc()

	t.mu.Lock()
	defer t.mu.Unlock()

	var reaped []string
	for id, sess := range t.sessions {
		sess.mu.Lock()
		idle := now.Sub(sess.lastActivity) > ttl && sess.state != StateAssembling
		sess.mu.Unlock()
		if idle {
			delete(t.sessions, id)
			reaped = append(reaped, id)
		}
	}
	return reaped
}

// Len returns the number of tracked sessions.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
