package upload

import (
	"context"
	"fmt"
	"io"
	"time"

	"scanflow/internal/logging"
	"scanflow/internal/observability"
)

// sessionReader streams a session's chunks in ascending index order as one
// contiguous byte stream. Chunks are opened lazily so the artifact is never
// fully resident in memory.
type sessionReader struct {
	ctx       context.Context
	store     ChunkStore
	sessionID string
	total     int

	index   int
	current io.ReadCloser
	readErr error
}

func newSessionReader(ctx context.Context, store ChunkStore, sessionID string, total int) *sessionReader {
	return &sessionReader{ctx: ctx, store: store, sessionID: sessionID, total: total}
}

func (r *sessionReader) Read(p []byte) (int, error) {
	for {
		if r.current == nil {
			if r.index >= r.total {
				return 0, io.EOF
			}
			cur, err := r.store.Open(r.ctx, r.sessionID, r.index)
			if err != nil {
				r.readErr = err
				return 0, err
			}
			r.current = cur
		}

		n, err := r.current.Read(p)
		if err == io.EOF {
			_ = r.current.Close()
			r.current = nil
			r.index++
			if n > 0 {
				return n, nil
			}
			continue
		}
		if err != nil {
			r.readErr = err
		}
		return n, err
	}
}

func (r *sessionReader) Close() error {
	if r.current != nil {
		err := r.current.Close()
		r.current = nil
		return err
	}
	return nil
}

// Err returns the first chunk read failure observed, if any.
func (r *sessionReader) Err() error {
	return r.readErr
}

// Assembler turns a complete session into a single artifact and hands it to
// the downstream submitter. Assemble is driven solely by the tracker's
// BecameComplete signal, so it runs at most once per session.
type Assembler struct {
	tracker   *Tracker
	store     ChunkStore
	submitter Submitter
	logger    logging.Logger
	metrics   *observability.MetricsCollector
	nowFunc   func() time.Time
}

// AssemblerOption customizes an Assembler.
type AssemblerOption func(*Assembler)

// WithAssemblerLogger sets the assembler logger.
func WithAssemblerLogger(logger logging.Logger) AssemblerOption {
	return func(a *Assembler) {
		a.logger = logging.OrNop(logger)
	}
}

// WithAssemblerMetrics sets the metrics collector.
func WithAssemblerMetrics(m *observability.MetricsCollector) AssemblerOption {
	return func(a *Assembler) {
		a.metrics = m
	}
}

// NewAssembler creates an assembler reading from store and submitting
// through submitter.
func NewAssembler(tracker *Tracker, store ChunkStore, submitter Submitter, opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		tracker:   tracker,
		store:     store,
		submitter: submitter,
		logger:    logging.NewComponentLogger("ChunkAssembler"),
		nowFunc:   time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Assembler) releaseStorage(ctx context.Context, sessionID string) {
	if err := a.store.Delete(ctx, sessionID); err != nil {
		a.logger.Error("Failed to release chunk storage for session %s: %v", sessionID, err)
	}
}

// Assemble concatenates the session's chunks in index order, submits the
// artifact downstream, and releases chunk storage whether or not the
// handoff succeeded.
func (a *Assembler) Assemble(ctx context.Context, sessionID string) (Receipt, error) {
	info, err := a.tracker.Snapshot(sessionID)
	if err != nil {
		return Receipt{}, err
	}
	if info.State != StateAssembling {
		return Receipt{}, &AssemblyError{SessionID: sessionID, Err: fmt.Errorf("session in state %s, not assembling", info.State)}
	}

	started := a.nowFunc()
	reader := newSessionReader(ctx, a.store, sessionID, info.TotalChunks)
	defer func() {
		_ = reader.Close()
	}()

	meta := Metadata{
		SessionID:   info.ID,
		UploadType:  info.UploadType,
		TaskID:      info.TaskID,
		Filename:    info.Filename,
		TotalChunks: info.TotalChunks,
		UploadedAt:  info.CreatedAt,
	}

	receipt, submitErr := a.submitter.Submit(ctx, reader, meta)

	// Storage is reclaimed on every outcome; partial artifacts are never
	// kept around. The terminal state is recorded first so a duplicate
	// chunk write landing after the purge finds a finished session and is
	// swept by the tracker instead of leaking.
	if submitErr != nil {
		a.metrics.RecordAssemblyFailure(ctx)
		if readErr := reader.Err(); readErr != nil {
			a.tracker.MarkFailed(sessionID, readErr.Error())
			a.releaseStorage(ctx, sessionID)
			a.logger.Error("Assembly failed for session %s: %v", sessionID, readErr)
			return Receipt{}, &AssemblyError{SessionID: sessionID, Err: readErr}
		}
		a.tracker.MarkFailed(sessionID, submitErr.Error())
		a.releaseStorage(ctx, sessionID)
		a.logger.Error("Downstream submission failed for session %s: %v", sessionID, submitErr)
		return Receipt{}, &SubmissionError{SessionID: sessionID, Err: submitErr}
	}

	a.tracker.MarkDone(sessionID)
	a.releaseStorage(ctx, sessionID)
	a.tracker.Remove(sessionID)
	a.metrics.RecordAssemblyDuration(ctx, a.nowFunc().Sub(started).Seconds())
	a.logger.Info("Session %s assembled and submitted as batch %s in %s", sessionID, receipt.BatchID, a.nowFunc().Sub(started))
	return receipt, nil
}
