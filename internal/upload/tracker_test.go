package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scanflow/internal/logging"
)

func newTestTracker(t *testing.T, opts ...TrackerOption) (*Tracker, *FilesystemStore) {
	t.Helper()
	store, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	opts = append([]TrackerOption{WithTrackerLogger(logging.Nop())}, opts...)
	return NewTracker(store, opts...), store
}

func chunkReq(sessionID string, index, total int, final bool) ChunkRequest {
	return ChunkRequest{
		SessionID:   sessionID,
		Index:       index,
		TotalChunks: total,
		Filename:    "sheets.zip",
		UploadType:  TypeArchiveWithMarker,
		IsFinal:     final,
	}
}

func TestRecordChunkOpensSessionOnFirstChunk(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	res, err := tracker.RecordChunk(ctx, chunkReq("", 0, 3, false), bytes.NewReader([]byte("aaa")))
	require.NoError(t, err)
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, 1, res.ReceivedCount)
	assert.Equal(t, 3, res.TotalChunks)
	assert.False(t, res.BecameComplete)

	info, err := tracker.Snapshot(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, info.State)
	assert.Equal(t, TypeArchiveWithMarker, info.UploadType)
}

func TestRecordChunkValidation(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()
	data := func() io.Reader { return bytes.NewReader([]byte("x")) }

	var validationErr *ValidationError

	// total_chunks must be positive.
	_, err := tracker.RecordChunk(ctx, chunkReq("", 0, 0, false), data())
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "total_chunks", validationErr.Field)

	// Index must be inside [0, total).
	_, err = tracker.RecordChunk(ctx, chunkReq("", 3, 3, false), data())
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "chunk_index", validationErr.Field)

	// Unknown upload type fails fast.
	req := chunkReq("", 0, 1, true)
	req.UploadType = Type("mystery")
	_, err = tracker.RecordChunk(ctx, req, data())
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "upload_type", validationErr.Field)

	// Types without an embedded marker need a task id.
	req = chunkReq("", 0, 1, true)
	req.UploadType = TypeImageSet
	_, err = tracker.RecordChunk(ctx, req, data())
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "task_id", validationErr.Field)

	// Nothing was created by any rejected request.
	assert.Equal(t, 0, tracker.Len())
}

func TestRecordChunkUnknownSession(t *testing.T) {
	tracker, _ := newTestTracker(t)

	_, err := tracker.RecordChunk(context.Background(), chunkReq("upload-nope", 1, 3, false), bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRecordChunkSessionConflicts(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	res, err := tracker.RecordChunk(ctx, chunkReq("", 0, 3, false), bytes.NewReader([]byte("a")))
	require.NoError(t, err)

	var conflictErr *ConflictError

	// total_chunks is fixed by the first chunk.
	_, err = tracker.RecordChunk(ctx, chunkReq(res.SessionID, 1, 4, false), bytes.NewReader([]byte("b")))
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, "total_chunks", conflictErr.Field)

	// So is the upload type.
	req := chunkReq(res.SessionID, 1, 3, false)
	req.UploadType = TypeImageSet
	req.TaskID = "11600111"
	_, err = tracker.RecordChunk(ctx, req, bytes.NewReader([]byte("b")))
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, "upload_type", conflictErr.Field)

	// The conflicting chunks mutated nothing.
	info, err := tracker.Snapshot(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, info.ReceivedCount)
}

func TestReuploadSameIndexIsIdempotent(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	res, err := tracker.RecordChunk(ctx, chunkReq("", 0, 2, false), bytes.NewReader([]byte("first")))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		res2, err := tracker.RecordChunk(ctx, chunkReq(res.SessionID, 0, 2, false), bytes.NewReader([]byte("overwritten")))
		require.NoError(t, err)
		assert.Equal(t, 1, res2.ReceivedCount)
		assert.False(t, res2.BecameComplete)
	}
}

func TestCompletionRequiresFinalFlagNotLastIndex(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	// Chunks arrive out of order: 2 (flagged final), then 0, then 1.
	res, err := tracker.RecordChunk(ctx, chunkReq("", 2, 3, true), bytes.NewReader([]byte("cc")))
	require.NoError(t, err)
	assert.False(t, res.BecameComplete)

	res, err = tracker.RecordChunk(ctx, chunkReq(res.SessionID, 0, 3, false), bytes.NewReader([]byte("aa")))
	require.NoError(t, err)
	assert.False(t, res.BecameComplete)

	res, err = tracker.RecordChunk(ctx, chunkReq(res.SessionID, 1, 3, false), bytes.NewReader([]byte("bb")))
	require.NoError(t, err)
	assert.True(t, res.BecameComplete, "the chunk that filled the set completes the session")

	info, err := tracker.Snapshot(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StateAssembling, info.State)
}

func TestAllChunksWithoutFinalFlagDoesNotComplete(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	res, err := tracker.RecordChunk(ctx, chunkReq("", 0, 2, false), bytes.NewReader([]byte("a")))
	require.NoError(t, err)
	res, err = tracker.RecordChunk(ctx, chunkReq(res.SessionID, 1, 2, false), bytes.NewReader([]byte("b")))
	require.NoError(t, err)
	assert.False(t, res.BecameComplete)

	// The final flag arriving on a re-upload completes it.
	res, err = tracker.RecordChunk(ctx, chunkReq(res.SessionID, 1, 2, true), bytes.NewReader([]byte("b")))
	require.NoError(t, err)
	assert.True(t, res.BecameComplete)
}

func TestConcurrentFinalChunksCompleteExactlyOnce(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	res, err := tracker.RecordChunk(ctx, chunkReq("", 0, 2, false), bytes.NewReader([]byte("a")))
	require.NoError(t, err)
	sessionID := res.SessionID

	const workers = 16
	var wg sync.WaitGroup
	completions := make(chan bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := tracker.RecordChunk(ctx, chunkReq(sessionID, 1, 2, true), bytes.NewReader([]byte("b")))
			if err == nil {
				completions <- r.BecameComplete
			}
		}()
	}
	wg.Wait()
	close(completions)

	completed := 0
	for became := range completions {
		if became {
			completed++
		}
	}
	assert.Equal(t, 1, completed, "exactly one caller must observe completion")
}

func TestChunksAfterCompletionDoNotRetrigger(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	res, err := tracker.RecordChunk(ctx, chunkReq("", 0, 1, true), bytes.NewReader([]byte("all")))
	require.NoError(t, err)
	require.True(t, res.BecameComplete)

	// A session past OPEN is not addressable by further chunks.
	_, err = tracker.RecordChunk(ctx, chunkReq(res.SessionID, 0, 1, true), bytes.NewReader([]byte("again")))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

type failingStore struct {
	ChunkStore
	failPut bool
}

func (s *failingStore) Put(ctx context.Context, sessionID string, index int, r io.Reader) (int64, error) {
	if s.failPut {
		return 0, &StorageError{Op: "put", Err: errors.New("disk full")}
	}
	return s.ChunkStore.Put(ctx, sessionID, index, r)
}

func TestStorageFailureLeavesSessionOpen(t *testing.T) {
	fs, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	store := &failingStore{ChunkStore: fs}
	tracker := NewTracker(store, WithTrackerLogger(logging.Nop()))
	ctx := context.Background()

	res, err := tracker.RecordChunk(ctx, chunkReq("", 0, 2, false), bytes.NewReader([]byte("a")))
	require.NoError(t, err)

	store.failPut = true
	_, err = tracker.RecordChunk(ctx, chunkReq(res.SessionID, 1, 2, true), bytes.NewReader([]byte("b")))
	require.Error(t, err)
	assert.True(t, IsRetryable(err))

	// Session stayed open; the same chunk succeeds on retry.
	store.failPut = false
	res, err = tracker.RecordChunk(ctx, chunkReq(res.SessionID, 1, 2, true), bytes.NewReader([]byte("b")))
	require.NoError(t, err)
	assert.True(t, res.BecameComplete)
}

func TestStorageFailureOnFirstChunkReturnsSessionID(t *testing.T) {
	fs, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	store := &failingStore{ChunkStore: fs, failPut: true}
	tracker := NewTracker(store, WithTrackerLogger(logging.Nop()))
	ctx := context.Background()

	res, err := tracker.RecordChunk(ctx, chunkReq("", 0, 2, false), bytes.NewReader([]byte("a")))
	require.Error(t, err)
	require.NotEmpty(t, res.SessionID, "the session id must travel with the error for retries")
	assert.Equal(t, 2, res.TotalChunks)

	// The freshly opened session accepts a retry of the same chunk.
	store.failPut = false
	res2, err := tracker.RecordChunk(ctx, chunkReq(res.SessionID, 0, 2, false), bytes.NewReader([]byte("a")))
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, res2.SessionID)
	assert.Equal(t, 1, res2.ReceivedCount)
}

// gatedStore lets a test park one Put mid-flight and release it later.
type gatedStore struct {
	ChunkStore
	mu      sync.Mutex
	block   chan struct{}
	entered chan struct{}
}

func (s *gatedStore) armGate() (release, entered chan struct{}) {
	release = make(chan struct{})
	entered = make(chan struct{})
	s.mu.Lock()
	s.block, s.entered = release, entered
	s.mu.Unlock()
	return release, entered
}

func (s *gatedStore) Put(ctx context.Context, sessionID string, index int, r io.Reader) (int64, error) {
	s.mu.Lock()
	block, entered := s.block, s.entered
	s.block, s.entered = nil, nil
	s.mu.Unlock()
	if entered != nil {
		close(entered)
	}
	if block != nil {
		<-block
	}
	return s.ChunkStore.Put(ctx, sessionID, index, r)
}

func TestLateDuplicateChunkAfterPurgeIsSwept(t *testing.T) {
	fs, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	store := &gatedStore{ChunkStore: fs}
	tracker := NewTracker(store, WithTrackerLogger(logging.Nop()))
	assembler := NewAssembler(tracker, store, &captureSubmitter{}, WithAssemblerLogger(logging.Nop()))
	ctx := context.Background()

	res, err := tracker.RecordChunk(ctx, chunkReq("", 0, 2, false), bytes.NewReader([]byte("a")))
	require.NoError(t, err)
	sessionID := res.SessionID

	// A duplicate of chunk 0 stalls inside the store write while the rest
	// of the session completes and is assembled.
	release, entered := store.armGate()
	done := make(chan error, 1)
	go func() {
		_, err := tracker.RecordChunk(ctx, chunkReq(sessionID, 0, 2, false), bytes.NewReader([]byte("a")))
		done <- err
	}()
	<-entered

	final, err := tracker.RecordChunk(ctx, chunkReq(sessionID, 1, 2, true), bytes.NewReader([]byte("b")))
	require.NoError(t, err)
	require.True(t, final.BecameComplete)

	_, err = assembler.Assemble(ctx, sessionID)
	require.NoError(t, err)

	// The duplicate's write now lands after the purge. It must not leave
	// chunk bytes behind for a session that no longer exists.
	close(release)
	require.NoError(t, <-done)

	_, err = fs.Open(ctx, sessionID, 0)
	assert.Error(t, err, "late chunk bytes must be swept after the session finished")
}

func TestTrackerReapIdle(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	tracker, _ := newTestTracker(t, WithTrackerClock(clock))
	ctx := context.Background()

	open, err := tracker.RecordChunk(ctx, chunkReq("", 0, 2, false), bytes.NewReader([]byte("a")))
	require.NoError(t, err)
	assembling, err := tracker.RecordChunk(ctx, chunkReq("", 0, 1, true), bytes.NewReader([]byte("b")))
	require.NoError(t, err)
	require.True(t, assembling.BecameComplete)

	// Nothing is idle yet.
	assert.Empty(t, tracker.ReapIdle(time.Hour))

	now = now.Add(2 * time.Hour)
	reaped := tracker.ReapIdle(time.Hour)
	require.Len(t, reaped, 1)
	assert.Equal(t, open.SessionID, reaped[0])

	// The assembling session survives until its assembly settles.
	_, err = tracker.Snapshot(assembling.SessionID)
	assert.NoError(t, err)
}

func TestParseType(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Type
	}{
		{"archive-with-marker", TypeArchiveWithMarker},
		{"archive-no-marker", TypeArchiveNoMarker},
		{" image-set ", TypeImageSet},
	} {
		got, err := ParseType(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}

	var validationErr *ValidationError
	_, err := ParseType("zip")
	require.ErrorAs(t, err, &validationErr)

	assert.False(t, TypeArchiveWithMarker.RequiresTaskID())
	assert.True(t, TypeArchiveNoMarker.RequiresTaskID())
	assert.True(t, TypeImageSet.RequiresTaskID())
}

func TestSnapshotUnknownSession(t *testing.T) {
	tracker, _ := newTestTracker(t)
	_, err := tracker.Snapshot(fmt.Sprintf("upload-%d", 42))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
