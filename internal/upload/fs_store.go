package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FilesystemStore implements ChunkStore by writing chunk files under a base
// directory, one subdirectory per session.
type FilesystemStore struct {
	baseDir string
}

// NewFilesystemStore creates a store rooted at baseDir, creating it if
// needed.
func NewFilesystemStore(baseDir string) (*FilesystemStore, error) {
	if baseDir == "" {
		baseDir = "data/chunks"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk dir: %w", err)
	}
	return &FilesystemStore{baseDir: baseDir}, nil
}

func (s *FilesystemStore) chunkPath(sessionID string, index int) string {
	return filepath.Join(s.baseDir, sessionID, fmt.Sprintf("chunk-%05d", index))
}

// Put writes the chunk to a temp file and renames it into place so a
// concurrent reader never observes a partially written chunk.
func (s *FilesystemStore) Put(ctx context.Context, sessionID string, index int, r io.Reader) (int64, error) {
	dir := filepath.Join(s.baseDir, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, &StorageError{Op: "put", Err: fmt.Errorf("ensure session dir: %w", err)}
	}

	tmp, err := os.CreateTemp(dir, fmt.Sprintf(".chunk-%05d-*", index))
	if err != nil {
		return 0, &StorageError{Op: "put", Err: fmt.Errorf("create temp chunk: %w", err)}
	}
	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, r)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return 0, &StorageError{Op: "put", Err: fmt.Errorf("write chunk: %w", err)}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, &StorageError{Op: "put", Err: fmt.Errorf("close chunk: %w", err)}
	}
	if err := os.Rename(tmpPath, s.chunkPath(sessionID, index)); err != nil {
		_ = os.Remove(tmpPath)
		return 0, &StorageError{Op: "put", Err: fmt.Errorf("rename chunk: %w", err)}
	}
	return n, nil
}

func (s *FilesystemStore) Open(ctx context.Context, sessionID string, index int) (io.ReadCloser, error) {
	f, err := os.Open(s.chunkPath(sessionID, index))
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	return f, nil
}

func (s *FilesystemStore) Delete(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if err := os.RemoveAll(filepath.Join(s.baseDir, sessionID)); err != nil {
		return &StorageError{Op: "delete", Err: err}
	}
	return nil
}
