package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ArtifactStore persists assembled artifacts until downstream
// processing has consumed them.
type ArtifactStore interface {
	Save(ctx context.Context, batchID string, r io.Reader) (path string, size int64, err error)
	Delete(ctx context.Context, batchID string) error
}

// FilesystemArtifactStore writes one file per batch under a base
// directory.
type FilesystemArtifactStore struct {
	baseDir string
}

func NewFilesystemArtifactStore(baseDir string) (*FilesystemArtifactStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("artifact store: base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact store: create base directory: %w", err)
	}
	return &FilesystemArtifactStore{baseDir: baseDir}, nil
}

func (s *FilesystemArtifactStore) Save(ctx context.Context, batchID string, r io.Reader) (string, int64, error) {
	final := filepath.Join(s.baseDir, batchID)

	tmp, err := os.CreateTemp(s.baseDir, batchID+".tmp-*")
	if err != nil {
		return "", 0, fmt.Errorf("artifact store: create temp file: %w", err)
	}
	size, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("artifact store: write %s: %w", batchID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("artifact store: close %s: %w", batchID, err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("artifact store: finalize %s: %w", batchID, err)
	}
	return final, size, nil
}

func (s *FilesystemArtifactStore) Delete(ctx context.Context, batchID string) error {
	path := filepath.Join(s.baseDir, batchID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("artifact store: delete %s: %w", batchID, err)
	}
	return nil
}
