package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"scanflow/internal/upload"
)

// BatchStatus mirrors the progress stages a batch moves through.
type BatchStatus string

const (
	BatchStatusUploaded   BatchStatus = "uploaded"
	BatchStatusValidating BatchStatus = "validating"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
)

// Batch is the registry record for one submitted artifact.
type Batch struct {
	ID           string      `json:"batch_id"`
	Name         string      `json:"batch_name"`
	UploadType   upload.Type `json:"upload_type"`
	TaskID       string      `json:"task_id,omitempty"`
	Status       BatchStatus `json:"status"`
	SizeBytes    int64       `json:"file_size_bytes"`
	ChunkCount   int         `json:"chunk_count"`
	ArtifactPath string      `json:"-"`
	ErrorMessage string      `json:"error_message,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
}

// BatchStore persists batch records.
type BatchStore interface {
	Create(ctx context.Context, batch *Batch) error
	Get(ctx context.Context, batchID string) (*Batch, error)
	// List returns batches newest first, with the total count before
	// pagination. An empty status filters nothing.
	List(ctx context.Context, status BatchStatus, limit, offset int) ([]*Batch, int, error)
	SetStatus(ctx context.Context, batchID string, status BatchStatus, errorMessage string) error
	Delete(ctx context.Context, batchID string) error
}

// NewBatchID returns a fresh batch identifier.
func NewBatchID() string {
	return fmt.Sprintf("batch-%s", uuid.New().String())
}

// InMemoryBatchStore implements BatchStore with in-memory storage.
type InMemoryBatchStore struct {
	mu      sync.RWMutex
	batches map[string]*Batch
}

// NewInMemoryBatchStore creates a new in-memory batch store.
func NewInMemoryBatchStore() *InMemoryBatchStore {
	return &InMemoryBatchStore{
		batches: make(map[string]*Batch),
	}
}

func (s *InMemoryBatchStore) Create(ctx context.Context, batch *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.batches[batch.ID]; exists {
		return fmt.Errorf("batch already exists: %s", batch.ID)
	}
	copied := *batch
	s.batches[batch.ID] = &copied
	return nil
}

func (s *InMemoryBatchStore) Get(ctx context.Context, batchID string) (*Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batch, exists := s.batches[batchID]
	if !exists {
		return nil, fmt.Errorf("batch not found: %s", batchID)
	}
	copied := *batch
	return &copied, nil
}

func (s *InMemoryBatchStore) List(ctx context.Context, status BatchStatus, limit, offset int) ([]*Batch, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batches := make([]*Batch, 0, len(s.batches))
	for _, batch := range s.batches {
		if status != "" && batch.Status != status {
			continue
		}
		copied := *batch
		batches = append(batches, &copied)
	}

	sort.Slice(batches, func(i, j int) bool {
		return batches[i].CreatedAt.After(batches[j].CreatedAt)
	})

	total := len(batches)
	if offset >= total {
		return []*Batch{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return batches[offset:end], total, nil
}

func (s *InMemoryBatchStore) SetStatus(ctx context.Context, batchID string, status BatchStatus, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, exists := s.batches[batchID]
	if !exists {
		return fmt.Errorf("batch not found: %s", batchID)
	}
	batch.Status = status
	batch.ErrorMessage = errorMessage
	if status == BatchStatusCompleted || status == BatchStatusFailed {
		now := time.Now()
		batch.CompletedAt = &now
	}
	return nil
}

func (s *InMemoryBatchStore) Delete(ctx context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.batches[batchID]; !exists {
		return fmt.Errorf("batch not found: %s", batchID)
	}
	delete(s.batches, batchID)
	return nil
}
