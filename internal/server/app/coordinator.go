package app

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"scanflow/internal/logging"
	"scanflow/internal/observability"
	"scanflow/internal/progress"
	"scanflow/internal/upload"
)

// Processor consumes a spooled artifact after submission. It owns the
// processing and completed stages of the batch's progress stream;
// the coordinator publishes failed on its behalf when it returns an
// error.
type Processor interface {
	Process(ctx context.Context, batch Batch, artifactPath string) error
}

// Coordinator accepts assembled artifacts, registers them as batches
// and hands them to downstream processing. It implements
// upload.Submitter.
type Coordinator struct {
	batches   BatchStore
	artifacts ArtifactStore
	bus       progress.Bus
	processor Processor
	logger    logging.Logger
	metrics   *observability.MetricsCollector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type CoordinatorOption func(*Coordinator)

func WithProcessor(p Processor) CoordinatorOption {
	return func(c *Coordinator) { c.processor = p }
}

func WithCoordinatorLogger(logger logging.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = logger }
}

func WithCoordinatorMetrics(m *observability.MetricsCollector) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

func NewCoordinator(batches BatchStore, artifacts ArtifactStore, bus progress.Bus, opts ...CoordinatorOption) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		batches:   batches,
		artifacts: artifacts,
		bus:       bus,
		logger:    logging.Nop(),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit spools the artifact, registers the batch and starts
// downstream processing. The artifact reader is fully consumed before
// Submit returns; the caller is free to release its backing storage
// afterwards.
func (c *Coordinator) Submit(ctx context.Context, artifact io.Reader, meta upload.Metadata) (upload.Receipt, error) {
	batchID := NewBatchID()

	path, size, err := c.artifacts.Save(ctx, batchID, artifact)
	if err != nil {
		return upload.Receipt{}, fmt.Errorf("spool artifact for %s: %w", batchID, err)
	}

	name := meta.Filename
	if name == "" {
		name = filepath.Base(path)
	}
	batch := Batch{
		ID:           batchID,
		Name:         name,
		UploadType:   meta.UploadType,
		TaskID:       meta.TaskID,
		Status:       BatchStatusValidating,
		SizeBytes:    size,
		ChunkCount:   meta.TotalChunks,
		ArtifactPath: path,
		CreatedAt:    meta.UploadedAt,
	}
	if err := c.batches.Create(ctx, &batch); err != nil {
		c.artifacts.Delete(ctx, batchID)
		return upload.Receipt{}, fmt.Errorf("register batch %s: %w", batchID, err)
	}

	if _, err := c.bus.Publish(ctx, batchID, progress.StageValidating, "Upload received, validating contents", 0); err != nil {
		c.logger.Warn("Publish validating event for %s failed: %v", batchID, err)
	}
	c.metrics.RecordBatchSubmitted(ctx, string(meta.UploadType))
	c.logger.Info("Batch %s registered (%s, %d bytes, %d chunks)", batchID, meta.UploadType, size, meta.TotalChunks)

	if c.processor != nil {
		c.wg.Add(1)
		go c.runProcessor(batch)
	}

	return upload.Receipt{BatchID: batchID, Status: string(batch.Status)}, nil
}

func (c *Coordinator) runProcessor(batch Batch) {
	defer c.wg.Done()

	if err := c.batches.SetStatus(c.ctx, batch.ID, BatchStatusProcessing, ""); err != nil {
		c.logger.Warn("Mark batch %s processing: %v", batch.ID, err)
	}
	if err := c.processor.Process(c.ctx, batch, batch.ArtifactPath); err != nil {
		c.logger.Error("Batch %s processing failed: %v", batch.ID, err)
		if serr := c.batches.SetStatus(c.ctx, batch.ID, BatchStatusFailed, err.Error()); serr != nil {
			c.logger.Warn("Mark batch %s failed: %v", batch.ID, serr)
		}
		if _, perr := c.bus.Publish(c.ctx, batch.ID, progress.StageFailed, err.Error(), 0); perr != nil {
			c.logger.Warn("Publish failed event for %s: %v", batch.ID, perr)
		}
		return
	}
	if err := c.batches.SetStatus(c.ctx, batch.ID, BatchStatusCompleted, ""); err != nil {
		c.logger.Warn("Mark batch %s completed: %v", batch.ID, err)
	}
}

// GetBatch returns the registry record for a batch.
func (c *Coordinator) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	return c.batches.Get(ctx, batchID)
}

// ListBatches returns registered batches newest first.
func (c *Coordinator) ListBatches(ctx context.Context, status BatchStatus, limit, offset int) ([]*Batch, int, error) {
	return c.batches.List(ctx, status, limit, offset)
}

// DeleteBatch removes a batch record together with its spooled
// artifact and progress log.
func (c *Coordinator) DeleteBatch(ctx context.Context, batchID string) error {
	if _, err := c.batches.Get(ctx, batchID); err != nil {
		return err
	}
	if err := c.artifacts.Delete(ctx, batchID); err != nil {
		c.logger.Warn("Delete artifact for %s: %v", batchID, err)
	}
	if err := c.bus.Forget(ctx, batchID); err != nil {
		c.logger.Warn("Forget progress log for %s: %v", batchID, err)
	}
	return c.batches.Delete(ctx, batchID)
}

// Close stops accepting processor work and waits for in-flight
// processing to finish.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}
