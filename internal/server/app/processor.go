package app

import (
	"context"
	"fmt"
	"os"

	"scanflow/internal/logging"
	"scanflow/internal/progress"
)

// PassthroughProcessor is the default Processor: it verifies the spooled
// artifact is readable, publishes the processing stage, and completes the
// batch. It stands in until a real document pipeline is attached.
type PassthroughProcessor struct {
	bus    progress.Bus
	logger logging.Logger
}

func NewPassthroughProcessor(bus progress.Bus, logger logging.Logger) *PassthroughProcessor {
	return &PassthroughProcessor{bus: bus, logger: logging.OrNop(logger)}
}

func (p *PassthroughProcessor) Process(ctx context.Context, batch Batch, artifactPath string) error {
	info, err := os.Stat(artifactPath)
	if err != nil {
		return fmt.Errorf("artifact for %s unreadable: %w", batch.ID, err)
	}
	if info.Size() != batch.SizeBytes {
		return fmt.Errorf("artifact for %s truncated: have %d bytes, recorded %d", batch.ID, info.Size(), batch.SizeBytes)
	}

	if _, err := p.bus.Publish(ctx, batch.ID, progress.StageProcessing, "Artifact accepted for processing", 50); err != nil {
		p.logger.Warn("Publish processing event for %s: %v", batch.ID, err)
	}
	if _, err := p.bus.Publish(ctx, batch.ID, progress.StageCompleted, "Batch ready", 100); err != nil {
		p.logger.Warn("Publish completed event for %s: %v", batch.ID, err)
	}
	p.logger.Info("Batch %s passed through (%d bytes)", batch.ID, info.Size())
	return nil
}
