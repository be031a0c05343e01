package observability

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages all metrics for the upload and progress pipeline.
type MetricsCollector struct {
	meter metric.Meter

	// Upload metrics
	chunksReceived    metric.Int64Counter
	chunkBytes        metric.Int64Counter
	sessionsCompleted metric.Int64Counter
	sessionsReaped    metric.Int64Counter
	assemblyFailures  metric.Int64Counter
	assemblyDuration  metric.Float64Histogram

	// Batch metrics
	batchesSubmitted metric.Int64Counter

	// Progress metrics
	eventsPublished metric.Int64Counter
	eventsDropped   metric.Int64Counter
	streamsActive   metric.Int64UpDownCounter
}

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled bool
}

// NewMetricsCollector creates a new metrics collector backed by the
// Prometheus exporter. When disabled, all record methods are no-ops.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("scanflow")

	chunksReceived, err := meter.Int64Counter(
		"scanflow.upload.chunks.total",
		metric.WithDescription("Total number of uploaded chunks accepted"),
		metric.WithUnit("{chunk}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create chunks counter: %w", err)
	}

	chunkBytes, err := meter.Int64Counter(
		"scanflow.upload.bytes.total",
		metric.WithDescription("Total chunk bytes written to the chunk store"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk bytes counter: %w", err)
	}

	sessionsCompleted, err := meter.Int64Counter(
		"scanflow.upload.sessions.completed.total",
		metric.WithDescription("Upload sessions that reached assembly"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions counter: %w", err)
	}

	sessionsReaped, err := meter.Int64Counter(
		"scanflow.upload.sessions.reaped.total",
		metric.WithDescription("Idle upload sessions reclaimed by the reaper"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reaped counter: %w", err)
	}

	assemblyFailures, err := meter.Int64Counter(
		"scanflow.upload.assembly.failures.total",
		metric.WithDescription("Assemblies that failed or whose handoff failed"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create assembly failures counter: %w", err)
	}

	assemblyDuration, err := meter.Float64Histogram(
		"scanflow.upload.assembly.duration",
		metric.WithDescription("Artifact assembly duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create assembly histogram: %w", err)
	}

	batchesSubmitted, err := meter.Int64Counter(
		"scanflow.batches.submitted.total",
		metric.WithDescription("Assembled artifacts registered as batches"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batches counter: %w", err)
	}

	eventsPublished, err := meter.Int64Counter(
		"scanflow.progress.events.published.total",
		metric.WithDescription("Progress events appended to subject logs"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events counter: %w", err)
	}

	eventsDropped, err := meter.Int64Counter(
		"scanflow.progress.events.dropped.total",
		metric.WithDescription("Live events dropped due to slow subscribers"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dropped counter: %w", err)
	}

	streamsActive, err := meter.Int64UpDownCounter(
		"scanflow.progress.streams.active",
		metric.WithDescription("Currently connected progress streams"),
		metric.WithUnit("{stream}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streams gauge: %w", err)
	}

	return &MetricsCollector{
		meter:             meter,
		chunksReceived:    chunksReceived,
		chunkBytes:        chunkBytes,
		sessionsCompleted: sessionsCompleted,
		sessionsReaped:    sessionsReaped,
		assemblyFailures:  assemblyFailures,
		assemblyDuration:  assemblyDuration,
		batchesSubmitted:  batchesSubmitted,
		eventsPublished:   eventsPublished,
		eventsDropped:     eventsDropped,
		streamsActive:     streamsActive,
	}, nil
}

// Handler returns the Prometheus scrape handler, or nil when metrics are
// disabled.
func (m *MetricsCollector) Handler() http.Handler {
	if m == nil || m.meter == nil {
		return nil
	}
	return promclient.Handler()
}

// RecordChunk records an accepted chunk and its size in bytes.
func (m *MetricsCollector) RecordChunk(ctx context.Context, uploadType string, size int64) {
	if m == nil || m.meter == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("upload_type", uploadType))
	m.chunksReceived.Add(ctx, 1, attrs)
	m.chunkBytes.Add(ctx, size, attrs)
}

// RecordSessionCompleted records a session reaching assembly.
func (m *MetricsCollector) RecordSessionCompleted(ctx context.Context) {
	if m == nil || m.meter == nil {
		return
	}
	m.sessionsCompleted.Add(ctx, 1)
}

// RecordSessionReaped records a session reclaimed by the reaper.
func (m *MetricsCollector) RecordSessionReaped(ctx context.Context) {
	if m == nil || m.meter == nil {
		return
	}
	m.sessionsReaped.Add(ctx, 1)
}

// RecordAssemblyFailure records a failed assembly or handoff.
func (m *MetricsCollector) RecordAssemblyFailure(ctx context.Context) {
	if m == nil || m.meter == nil {
		return
	}
	m.assemblyFailures.Add(ctx, 1)
}

// RecordAssemblyDuration records how long an assembly took.
func (m *MetricsCollector) RecordAssemblyDuration(ctx context.Context, seconds float64) {
	if m == nil || m.meter == nil {
		return
	}
	m.assemblyDuration.Record(ctx, seconds)
}

// RecordBatchSubmitted records a batch registered from an assembled artifact.
func (m *MetricsCollector) RecordBatchSubmitted(ctx context.Context, uploadType string) {
	if m == nil || m.meter == nil {
		return
	}
	m.batchesSubmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("upload_type", uploadType)))
}

// RecordEventPublished records a progress event append.
func (m *MetricsCollector) RecordEventPublished(ctx context.Context, stage string) {
	if m == nil || m.meter == nil {
		return
	}
	m.eventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordEventDropped records a live event dropped on a full subscriber buffer.
func (m *MetricsCollector) RecordEventDropped(ctx context.Context) {
	if m == nil || m.meter == nil {
		return
	}
	m.eventsDropped.Add(ctx, 1)
}

// StreamOpened increments the active stream gauge.
func (m *MetricsCollector) StreamOpened(ctx context.Context) {
	if m == nil || m.meter == nil {
		return
	}
	m.streamsActive.Add(ctx, 1)
}

// StreamClosed decrements the active stream gauge.
func (m *MetricsCollector) StreamClosed(ctx context.Context) {
	if m == nil || m.meter == nil {
		return
	}
	m.streamsActive.Add(ctx, -1)
}
