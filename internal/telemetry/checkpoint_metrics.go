package internaltelemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// CheckpointMetrics holds the metric instruments for one shard's write buffer
// and checkpoint drive.
type CheckpointMetrics struct {
	DrainsStartedCounter     metric.Int64Counter
	DrainsFinishedCounter    metric.Int64Counter
	EntriesFlushedCounter    metric.Int64Counter
	EntriesErroredCounter    metric.Int64Counter
	EntriesSkippedCounter    metric.Int64Counter
	BatchLatencyHistogram    metric.Int64Histogram
	InflightBatchesUpDown    metric.Int64UpDownCounter
	EngineLoadsCounter       metric.Int64Counter
	ImmutableReleasedCounter metric.Int64Counter

	meter metric.Meter
	attrs metric.MeasurementOption
}

// NewCheckpointMetrics creates and registers the checkpoint instruments. All
// measurements carry the shard tag.
func NewCheckpointMetrics(meter metric.Meter, shard string) (*CheckpointMetrics, error) {
	drainsStarted, err := meter.Int64Counter(
		"hybridkv.checkpoint.drains_started_total",
		metric.WithDescription("Total number of checkpoint drains started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	drainsFinished, err := meter.Int64Counter(
		"hybridkv.checkpoint.drains_finished_total",
		metric.WithDescription("Total number of checkpoint drains finalized."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	flushed, err := meter.Int64Counter(
		"hybridkv.checkpoint.entries_flushed_total",
		metric.WithDescription("Entries written to the persistent engine and confirmed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	errored, err := meter.Int64Counter(
		"hybridkv.checkpoint.entries_errored_total",
		metric.WithDescription("Entries that could not be encoded or were abandoned after retries."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	skipped, err := meter.Int64Counter(
		"hybridkv.checkpoint.entries_skipped_total",
		metric.WithDescription("Entries skipped by the scan, by reason."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Int64Histogram(
		"hybridkv.checkpoint.batch_duration",
		metric.WithDescription("Time from batch submission to completion."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	inflight, err := meter.Int64UpDownCounter(
		"hybridkv.checkpoint.inflight_batches",
		metric.WithDescription("Batches submitted to the storage workers and not yet completed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	loads, err := meter.Int64Counter(
		"hybridkv.read.engine_loads_total",
		metric.WithDescription("Keys loaded from the persistent engine by the tiered read path."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	released, err := meter.Int64Counter(
		"hybridkv.checkpoint.immutable_released_total",
		metric.WithDescription("Immutable generations released."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &CheckpointMetrics{
		DrainsStartedCounter:     drainsStarted,
		DrainsFinishedCounter:    drainsFinished,
		EntriesFlushedCounter:    flushed,
		EntriesErroredCounter:    errored,
		EntriesSkippedCounter:    skipped,
		BatchLatencyHistogram:    latency,
		InflightBatchesUpDown:    inflight,
		EngineLoadsCounter:       loads,
		ImmutableReleasedCounter: released,
		meter:                    meter,
		attrs:                    metric.WithAttributes(attribute.String("shard", shard)),
	}, nil
}

// NewNoopCheckpointMetrics is used when telemetry is off and in tests.
func NewNoopCheckpointMetrics() *CheckpointMetrics {
	m, _ := NewCheckpointMetrics(noop.NewMeterProvider().Meter(""), "")
	return m
}

// RegisterQueueDepth reports the async bridge backlog through an observable
// gauge.
func (m *CheckpointMetrics) RegisterQueueDepth(depth func() int64) error {
	_, err := m.meter.Int64ObservableGauge(
		"hybridkv.bridge.queue_depth",
		metric.WithDescription("Tasks waiting for a storage worker."),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(depth(), m.attrs)
			return nil
		}),
	)
	return err
}

func (m *CheckpointMetrics) DrainStarted(ctx context.Context) {
	m.DrainsStartedCounter.Add(ctx, 1, m.attrs)
}

func (m *CheckpointMetrics) DrainFinished(ctx context.Context, complete bool) {
	m.DrainsFinishedCounter.Add(ctx, 1, m.attrs, metric.WithAttributes(attribute.Bool("complete", complete)))
}

func (m *CheckpointMetrics) Flushed(ctx context.Context, n int) {
	if n > 0 {
		m.EntriesFlushedCounter.Add(ctx, int64(n), m.attrs)
	}
}

func (m *CheckpointMetrics) Errored(ctx context.Context, n int) {
	if n > 0 {
		m.EntriesErroredCounter.Add(ctx, int64(n), m.attrs)
	}
}

func (m *CheckpointMetrics) Skipped(ctx context.Context, reason string, n int) {
	if n > 0 {
		m.EntriesSkippedCounter.Add(ctx, int64(n), m.attrs, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func (m *CheckpointMetrics) BatchSubmitted(ctx context.Context) {
	m.InflightBatchesUpDown.Add(ctx, 1, m.attrs)
}

func (m *CheckpointMetrics) BatchCompleted(ctx context.Context, ms int64) {
	m.InflightBatchesUpDown.Add(ctx, -1, m.attrs)
	m.BatchLatencyHistogram.Record(ctx, ms, m.attrs)
}

func (m *CheckpointMetrics) EngineLoad(ctx context.Context) {
	m.EngineLoadsCounter.Add(ctx, 1, m.attrs)
}

func (m *CheckpointMetrics) ImmutableReleased(ctx context.Context) {
	m.ImmutableReleasedCounter.Add(ctx, 1, m.attrs)
}
