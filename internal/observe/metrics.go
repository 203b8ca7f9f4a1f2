// Package observe holds the OpenTelemetry instruments voxmerge records while
// processing: external calls, per-stage outcomes, fusion strategy hits and
// reclaimable duplicate bytes.
//
// Tests build Metrics with an SDK ManualReader; production wiring without an
// exporter uses Nop so instrumentation calls stay unconditional.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "voxmerge"

// Metrics holds all instruments. Safe for concurrent use.
type Metrics struct {
	// EncoderCalls counts encoder process invocations.
	EncoderCalls metric.Int64Counter
	// APICalls counts speech-to-text requests, with attribute "status".
	APICalls metric.Int64Counter
	// Retries counts transcription retries.
	Retries metric.Int64Counter
	// ItemOutcomes counts per-item results, with attributes "stage" and "outcome".
	ItemOutcomes metric.Int64Counter
	// FusionResolutions counts resolved references, with attribute "strategy".
	FusionResolutions metric.Int64Counter
	// DuplicateBytes accumulates reclaimable bytes found by duplicate analysis.
	DuplicateBytes metric.Int64Counter
	// StageDuration tracks wall time per stage, with attribute "stage".
	StageDuration metric.Float64Histogram
}

var stageBuckets = []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600}

// NewMetrics creates every instrument from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.EncoderCalls, err = m.Int64Counter("voxmerge.encoder.calls",
		metric.WithDescription("Encoder process invocations."),
	); err != nil {
		return nil, err
	}
	if met.APICalls, err = m.Int64Counter("voxmerge.transcription.api_calls",
		metric.WithDescription("Speech-to-text requests by status."),
	); err != nil {
		return nil, err
	}
	if met.Retries, err = m.Int64Counter("voxmerge.transcription.retries",
		metric.WithDescription("Transcription attempts after the first."),
	); err != nil {
		return nil, err
	}
	if met.ItemOutcomes, err = m.Int64Counter("voxmerge.items",
		metric.WithDescription("Per-item outcomes by stage and outcome."),
	); err != nil {
		return nil, err
	}
	if met.FusionResolutions, err = m.Int64Counter("voxmerge.fusion.resolutions",
		metric.WithDescription("Audio references resolved by strategy."),
	); err != nil {
		return nil, err
	}
	if met.DuplicateBytes, err = m.Int64Counter("voxmerge.dedup.wasted_bytes",
		metric.WithDescription("Bytes held by redundant duplicate copies."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.StageDuration, err = m.Float64Histogram("voxmerge.stage.duration",
		metric.WithDescription("Wall time per pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// Nop returns metrics that record nothing.
func Nop() *Metrics {
	met, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		// The noop provider never fails instrument creation.
		panic(err)
	}
	return met
}

// OrNop returns m, or Nop when m is nil.
func OrNop(m *Metrics) *Metrics {
	if m == nil {
		return Nop()
	}
	return m
}

// Outcome records one item result.
func (m *Metrics) Outcome(ctx context.Context, stage, outcome string) {
	m.ItemOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("outcome", outcome),
	))
}

// APICall records one speech-to-text request.
func (m *Metrics) APICall(ctx context.Context, status string) {
	m.APICalls.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// Resolved records a fusion strategy hit.
func (m *Metrics) Resolved(ctx context.Context, strategy string) {
	m.FusionResolutions.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", strategy)))
}

// Stage records the duration of a stage since start.
func (m *Metrics) Stage(ctx context.Context, stage string, start time.Time) {
	m.StageDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}
