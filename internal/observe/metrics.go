// Package observe provides application-wide observability primitives for
// vocalis: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all vocalis metrics.
const meterName = "github.com/MrWong99/vocalis"

// Analysis stages used as the "stage" attribute.
const (
	StagePitch       = "pitch"
	StageFormant     = "formant"
	StageCalibration = "calibration"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Analysis loop ---

	// AnalysisDuration tracks per-frame analysis time. Use with attribute:
	//   attribute.String("stage", ...)
	AnalysisDuration metric.Float64Histogram

	// Frames counts analysed frames. Use with attribute:
	//   attribute.String("stage", ...)
	Frames metric.Int64Counter

	// Phonemes counts classifier results. Use with attribute:
	//   attribute.String("phoneme", ...)
	Phonemes metric.Int64Counter

	// --- Sessions ---

	// CycleCompletions counts scored cycles. Use with attribute:
	//   attribute.Bool("locked", ...)
	CycleCompletions metric.Int64Counter

	// CycleScore records the overall score of each scored cycle.
	CycleScore metric.Int64Histogram

	// SessionCompletions counts sessions that reached their planned length.
	SessionCompletions metric.Int64Counter

	// ActiveSessions tracks running sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- Calibration ---

	// CalibrationOutcomes counts finished calibration runs. Use with attribute:
	//   attribute.String("outcome", ...)
	CalibrationOutcomes metric.Int64Counter

	// StoreOperations counts profile store calls. Use with attributes:
	//   attribute.String("op", ...), attribute.String("status", ...)
	StoreOperations metric.Int64Counter

	// --- Streaming ---

	// FeedClients tracks connected live-feed websocket clients.
	FeedClients metric.Int64UpDownCounter

	// IngestBytes counts audio payload bytes received. Use with attribute:
	//   attribute.String("codec", ...)
	IngestBytes metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// analysisBuckets defines histogram bucket boundaries (in seconds) for
// single-frame DSP work, which must fit well inside a 16 ms tick.
var analysisBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.016, 0.025, 0.05,
}

var scoreBuckets = []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.AnalysisDuration, err = m.Float64Histogram("vocalis.analysis.duration",
		metric.WithDescription("Time spent analysing one frame, by stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(analysisBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Frames, err = m.Int64Counter("vocalis.analysis.frames",
		metric.WithDescription("Total frames analysed, by stage."),
	); err != nil {
		return nil, err
	}
	if met.Phonemes, err = m.Int64Counter("vocalis.formant.phonemes",
		metric.WithDescription("Total classifier results, by phoneme."),
	); err != nil {
		return nil, err
	}

	if met.CycleCompletions, err = m.Int64Counter("vocalis.cycle.completions",
		metric.WithDescription("Total scored cycles, by locked state."),
	); err != nil {
		return nil, err
	}
	if met.CycleScore, err = m.Int64Histogram("vocalis.cycle.score",
		metric.WithDescription("Overall score of scored cycles."),
		metric.WithExplicitBucketBoundaries(scoreBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionCompletions, err = m.Int64Counter("vocalis.session.completions",
		metric.WithDescription("Total sessions that ran to their planned length."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("vocalis.active_sessions",
		metric.WithDescription("Number of running chanting sessions."),
	); err != nil {
		return nil, err
	}

	if met.CalibrationOutcomes, err = m.Int64Counter("vocalis.calibration.outcomes",
		metric.WithDescription("Total finished calibration runs, by outcome."),
	); err != nil {
		return nil, err
	}
	if met.StoreOperations, err = m.Int64Counter("vocalis.store.operations",
		metric.WithDescription("Total calibration store calls, by operation and status."),
	); err != nil {
		return nil, err
	}

	if met.FeedClients, err = m.Int64UpDownCounter("vocalis.feed.clients",
		metric.WithDescription("Number of connected live-feed clients."),
	); err != nil {
		return nil, err
	}
	if met.IngestBytes, err = m.Int64Counter("vocalis.ingest.bytes",
		metric.WithDescription("Total ingested audio payload bytes, by codec."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("vocalis.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordAnalysis records one analysed frame for stage.
func (m *Metrics) RecordAnalysis(ctx context.Context, stage string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("stage", stage))
	m.AnalysisDuration.Record(ctx, d.Seconds(), attrs)
	m.Frames.Add(ctx, 1, attrs)
}

// RecordPhoneme records one classifier result.
func (m *Metrics) RecordPhoneme(ctx context.Context, phoneme string) {
	m.Phonemes.Add(ctx, 1, metric.WithAttributes(attribute.String("phoneme", phoneme)))
}

// RecordCycle records a completed scored cycle.
func (m *Metrics) RecordCycle(ctx context.Context, score int, locked bool) {
	m.CycleCompletions.Add(ctx, 1, metric.WithAttributes(attribute.String("locked", strconv.FormatBool(locked))))
	m.CycleScore.Record(ctx, int64(score))
}

// RecordCalibration records the outcome of a calibration run.
func (m *Metrics) RecordCalibration(ctx context.Context, outcome string) {
	m.CalibrationOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordStoreOp records a calibration store call. A nil err counts as "ok".
func (m *Metrics) RecordStoreOp(ctx context.Context, op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.StoreOperations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("status", status),
	))
}
