// Package observe provides application-wide observability primitives for
// voicelink: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voicelink/internal/realtime"
)

// meterName is the instrumentation scope name used for all voicelink metrics.
const meterName = "github.com/MrWong99/voicelink"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TurnLatency tracks the time from committing a turn to publishing its
	// final text.
	TurnLatency metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   http.response.status_code
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// SessionEvents mirrors the per-session engine counters. Use with attributes:
	//   attribute.String("event", ...), attribute.String("session_id", ...)
	SessionEvents metric.Int64Counter

	// ProviderConnects counts realtime dial attempts. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderConnects metric.Int64Counter

	// Reconnects counts sessions replaced after a transport failure.
	Reconnects metric.Int64Counter

	// BreakerTransitions counts endpoint circuit breaker state changes. Use
	// with attributes:
	//   attribute.String("provider", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// TranscriptWrites counts finished turns persisted. Use with attribute:
	//   attribute.String("status", ...)
	TranscriptWrites metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live realtime sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for commit-to-text latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 0.75, 1, 1.5, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnLatency, err = m.Float64Histogram("voicelink.turn.latency",
		metric.WithDescription("Time from committing a turn to its final text."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicelink.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SessionEvents, err = m.Int64Counter("voicelink.session.events",
		metric.WithDescription("Realtime session events by event name and session."),
	); err != nil {
		return nil, err
	}
	if met.ProviderConnects, err = m.Int64Counter("voicelink.provider.connects",
		metric.WithDescription("Realtime provider dial attempts by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("voicelink.session.reconnects",
		metric.WithDescription("Sessions re-established after a transport failure."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("voicelink.provider.breaker.transitions",
		metric.WithDescription("Endpoint circuit breaker transitions by provider and new state."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptWrites, err = m.Int64Counter("voicelink.transcript.writes",
		metric.WithDescription("Finished turns written to the transcript store by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicelink.active_sessions",
		metric.WithDescription("Number of live realtime sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// RecordProviderConnect records a dial attempt against provider. status is
// "ok" or "error".
func (m *Metrics) RecordProviderConnect(ctx context.Context, provider, status string) {
	m.ProviderConnects.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordReconnect records a successful session replacement.
func (m *Metrics) RecordReconnect(ctx context.Context) {
	m.Reconnects.Add(ctx, 1)
}

// RecordBreakerTransition records provider's circuit breaker entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("state", state),
		),
	)
}

// RecordTranscriptWrite records a transcript store write. status is "ok" or
// "error".
func (m *Metrics) RecordTranscriptWrite(ctx context.Context, status string) {
	m.TranscriptWrites.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// ── Session recorder ─────────────────────────────────────────────────────────

var _ realtime.Recorder = (*SessionRecorder)(nil)

// SessionRecorder mirrors one realtime session's counters into [Metrics].
// It counts the session as active from creation until [SessionRecorder.End].
type SessionRecorder struct {
	m       *Metrics
	id      string
	attrs   attribute.Set
	endOnce sync.Once
}

// SessionRecorder returns a recorder for the session with the given ID and
// increments [Metrics.ActiveSessions].
func (m *Metrics) SessionRecorder(sessionID string) *SessionRecorder {
	m.ActiveSessions.Add(context.Background(), 1)
	return &SessionRecorder{
		m:     m,
		id:    sessionID,
		attrs: attribute.NewSet(attribute.String("session_id", sessionID)),
	}
}

// Recorder adapts [Metrics.SessionRecorder] to the factory signature taken by
// [realtime.WithRecorder].
func (m *Metrics) Recorder() func(sessionID string) realtime.Recorder {
	return func(sessionID string) realtime.Recorder { return m.SessionRecorder(sessionID) }
}

// Count adds n to the event counter called name.
func (r *SessionRecorder) Count(name string, n int64) {
	r.m.SessionEvents.Add(context.Background(), n,
		metric.WithAttributes(
			attribute.String("event", name),
			attribute.String("session_id", r.id),
		),
	)
}

// TurnLatency records d in the turn latency histogram.
func (r *SessionRecorder) TurnLatency(d time.Duration) {
	r.m.TurnLatency.Record(context.Background(), d.Seconds(), metric.WithAttributeSet(r.attrs))
}

// End marks the session as no longer active. Safe to call more than once.
func (r *SessionRecorder) End() {
	r.endOnce.Do(func() {
		r.m.ActiveSessions.Add(context.Background(), -1)
	})
}
