// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics, a Prometheus exporter bridge, and HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// wires a Prometheus exporter so everything can be scraped via the standard
// /metrics endpoint. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/vivavoce/viva"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Counters ---

	// SessionsAdmitted counts successfully admitted exam sessions.
	SessionsAdmitted metric.Int64Counter

	// SessionsRejected counts admission rejections. Use with attribute:
	//   attribute.String("code", ...)
	SessionsRejected metric.Int64Counter

	// Reconnections counts grace-period reconnections.
	Reconnections metric.Int64Counter

	// AudioChunksIn counts accepted candidate audio chunks.
	AudioChunksIn metric.Int64Counter

	// AudioChunksOut counts examiner audio chunks delivered to clients.
	AudioChunksOut metric.Int64Counter

	// OperationalErrors counts recoverable per-message errors reported to
	// clients.
	OperationalErrors metric.Int64Counter

	// AdapterErrors counts speech-provider failures, both at setup and
	// mid-session.
	AdapterErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live exam sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- Histograms ---

	// SessionDuration tracks charged exam time per finished session.
	SessionDuration metric.Float64Histogram

	// AdapterSetupDuration tracks speech-provider session setup latency.
	AdapterSetupDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// setupBuckets defines histogram bucket boundaries (in seconds) for
// provider-setup latencies.
var setupBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets defines histogram bucket boundaries (in seconds) for whole
// exam-session durations.
var sessionBuckets = []float64{
	30, 60, 120, 300, 600, 900, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.SessionsAdmitted, err = m.Int64Counter("viva.sessions.admitted",
		metric.WithDescription("Total admitted exam sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionsRejected, err = m.Int64Counter("viva.sessions.rejected",
		metric.WithDescription("Total rejected connection attempts by code."),
	); err != nil {
		return nil, err
	}
	if met.Reconnections, err = m.Int64Counter("viva.sessions.reconnections",
		metric.WithDescription("Total grace-period reconnections."),
	); err != nil {
		return nil, err
	}
	if met.AudioChunksIn, err = m.Int64Counter("viva.audio.chunks_in",
		metric.WithDescription("Total accepted candidate audio chunks."),
	); err != nil {
		return nil, err
	}
	if met.AudioChunksOut, err = m.Int64Counter("viva.audio.chunks_out",
		metric.WithDescription("Total examiner audio chunks delivered."),
	); err != nil {
		return nil, err
	}
	if met.OperationalErrors, err = m.Int64Counter("viva.errors.operational",
		metric.WithDescription("Total recoverable per-message errors."),
	); err != nil {
		return nil, err
	}
	if met.AdapterErrors, err = m.Int64Counter("viva.errors.adapter",
		metric.WithDescription("Total speech-provider failures."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("viva.active_sessions",
		metric.WithDescription("Number of live exam sessions."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.SessionDuration, err = m.Float64Histogram("viva.session.duration",
		metric.WithDescription("Charged exam time per finished session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AdapterSetupDuration, err = m.Float64Histogram("viva.adapter.setup.duration",
		metric.WithDescription("Speech-provider session setup latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(setupBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("viva.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// WithRejectCode builds the attribute option for [Metrics.SessionsRejected].
func WithRejectCode(code string) metric.AddOption {
	return metric.WithAttributes(attribute.String("code", code))
}
