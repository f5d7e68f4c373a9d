// Package metrics provides Prometheus instrumentation for the idempotency engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder holds the Prometheus collectors emitted by Engine.Execute.
type Recorder struct {
	ExecuteTotal    *prometheus.CounterVec
	ExecuteDuration *prometheus.HistogramVec
	InFlight        prometheus.Gauge
}

// New creates a Recorder registered against the default registerer.
func New() *Recorder {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Recorder registered against a custom registerer,
// so callers and tests can avoid collisions with the global registry.
func NewWithRegistry(registerer prometheus.Registerer) *Recorder {
	r := &Recorder{
		ExecuteTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "idempotency",
				Subsystem: "engine",
				Name:      "execute_total",
				Help:      "Total Execute calls by outcome.",
			},
			[]string{"outcome"},
		),
		ExecuteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "idempotency",
				Subsystem: "engine",
				Name:      "execute_duration_seconds",
				Help:      "Duration of Execute calls by outcome.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
			},
			[]string{"outcome"},
		),
		InFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "idempotency",
				Subsystem: "engine",
				Name:      "execute_in_flight",
				Help:      "Current number of Execute calls awaiting a handler or store response.",
			},
		),
	}

	if registerer != nil {
		registerer.MustRegister(r.ExecuteTotal, r.ExecuteDuration, r.InFlight)
	}
	return r
}

// Observe records one Execute call's outcome and duration. Safe to call on a
// nil Recorder so it can be an optional Engine dependency.
func (r *Recorder) Observe(outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.ExecuteTotal.WithLabelValues(outcome).Inc()
	r.ExecuteDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// TrackInFlight increments InFlight and returns a function that decrements
// it; safe to call on a nil Recorder.
func (r *Recorder) TrackInFlight() func() {
	if r == nil {
		return func() {}
	}
	r.InFlight.Inc()
	return r.InFlight.Dec
}
