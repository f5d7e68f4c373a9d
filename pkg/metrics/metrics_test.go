package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewWithRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	r := NewWithRegistry(registry)

	if r.ExecuteTotal == nil || r.ExecuteDuration == nil || r.InFlight == nil {
		t.Fatal("NewWithRegistry() returned a Recorder with nil collectors")
	}
}

func TestObserveIncrementsCounter(t *testing.T) {
	registry := prometheus.NewRegistry()
	r := NewWithRegistry(registry)

	r.Observe("hit", 5*time.Millisecond)
	r.Observe("hit", 7*time.Millisecond)

	metric := &dto.Metric{}
	if err := r.ExecuteTotal.WithLabelValues("hit").Write(metric); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := metric.GetCounter().GetValue(); got != 2 {
		t.Errorf("counter = %v, want 2", got)
	}
}

func TestTrackInFlight(t *testing.T) {
	registry := prometheus.NewRegistry()
	r := NewWithRegistry(registry)

	done := r.TrackInFlight()
	metric := &dto.Metric{}
	if err := r.InFlight.Write(metric); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := metric.GetGauge().GetValue(); got != 1 {
		t.Errorf("in-flight = %v, want 1", got)
	}

	done()
	if err := r.InFlight.Write(metric); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := metric.GetGauge().GetValue(); got != 0 {
		t.Errorf("in-flight after done = %v, want 0", got)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.Observe("hit", time.Millisecond)
	done := r.TrackInFlight()
	done()
}
