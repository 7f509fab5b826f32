package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorder_ObservePipeline(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorderWith(reg)

	r.ObservePipeline("succeeded", 2*time.Minute)
	r.ObservePipeline("succeeded", 4*time.Minute)
	r.ObservePipeline("blocked", time.Second)

	if got := testutil.ToFloat64(r.pipelinesTotal.WithLabelValues("succeeded")); got != 2 {
		t.Errorf("succeeded pipelines = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.pipelinesTotal.WithLabelValues("blocked")); got != 1 {
		t.Errorf("blocked pipelines = %v, want 1", got)
	}
}

func TestRecorder_ObserveAttempt(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorderWith(reg)

	r.ObserveAttempt("timeout")
	r.ObserveAttempt("timeout")
	r.ObserveAttempt("")

	if got := testutil.ToFloat64(r.attemptsTotal.WithLabelValues("timeout")); got != 2 {
		t.Errorf("timeout attempts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.attemptsTotal.WithLabelValues("succeeded")); got != 1 {
		t.Errorf("clean attempts counted as %v succeeded, want 1", got)
	}
}
