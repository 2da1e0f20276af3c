package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vidforge/vidforge/pkg/models"
)

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.ObserveConversion(models.FormatGIF, models.PathCPU, true, 1.5, 1024)
	r.ObserveStall()
	r.ObserveDecision("matrix", models.PathGPU)
}

func TestObserveConversion(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.ObserveConversion(models.FormatGIF, models.PathGPU, true, 2.0, 50_000)
	r.ObserveConversion(models.FormatGIF, models.PathGPU, false, 8.0, 0)
	r.ObserveConversion(models.FormatWebP, models.PathCPU, true, 1.0, 20_000)

	if got := testutil.ToFloat64(r.conversions.WithLabelValues("gif", "gpu", "success")); got != 1 {
		t.Errorf("gif/gpu/success = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.conversions.WithLabelValues("gif", "gpu", "failure")); got != 1 {
		t.Errorf("gif/gpu/failure = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(r.outputSize); got != 2 {
		t.Errorf("output size series = %d, want 2", got)
	}
}

func TestObserveStallAndDecision(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.ObserveStall()
	r.ObserveStall()
	r.ObserveDecision("history", models.PathGPU)

	if got := testutil.ToFloat64(r.stalls); got != 2 {
		t.Errorf("stalls = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.decisions.WithLabelValues("history", "gpu")); got != 1 {
		t.Errorf("decisions = %v, want 1", got)
	}
}
