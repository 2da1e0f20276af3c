// Package metrics exposes conversion counters and latency histograms in
// Prometheus format.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vidforge/vidforge/pkg/models"
)

// Recorder holds the Prometheus instruments for the conversion pipeline.
// A nil *Recorder is valid and records nothing, so callers never have to
// guard their instrumentation sites.
type Recorder struct {
	conversions *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	outputSize  *prometheus.HistogramVec
	stalls      prometheus.Counter
	decisions   *prometheus.CounterVec
}

// NewRecorder creates and registers the pipeline instruments. Passing a
// nil registerer uses the default registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		conversions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vidforge_conversions_total",
				Help: "Conversions by output format, execution path, and outcome",
			},
			[]string{"format", "path", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vidforge_conversion_duration_seconds",
				Help:    "Wall-clock conversion duration",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			},
			[]string{"format", "path"},
		),
		outputSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vidforge_output_bytes",
				Help:    "Size of successfully produced outputs",
				Buckets: prometheus.ExponentialBuckets(10_000, 4, 8),
			},
			[]string{"format"},
		),
		stalls: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vidforge_conversion_stalls_total",
				Help: "Conversions terminated by the stall watchdog",
			},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vidforge_strategy_decisions_total",
				Help: "Strategy decisions by deciding rule and chosen path",
			},
			[]string{"source", "path"},
		),
	}

	reg.MustRegister(r.conversions, r.duration, r.outputSize, r.stalls, r.decisions)
	return r
}

// ObserveConversion records one finished conversion attempt
func (r *Recorder) ObserveConversion(format models.Format, path models.Path, success bool, seconds float64, outputBytes int) {
	if r == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	r.conversions.WithLabelValues(string(format), string(path), outcome).Inc()
	r.duration.WithLabelValues(string(format), string(path)).Observe(seconds)
	if success {
		r.outputSize.WithLabelValues(string(format)).Observe(float64(outputBytes))
	}
}

// ObserveStall counts a watchdog termination
func (r *Recorder) ObserveStall() {
	if r == nil {
		return
	}
	r.stalls.Inc()
}

// ObserveDecision counts a strategy decision by its deciding rule
func (r *Recorder) ObserveDecision(source string, path models.Path) {
	if r == nil {
		return
	}
	r.decisions.WithLabelValues(source, string(path)).Inc()
}
