// Package metrics exposes Prometheus instrumentation for the active-learning
// controller.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "al_controller"

// Metrics holds the controller's collectors. Build one per registry.
type Metrics struct {
	// StageDuration measures each timed stage.
	// Labels: stage (query, training, trajectory, clustering), strategy
	StageDuration *prometheus.HistogramVec

	// Selected counts examples proposed to a human.
	// Labels: strategy
	Selected *prometheus.CounterVec

	// Decisions counts human dispositions on proposed examples.
	// Labels: decision (accepted, rejected)
	Decisions *prometheus.CounterVec

	// Errors counts failed operations by error kind.
	// Labels: operation, kind
	Errors *prometheus.CounterVec

	// CurrentIteration is the newest iteration in the workspace, -1 if none.
	CurrentIteration prometheus.Gauge

	// LabeledExamples is the size of the newest iteration's label set.
	LabeledExamples prometheus.Gauge
}

// New registers the collectors with reg. A nil reg uses a private registry
// so repeated construction in tests never collides.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "duration_seconds",
			Help:      "Elapsed time of query, training, trajectory and clustering stages",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600},
		}, []string{"stage", "strategy"}),
		Selected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "selection",
			Name:      "examples_total",
			Help:      "Examples proposed for human review",
		}, []string{"strategy"}),
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feedback",
			Name:      "decisions_total",
			Help:      "Human accept/reject decisions",
		}, []string{"decision"}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Failed operations by error kind",
		}, []string{"operation", "kind"}),
		CurrentIteration: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "iteration",
			Name:      "current",
			Help:      "Newest iteration id, -1 when the workspace is empty",
		}),
		LabeledExamples: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "iteration",
			Name:      "labeled_examples",
			Help:      "Labeled examples in the newest iteration",
		}),
	}
}

// ObserveStage records a stage duration.
func (m *Metrics) ObserveStage(stage, strategy string, elapsed time.Duration) {
	m.StageDuration.WithLabelValues(stage, strategy).Observe(elapsed.Seconds())
}

// ObserveDecisions counts one round of human feedback.
func (m *Metrics) ObserveDecisions(accepted, rejected int) {
	m.Decisions.WithLabelValues("accepted").Add(float64(accepted))
	m.Decisions.WithLabelValues("rejected").Add(float64(rejected))
}

// ObserveError counts a failure. kind is empty for unclassified errors.
func (m *Metrics) ObserveError(operation, kind string) {
	if kind == "" {
		kind = "internal"
	}
	m.Errors.WithLabelValues(operation, kind).Inc()
}

// SetIteration updates the workspace gauges.
func (m *Metrics) SetIteration(iter, labeled int) {
	m.CurrentIteration.Set(float64(iter))
	m.LabeledExamples.Set(float64(labeled))
}
