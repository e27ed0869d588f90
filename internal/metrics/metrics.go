// Package metrics groups the Prometheus instruments of the puppet engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is nil-safe: every method on a nil *Metrics is a no-op.
type Metrics struct {
	SessionStatus     *prometheus.GaugeVec
	Loads             *prometheus.CounterVec
	SkippedParams     *prometheus.CounterVec
	ContextLosses     prometheus.Counter
	RestoreAttempts   *prometheus.CounterVec
	Dispatches        *prometheus.CounterVec
	FrameApplyLatency prometheus.Histogram
}

func New(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_status",
			Help:      "1 for the current status of each render session.",
		}, []string{"session", "status"}),
		Loads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_loads_total",
			Help:      "Model load requests by outcome.",
		}, []string{"outcome"}),
		SkippedParams: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_parameters_total",
			Help:      "Frame fields skipped because the model lacks the parameter.",
		}, []string{"param"}),
		ContextLosses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_losses_total",
			Help:      "GPU context loss signals received.",
		}),
		RestoreAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restore_attempts_total",
			Help:      "Context restore attempts by result.",
		}, []string{"result"}),
		Dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emotion_dispatches_total",
			Help:      "Emotion dispatches by canonical label and result.",
		}, []string{"label", "result"}),
		FrameApplyLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_apply_seconds",
			Help:      "Time spent writing one parameter frame to the model.",
			Buckets:   []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.016},
		}),
	}
}

func (m *Metrics) SetSessionStatus(session, status string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == status {
			v = 1
		}
		m.SessionStatus.WithLabelValues(session, s).Set(v)
	}
}

func (m *Metrics) LoadOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Loads.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SkippedParam(param string) {
	if m == nil {
		return
	}
	m.SkippedParams.WithLabelValues(param).Inc()
}

func (m *Metrics) ContextLost() {
	if m == nil {
		return
	}
	m.ContextLosses.Inc()
}

func (m *Metrics) RestoreAttempt(result string) {
	if m == nil {
		return
	}
	m.RestoreAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) Dispatch(label, result string) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(label, result).Inc()
}

func (m *Metrics) ObserveFrameApply(d time.Duration) {
	if m == nil {
		return
	}
	m.FrameApplyLatency.Observe(d.Seconds())
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
