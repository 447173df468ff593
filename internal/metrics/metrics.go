package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "waste_classifier"

// Metrics collects prediction counters and latencies.
type Metrics struct {
	Predictions *prometheus.CounterVec
	Errors      *prometheus.CounterVec
	Latency     prometheus.Histogram
	Confidence  prometheus.Histogram

	gatherer prometheus.Gatherer
}

func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Predictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "Predictions served, by predicted class.",
		}, []string{"class"}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prediction_errors_total",
			Help:      "Failed prediction requests, by pipeline stage.",
		}, []string{"stage"}),
		Latency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "Time spent in model invocation.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
		Confidence: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prediction_confidence_percent",
			Help:      "Confidence of served predictions.",
			Buckets:   prometheus.LinearBuckets(50, 5, 10),
		}),
		gatherer: reg,
	}
}

func (m *Metrics) ObservePrediction(class string, confidence float32, d time.Duration) {
	m.Predictions.WithLabelValues(class).Inc()
	m.Confidence.Observe(float64(confidence))
	m.Latency.Observe(d.Seconds())
}

// ObserveError counts a failure at stage (upload, decode, inference).
func (m *Metrics) ObserveError(stage string) {
	m.Errors.WithLabelValues(stage).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
