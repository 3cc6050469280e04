package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics exported on /metrics.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	PendingRequests   prometheus.Gauge
	OrphanFramesTotal prometheus.Counter
	TimeoutsTotal     prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chimeragate",
				Name:      "requests_total",
				Help:      "Total HTTP requests processed",
			},
			[]string{"status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "chimeragate",
				Name:      "request_duration_seconds",
				Help:      "End-to-end request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		PendingRequests: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "chimeragate",
				Name:      "pending_requests",
				Help:      "Requests parked waiting for a downstream response",
			},
		),
		OrphanFramesTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "chimeragate",
				Name:      "orphan_frames_total",
				Help:      "Downstream frames dropped because no request was waiting",
			},
		),
		TimeoutsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "chimeragate",
				Name:      "timeouts_total",
				Help:      "Requests that timed out waiting for a downstream response",
			},
		),
	}
}
