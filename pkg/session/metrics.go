package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dicomsurface"

// Metrics are the session's Prometheus collectors
type Metrics struct {
	Builds        *prometheus.CounterVec
	Coalesced     prometheus.Counter
	BuildDuration prometheus.Histogram
	Triangles     prometheus.Gauge
	Saves         *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Builds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "builds_total",
			Help:      "Surface builds finished, by result.",
		}, []string{"result"}),
		Coalesced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "coalesced_rebuilds_total",
			Help:      "Rebuild requests merged into a pending build.",
		}),
		BuildDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "build_duration_seconds",
			Help:      "Wall-clock time of surface builds.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		Triangles: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "published_triangles",
			Help:      "Triangle count of the published mesh.",
		}),
		Saves: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "saves_total",
			Help:      "Save requests, by result.",
		}, []string{"result"}),
	}
}
