package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for request outcomes.
type Metrics struct {
	requests      *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
}

// NewMetrics registers the engine collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orderdash_cache_requests_total",
			Help: "Requests handled by the cache engine by class and outcome source.",
		}, []string{"class", "outcome"}),
		fetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orderdash_cache_fetch_duration_seconds",
			Help:    "Duration of network fetches issued by the cache engine.",
			Buckets: prometheus.DefBuckets,
		}, []string{"class"}),
	}
}

func (m *Metrics) observe(class Class, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(class.String(), outcome).Inc()
}

func (m *Metrics) observeFetch(class Class, seconds float64) {
	if m == nil {
		return
	}
	m.fetchDuration.WithLabelValues(class.String()).Observe(seconds)
}
