package verify

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts verification outcomes. A nil *Metrics is a no-op.
type Metrics struct {
	results  *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewMetrics registers the verifier collectors on reg (nil reg: unregistered).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "podsign_verify_total",
			Help: "Manifest verifications by result and rejection reason",
		}, []string{"result", "reason"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "podsign_verify_duration_seconds",
			Help:    "Time spent verifying one manifest",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.results, m.duration)
	}
	return m
}

func (m *Metrics) observe(start time.Time, reason Reason) {
	if m == nil {
		return
	}
	m.duration.Observe(time.Since(start).Seconds())
	if reason == "" {
		m.results.WithLabelValues("accepted", "").Inc()
		return
	}
	m.results.WithLabelValues("rejected", string(reason)).Inc()
}
