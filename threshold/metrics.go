package threshold

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts signing session outcomes. A nil *Metrics is a no-op.
type Metrics struct {
	sessions   *prometheus.CounterVec
	shares     *prometheus.CounterVec
	nonceReuse prometheus.Counter
}

// NewMetrics registers the signing counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "podsign_signing_sessions_total",
			Help: "Signing sessions by outcome",
		}, []string{"outcome"}),
		shares: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "podsign_signature_shares_total",
			Help: "Partial signatures received by verification result",
		}, []string{"result"}),
		nonceReuse: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "podsign_nonce_reuse_total",
			Help: "Nonce reuse violations detected by coordinators",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.sessions, m.shares, m.nonceReuse)
	}
	return m
}

func (m *Metrics) session(outcome string) {
	if m != nil {
		m.sessions.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) share(result string) {
	if m != nil {
		m.shares.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) reuse() {
	if m != nil {
		m.nonceReuse.Inc()
	}
}
