package jwtkit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts verification outcomes and key set fetches.
// A nil *Metrics records nothing.
type Metrics struct {
	Verifications *prometheus.CounterVec
	Fetches       *prometheus.CounterVec
	FetchDuration prometheus.Histogram
}

// NewMetrics builds and registers the collectors on reg (skipped when reg is nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinicauth_token_verifications_total",
				Help: "Bearer token verifications by result category",
			},
			[]string{"result"},
		),
		Fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinicauth_jwks_fetches_total",
				Help: "JWKS fetches by outcome kind",
			},
			[]string{"result"},
		),
		FetchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "clinicauth_jwks_fetch_duration_seconds",
				Help:    "Latency of JWKS fetches",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Verifications, m.Fetches, m.FetchDuration)
	}
	return m
}

func (m *Metrics) verification(result string) {
	if m == nil {
		return
	}
	m.Verifications.WithLabelValues(result).Inc()
}

func (m *Metrics) fetch(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Fetches.WithLabelValues(result).Inc()
	m.FetchDuration.Observe(d.Seconds())
}
