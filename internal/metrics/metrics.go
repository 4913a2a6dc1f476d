package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the relay's collectors on a private prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	AttemptsTotal  *prometheus.CounterVec
	AttemptLatency *prometheus.HistogramVec
	ChainExhausted *prometheus.CounterVec
	ProviderHealth *prometheus.GaugeVec
	SecretsFetches *prometheus.CounterVec
	AdminThrottled prometheus.Counter
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenrelay_attempts_total",
			Help: "Fallback attempts by outcome",
		}, []string{"capability", "provider", "model", "outcome"}),
		AttemptLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tokenrelay_attempt_latency_ms",
			Help:    "Provider call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(50, 2, 10),
		}, []string{"capability", "provider"}),
		ChainExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenrelay_chain_exhausted_total",
			Help: "Invocations that failed on every attempted chain entry",
		}, []string{"capability"}),
		ProviderHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tokenrelay_provider_health",
			Help: "Provider health: 1 healthy, 0.5 degraded, 0 down",
		}, []string{"provider"}),
		SecretsFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenrelay_secrets_fetches_total",
			Help: "Secrets Manager fetches by result",
		}, []string{"result"}),
		AdminThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokenrelay_admin_throttled_total",
			Help: "Admin requests rejected by the per-address rate limit",
		}),
	}
	reg.MustRegister(
		m.AttemptsTotal, m.AttemptLatency, m.ChainExhausted, m.ProviderHealth, m.SecretsFetches, m.AdminThrottled,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveHealth sets the provider health gauge from a tracker state name.
func (m *Registry) ObserveHealth(provider, state string) {
	v := 1.0
	switch state {
	case "degraded":
		v = 0.5
	case "down":
		v = 0
	}
	m.ProviderHealth.WithLabelValues(provider).Set(v)
}
