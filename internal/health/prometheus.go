package health

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PromCollector mirrors recorder events into Prometheus metrics.
type PromCollector struct {
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
	breaker *prometheus.GaugeVec
}

// NewPromCollector builds and registers the data source metrics on reg.
func NewPromCollector(reg prometheus.Registerer) *PromCollector {
	c := &PromCollector{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "etfalerts_source_calls_total",
			Help: "History source calls by outcome",
		}, []string{"source", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "etfalerts_source_latency_seconds",
			Help:    "History source call latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"source"}),
		breaker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "etfalerts_source_circuit_open",
			Help: "1 while the source circuit breaker is open",
		}, []string{"source"}),
	}
	if reg != nil {
		reg.MustRegister(c.calls, c.latency, c.breaker)
	}
	return c
}

// ObserveCall implements Observer.
func (c *PromCollector) ObserveCall(source string, ok bool, latency time.Duration) {
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	c.calls.WithLabelValues(source, outcome).Inc()
	c.latency.WithLabelValues(source).Observe(latency.Seconds())
}

// ObserveBreaker implements Observer.
func (c *PromCollector) ObserveBreaker(source string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	c.breaker.WithLabelValues(source).Set(v)
}

var _ Observer = (*PromCollector)(nil)
