package keeper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the keeper's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	cycles        *prometheus.CounterVec
	cyclesSkipped prometheus.Counter
	cycleDuration prometheus.Histogram
	candidates    prometheus.Gauge
	repayments    *prometheus.CounterVec
	rpcErrors     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keeper",
			Name:      "cycles_total",
			Help:      "Completed scan cycles by result.",
		}, []string{"result"}),
		cyclesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keeper",
			Name:      "cycles_skipped_total",
			Help:      "Triggers dropped because a cycle was already in flight.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "keeper",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a full scan cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		candidates: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "keeper",
			Name:      "candidates",
			Help:      "Vaults that passed the cheap filters in the latest cycle.",
		}),
		repayments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keeper",
			Name:      "repayments_total",
			Help:      "Repayment attempts by outcome.",
		}, []string{"outcome"}),
		rpcErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keeper",
			Name:      "rpc_errors_total",
			Help:      "Failed ledger or oracle reads by operation.",
		}, []string{"op"}),
	}
	reg.MustRegister(m.cycles, m.cyclesSkipped, m.cycleDuration, m.candidates, m.repayments, m.rpcErrors)
	return m
}

func (m *Metrics) observeCycle(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(result).Inc()
	m.cycleDuration.Observe(took.Seconds())
}

func (m *Metrics) skippedCycle() {
	if m == nil {
		return
	}
	m.cyclesSkipped.Inc()
}

func (m *Metrics) setCandidates(n int) {
	if m == nil {
		return
	}
	m.candidates.Set(float64(n))
}

func (m *Metrics) repayment(o Outcome) {
	if m == nil {
		return
	}
	m.repayments.WithLabelValues(string(o)).Inc()
}

func (m *Metrics) rpcError(op string) {
	if m == nil {
		return
	}
	m.rpcErrors.WithLabelValues(op).Inc()
}
