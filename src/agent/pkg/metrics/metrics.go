// Package metrics exposes engine counters through a dedicated
// Prometheus registry, scraped via the admin API's /metrics endpoint.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	Evaluations prometheus.Counter
	EvalLatency prometheus.Histogram
	Decisions   *prometheus.CounterVec
	RuleMatches *prometheus.CounterVec
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
	Errors      prometheus.Counter
	ByRole      *prometheus.CounterVec
	ByLocation  *prometheus.CounterVec
	Connections prometheus.GaugeFunc
}

// New builds and registers all collectors. connGauge reports the live
// connection table size; pass nil to skip the gauge.
func New(connGauge func() float64) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		Evaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowguard",
			Name:      "evaluations_total",
			Help:      "Total policy evaluations, fast path included.",
		}),
		EvalLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "flowguard",
			Name:      "evaluation_latency_seconds",
			Help:      "Full evaluation latency (slow path only).",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowguard",
			Name:      "decisions_total",
			Help:      "Decisions by kind.",
		}, []string{"kind"}),
		RuleMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowguard",
			Name:      "rule_matches_total",
			Help:      "Matches by rule id.",
		}, []string{"rule_id"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowguard",
			Name:      "cache_hits_total",
			Help:      "Fast-path cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowguard",
			Name:      "cache_misses_total",
			Help:      "Fast-path cache misses.",
		}),
		Errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowguard",
			Name:      "evaluation_errors_total",
			Help:      "Evaluation faults contained to single flows.",
		}),
		ByRole: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowguard",
			Name:      "decisions_by_role_total",
			Help:      "Decisions by identity role.",
		}, []string{"role", "kind"}),
		ByLocation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowguard",
			Name:      "decisions_by_location_total",
			Help:      "Decisions by identity location.",
		}, []string{"location", "kind"}),
	}

	reg.MustRegister(
		m.Evaluations, m.EvalLatency, m.Decisions, m.RuleMatches,
		m.CacheHits, m.CacheMisses, m.Errors, m.ByRole, m.ByLocation,
	)

	if connGauge != nil {
		m.Connections = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "flowguard",
			Name:      "active_connections",
			Help:      "Current connection table size.",
		}, connGauge)
		reg.MustRegister(m.Connections)
	}

	return m
}

// RecordRuleMatch increments the per-rule match counter.
func (m *Metrics) RecordRuleMatch(ruleID uint32) {
	m.RuleMatches.WithLabelValues(strconv.FormatUint(uint64(ruleID), 10)).Inc()
}

// Handler serves the registry for external scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
