// Package metrics exposes ledger activity counters for Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	ballots       *prometheus.CounterVec
	commitments   *prometheus.CounterVec
	priorityVotes *prometheus.CounterVec
	access        *prometheus.CounterVec
	resets        prometheus.Counter
	requests      *prometheus.HistogramVec
}

// New registers the conclave collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ballots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conclave",
			Name:      "ballots_total",
			Help:      "Ballot submissions by outcome.",
		}, []string{"outcome"}),
		commitments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conclave",
			Name:      "commitments_total",
			Help:      "Funding commitment writes by whether the amount changed.",
		}, []string{"changed"}),
		priorityVotes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conclave",
			Name:      "priority_votes_total",
			Help:      "Priority vote toggles by target kind.",
		}, []string{"target"}),
		access: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conclave",
			Name:      "access_decisions_total",
			Help:      "Sign-in decisions made by the access gate.",
		}, []string{"decision"}),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conclave",
			Name:      "vote_resets_total",
			Help:      "Completed administrative vote resets.",
		}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "conclave",
			Name:      "http_request_duration_seconds",
			Help:      "API request latency by method and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status"}),
	}
	m.registry.MustRegister(
		m.ballots, m.commitments, m.priorityVotes, m.access, m.resets, m.requests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Ballot(recorded bool) {
	if m == nil {
		return
	}
	if recorded {
		m.ballots.WithLabelValues("recorded").Inc()
		return
	}
	m.ballots.WithLabelValues("duplicate").Inc()
}

func (m *Metrics) Commitment(changed bool) {
	if m == nil {
		return
	}
	if changed {
		m.commitments.WithLabelValues("true").Inc()
		return
	}
	m.commitments.WithLabelValues("false").Inc()
}

func (m *Metrics) PriorityVote(target string) {
	if m == nil {
		return
	}
	m.priorityVotes.WithLabelValues(target).Inc()
}

func (m *Metrics) Access(granted bool) {
	if m == nil {
		return
	}
	if granted {
		m.access.WithLabelValues("granted").Inc()
		return
	}
	m.access.WithLabelValues("denied").Inc()
}

func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.resets.Inc()
}

func (m *Metrics) ObserveRequest(method, status string, seconds float64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, status).Observe(seconds)
}
