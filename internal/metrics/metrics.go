// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"net/url"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector the service exports.
type Metrics struct {
	registry *prometheus.Registry

	RPCCalls        *prometheus.CounterVec
	EventsIngested  *prometheus.CounterVec
	SnapshotBuilds  *prometheus.CounterVec
	SnapshotLatency prometheus.Histogram
	Settlements     *prometheus.CounterVec
	Payouts         *prometheus.CounterVec
	PayoutBacklog   prometheus.Gauge
	PriceSource     *prometheus.CounterVec
	JobRuns         *prometheus.CounterVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RPCCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kolboard_rpc_calls_total",
			Help: "Outbound RPC calls by endpoint and result",
		}, []string{"endpoint", "result"}),
		EventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kolboard_events_ingested_total",
			Help: "Transaction events by ingest outcome",
		}, []string{"outcome"}),
		SnapshotBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kolboard_snapshot_builds_total",
			Help: "Snapshot ensure calls by window and outcome",
		}, []string{"window", "outcome"}),
		SnapshotLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kolboard_snapshot_build_seconds",
			Help:    "Time spent computing a snapshot",
			Buckets: prometheus.DefBuckets,
		}),
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kolboard_settlements_total",
			Help: "Settlement requests by outcome",
		}, []string{"outcome"}),
		Payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kolboard_payouts_total",
			Help: "Payout attempts by final state",
		}, []string{"state"}),
		PayoutBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kolboard_payout_backlog",
			Help: "Claimable payouts left after the last batch",
		}),
		PriceSource: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kolboard_price_lookups_total",
			Help: "Reference price lookups by the source that answered",
		}, []string{"source"}),
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kolboard_job_runs_total",
			Help: "Scheduled job runs by job and result",
		}, []string{"job", "result"}),
	}
	m.registry.MustRegister(
		m.RPCCalls, m.EventsIngested, m.SnapshotBuilds, m.SnapshotLatency,
		m.Settlements, m.Payouts, m.PayoutBacklog, m.PriceSource, m.JobRuns,
		collectors.NewGoCollector(),
	)
	return m
}

// ObserveRPC matches the rpc.Policy Observe hook.
func (m *Metrics) ObserveRPC(endpoint string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.RPCCalls.WithLabelValues(endpointLabel(endpoint), result).Inc()
}

// endpointLabel keeps only the host so API keys in paths or queries never
// reach the exposition output.
func endpointLabel(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
