// Package metrics exposes the fleet server's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MachinesTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_machines_total",
		Help: "Number of machines known to the server.",
	})
	MachinesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_machines_by_status",
		Help: "Number of machines by derived status.",
	}, []string{"status"})
	ReportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_reports_total",
		Help: "Agent reports ingested, by outcome.",
	}, []string{"outcome"})
	ReportDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_report_duration_seconds",
		Help:    "Time spent handling one agent report.",
		Buckets: prometheus.DefBuckets,
	})
	DecryptFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_decrypt_failures_total",
		Help: "Agent payloads that failed envelope decryption.",
	})
	SignatureFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_signature_failures_total",
		Help: "Signed records rejected, by reason.",
	}, []string{"reason"})
	CommandsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_commands_issued_total",
		Help: "Commands queued for agents, by action.",
	}, []string{"action"})
	CommandsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_commands_completed_total",
		Help: "Command acknowledgements, by status.",
	}, []string{"status"})
	LoginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_login_attempts_total",
		Help: "Operator login attempts, by outcome.",
	}, []string{"outcome"})
	ClusterNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_cluster_nodes",
		Help: "Active nodes visible in the cluster backend.",
	})
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_rate_limited_total",
		Help: "Requests rejected by the per-IP rate limiter.",
	})
)
