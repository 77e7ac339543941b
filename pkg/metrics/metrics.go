// Package metrics exposes the Prometheus instrumentation shared by the
// leader and agent binaries.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet-wide gauges, refreshed by Collector on the leader.
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_workers_total",
			Help: "Total number of workers by role and status",
		},
		[]string{"role", "status"},
	)

	ServicesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_services_total",
			Help: "Total number of service definitions in the catalog",
		},
	)

	DeploymentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_deployments_total",
			Help: "Total number of deployments by status",
		},
		[]string{"status"},
	)

	ActiveJoinTokensTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_active_join_tokens_total",
			Help: "Total number of join tokens that are still active and unexhausted",
		},
	)

	// Control-plane HTTP metrics.
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_api_requests_total",
			Help: "Total number of control-plane API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_api_request_duration_seconds",
			Help:    "Control-plane API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Deployment engine metrics.
	DeploymentAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_deployment_attempts_total",
			Help: "Total number of deployment attempts by outcome",
		},
		[]string{"outcome"},
	)

	DeploymentDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_deployment_duration_seconds",
			Help:    "Time from pending to running (or failed) for a deployment",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	// Heartbeat and reaper metrics.
	HeartbeatsReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_heartbeats_received_total",
			Help: "Total number of heartbeats the leader has processed",
		},
	)

	StaleWorkersReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_stale_workers_reaped_total",
			Help: "Total number of workers marked offline by the stale reaper",
		},
	)

	ReaperCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_reaper_cycle_duration_seconds",
			Help:    "Time taken for one stale-worker reaper sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Agent-side metrics (registered on both binaries; only the agent
	// process ever sets non-zero values for these).
	AgentContainersRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_agent_containers_running",
			Help: "Number of containers this agent currently reports as running",
		},
	)

	AgentHeartbeatFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_agent_heartbeat_failures_total",
			Help: "Total number of heartbeats this agent failed to deliver",
		},
	)
)

func init() {
	prometheus.MustRegister(
		WorkersTotal,
		ServicesTotal,
		DeploymentsTotal,
		ActiveJoinTokensTotal,
		APIRequestsTotal,
		APIRequestDuration,
		DeploymentAttemptsTotal,
		DeploymentDuration,
		HeartbeatsReceivedTotal,
		StaleWorkersReapedTotal,
		ReaperCycleDuration,
		AgentContainersRunning,
		AgentHeartbeatFailuresTotal,
	)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer helps record elapsed durations into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time into a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
