package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Node inventory
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cm_nodes_total",
			Help: "Total number of nodes by role and state",
		},
		[]string{"role", "state"},
	)

	// Instance scheduling
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cm_instances_total",
			Help: "Total number of scheduled instances by run state",
		},
		[]string{"state"},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cm_scheduling_latency_seconds",
			Help:    "Time taken for one balancer placement pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	InstancesScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cm_instances_scheduled_total",
			Help: "Total number of instances successfully scheduled",
		},
	)

	InstancesFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cm_instances_failed_total",
			Help: "Total number of instances that failed scheduling, by error kind",
		},
		[]string{"kind"},
	)

	// Launcher dispatch
	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cm_dispatch_duration_seconds",
			Help:    "Time taken to dispatch start/stop batches to a node",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"node_id"},
	)

	RebalancesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cm_rebalances_total",
			Help: "Total number of rebalance passes run",
		},
	)

	// StorageState
	StorageStateQuotaExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cm_storagestate_quota_exhausted_total",
			Help: "Total number of Setup/UpdateState calls rejected for exceeding quota",
		},
		[]string{"kind"}, // "storage" or "state"
	)

	StorageStateWatchEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cm_storagestate_watch_events_total",
			Help: "Total number of state-file change events processed",
		},
	)

	StateRequestsSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cm_state_requests_sent_total",
			Help: "Total number of StateRequest messages emitted to the cloud",
		},
	)

	// NodeInfoProvider
	NodeReadyWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cm_node_ready_wait_seconds",
			Help:    "Time spent waiting for a node to become ready",
			Buckets: prometheus.DefBuckets,
		},
	)

	NodeTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cm_node_connection_timeouts_total",
			Help: "Total number of nodes marked Error after the connection wait timed out",
		},
	)

	// UpdateManager pipeline
	UpdatePipelineState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cm_update_pipeline_state",
			Help: "1 for the UpdateManager's current pipeline state, 0 otherwise",
		},
		[]string{"state"},
	)

	UpdatePipelineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cm_update_pipeline_stage_duration_seconds",
			Help:    "Time spent in each update pipeline stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	UpdateCancellationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cm_update_cancellations_total",
			Help: "Total number of in-flight update passes canceled by a new desired status",
		},
	)

	// Monitoring (per-chain traffic, supplemented feature)
	TrafficBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cm_traffic_bytes_total",
			Help: "Total bytes observed per instance traffic chain and direction",
		},
		[]string{"instance", "chain", "direction"},
	)
)

func init() {
	prometheus.MustRegister(
		NodesTotal,
		InstancesTotal,
		SchedulingLatency,
		InstancesScheduled,
		InstancesFailed,
		DispatchDuration,
		RebalancesTotal,
		StorageStateQuotaExhaustedTotal,
		StorageStateWatchEventsTotal,
		StateRequestsSentTotal,
		NodeReadyWaitSeconds,
		NodeTimeoutsTotal,
		UpdatePipelineState,
		UpdatePipelineDuration,
		UpdateCancellationsTotal,
		TrafficBytesTotal,
	)
}

// Handler returns the Prometheus HTTP scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing an operation and recording it to a
// histogram once it completes.
type Timer struct {
	start time.Time
}

// NewTimer starts a new Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
