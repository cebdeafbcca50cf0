/*
Package metrics provides Prometheus metrics collection and exposition for
the communication manager.

The metrics package defines and registers all metrics using the Prometheus
client library, providing observability into node inventory, placement
outcomes, storage state quota pressure, and the update pipeline. Metrics
are exposed via an HTTP endpoint for scraping by Prometheus servers.

# Metrics Catalog

Node inventory:

cm_nodes_total{role, state}:
  - Gauge. Nodes by declared type and NodeInfoProvider connectivity state.

Instance scheduling:

cm_instances_total{state}:
  - Gauge. Instances by scheduled/cached/failed.

cm_scheduling_latency_seconds:
  - Histogram. Duration of one balancer placement pass.

cm_instances_scheduled_total, cm_instances_failed_total{kind}:
  - Counters. Successful placements, and failures labeled by cmerr.Kind.

Launcher dispatch:

cm_dispatch_duration_seconds{node_id}:
  - Histogram. Time to dispatch a start/stop batch to one node.

cm_rebalances_total:
  - Counter. Rebalance passes run.

StorageState:

cm_storagestate_quota_exhausted_total{kind}:
  - Counter. Setup/UpdateState calls rejected for exceeding quota, by
    "storage" or "state".

cm_storagestate_watch_events_total, cm_state_requests_sent_total:
  - Counters for the state-file watcher and outbound StateRequests.

NodeInfoProvider:

cm_node_ready_wait_seconds, cm_node_connection_timeouts_total:
  - Histogram/counter for the connection-wait loop.

UpdateManager pipeline:

cm_update_pipeline_state{state}, cm_update_pipeline_stage_duration_seconds{stage},
cm_update_cancellations_total:
  - Gauge/histogram/counter for the Downloading..Finalizing pipeline.

Monitoring (supplemented):

cm_traffic_bytes_total{instance, chain, direction}:
  - Counter. Per-instance network traffic observed per chain.

# Usage

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)
	// ... run the placement pass ...
	if err != nil {
		kind, _ := cmerr.KindOf(err)
		metrics.InstancesFailed.WithLabelValues(string(kind)).Inc()
	}

	http.Handle("/metrics", metrics.Handler())

# Collector

Collector periodically samples node and instance inventory into the
package's gauges. It takes its inventory as plain callback functions
(NodeLister, InstanceLister) rather than importing pkg/nodeinfo or
pkg/instancemanager directly, so pkg/metrics stays a leaf dependency that
every other package can import without creating a cycle.

# Health

health.go carries the process health/readiness machinery (HealthChecker,
/health, /ready, /live) independent of per-instance status: it answers
"is this process's own machinery up", not "is instance X running".
*/
package metrics
