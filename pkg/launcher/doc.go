/*
Package launcher is the top-level controller that drives one unit's
instance scheduling: it owns the node inventory, the connection to the
balancer, and the bounded worker pool that dispatches start/stop
batches to node runtimes.

# Operations

  - Start seeds a node handler per node the node info provider already
    knows, subscribes for connectivity changes, and launches two
    workers: the readiness waiter (fires a deferred status report once
    every initially-known node has reported in, or
    NodesConnectionTimeout elapses) and the node-status debounce loop.
  - RunInstances runs under a single exclusive lock (runMu): it asks
    the balancer to place requests, dispatches the resulting
    NodeBatches through a bounded errgroup, merges the returned
    per-instance status into the running set, and reports the merged
    set to the listener. At most one RunInstances call is in flight; a
    second blocks until the first completes.
  - Rebalance re-places every instance RunInstances has placed so far
    (rememberRequests/currentDesired), with rebalancing=true.
  - OnStatusChanged merges an out-of-band per-node status report and
    schedules a debounced notification, coalescing bursts into one
    listener callback.
  - Stop cancels the workers, waits for any in-flight RunInstances to
    drain, and stops the instance manager.

# Request bookkeeping

Rebalance needs the ServiceInfo used to place each currently-running
instance, not just the scheduled InstanceInfo record the instance
manager persists. RunInstances remembers every request it is given
(lastRequests, keyed by ident) and drops an ident once it appears in a
subsequent stop list; Rebalance replays the remembered set. This keeps
the "current desired instance set" bookkeeping inside the launcher
rather than widening the instance manager's persisted record to carry
a full ServiceInfo it would otherwise never need.
*/
package launcher
