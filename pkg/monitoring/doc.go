/*
Package monitoring is the per-chain traffic counter sink: it polls an
external TrafficSampler on an interval, turns each cumulative sample into
a forward-only delta for the cm_traffic_bytes_total metric, and persists
the cumulative value so a restart resumes delta accounting from the last
known counters instead of double-counting from zero.

Per-node CPU/RAM usage averages (types.ResourceUsage, "avgMonitored")
arrive over the wire in a node's own SMInfo report and need no local
accumulation; this package exists only for the counters that have no
such rollup.
*/
package monitoring
