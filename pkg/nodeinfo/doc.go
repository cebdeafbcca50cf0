/*
Package nodeinfo caches what the communication manager knows about
every node in the unit and tells interested subsystems when that
picture changes.

# Architecture

	┌──────────────────── NODE INFO PROVIDER ───────────────────┐
	│  cacheEntry per node: NodeInfo + SMInfo + connectivity     │
	│                                                             │
	│  SetNodeInfo / SetConnected / SetSMInfo                    │
	│      │ enqueue(nodeID), dedup via queued map                │
	│      ▼                                                      │
	│  notification worker (single goroutine)                     │
	│    - drain queue: for each ready entry, project a            │
	│      UnitNodeInfo and call every Listener synchronously      │
	│    - not-yet-ready entries move to a waiting set instead of   │
	│      being dropped                                            │
	│    - after draining, wait up to SMConnectionTimeout; on that  │
	│      wake, re-queue everything still in the waiting set so a  │
	│      node stuck waiting for its SM gets a notification once   │
	│      the timeout elapses, even with no new events              │
	└────────────────────────────────────────────────────────────┘

A node is ready when it does not host a service manager component, or
when it is connected and has reported SMInfo, or when the connection
timeout has elapsed since the node entered the cache — in the last
case, if the node is still not connected, the projected UnitNodeInfo
carries State=Error wrapping a Timeout cmerr.

# Usage

	provider := nodeinfo.NewProvider(logger, 30*time.Second)
	provider.Start()
	defer provider.Stop()

	provider.Subscribe(myListener)
	provider.SetNodeInfo(nodeInfo, true)
	provider.SetConnected("node-1", true)
	provider.SetSMInfo(smInfo)

Listener callbacks run on the provider's single worker goroutine; they
must not block or call back into the provider, or they will stall every
other node's notifications.
*/
package nodeinfo
