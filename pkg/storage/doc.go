/*
Package storage provides BoltDB-backed persistence for the communication
manager's own state: instance scheduling records, the single current
desired status, the update pipeline's persisted position, network
allocation, and per-chain traffic counters.

# Architecture

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│  BoltStore                                                │
	│  - File: <dataDir>/cm.db                                  │
	│  - One bucket per entity, JSON-marshaled values           │
	│                                                            │
	│  instances        (InstanceIdent string -> InstanceInfo)  │
	│  desired_status   (fixed key "current" -> DesiredStatus)  │
	│  update_state     (fixed key "current" -> UpdateState)    │
	│  networks         (NetworkID -> NetworkInfo)               │
	│  traffic          ("<ident>/<chain>" -> TrafficCounters)   │
	└────────────────────────────────────────────────────────┘

# Transaction model

Reads use db.View, writes use db.Update; BoltDB gives snapshot isolation
on reads and serializes writers. There is no replication here: this
process owns its database file outright; there is no cluster-wide
consensus here.

# Usage

	store, err := storage.NewBoltStore("/var/lib/cm")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	err = store.UpdateInstance(&info)
	info, err := store.GetInstance(ident)
	instances, err := store.ListInstances()

	err = store.SaveUpdateState(types.UpdateStateDownloading)
	state, err := store.GetUpdateState() // types.UpdateStateNone if never set

# Design patterns

Upsert: CreateInstance and UpdateInstance share one implementation —
BoltDB's Put always replaces, so there is no separate existence check.

Single-value buckets: desired status and update state have exactly one
live record; GetDesiredStatus/GetUpdateState use a fixed key rather than
scanning, and GetUpdateState returns UpdateStateNone rather than
cmerr.NotFound when nothing has been persisted yet, since "no pipeline
in progress" is the expected initial condition, not an error.

Prefix scan: traffic counters are keyed "<instance>/<chain>" so
ListTrafficCounters can cursor-seek the instance's prefix rather than
filtering a full bucket scan in memory.

Errors: not-found lookups return *cmerr.Error with cmerr.NotFound so
callers can branch with cmerr.Is rather than parsing messages.
*/
package storage
