// Package storage defines the communication manager's persistence
// contract and a BoltDB-backed implementation: instance scheduling
// records, the single current desired status and update pipeline state,
// per-network allocation, and per-chain traffic counters.
package storage

import (
	"github.com/edgefleet/cm/pkg/types"
)

// Store is the persistence contract every subsystem that survives a
// process restart is built against. A single process owns one Store;
// there is no cluster-wide replication.
type Store interface {
	// Instances
	CreateInstance(info *types.InstanceInfo) error
	GetInstance(ident types.InstanceIdent) (*types.InstanceInfo, error)
	ListInstances() ([]*types.InstanceInfo, error)
	UpdateInstance(info *types.InstanceInfo) error
	DeleteInstance(ident types.InstanceIdent) error

	// Desired status: one current value, replaced wholesale on each
	// cloud update.
	SaveDesiredStatus(status *types.DesiredStatus) error
	GetDesiredStatus() (*types.DesiredStatus, error)

	// Update pipeline state: the UpdateManager's single persisted
	// position, restored on restart.
	SaveUpdateState(state types.UpdateState) error
	GetUpdateState() (types.UpdateState, error)

	// Networks
	CreateNetwork(network *types.NetworkInfo) error
	GetNetwork(networkID string) (*types.NetworkInfo, error)
	ListNetworks() ([]*types.NetworkInfo, error)
	DeleteNetwork(networkID string) error

	// Traffic counters, keyed by (instance, chain).
	SaveTrafficCounters(counters *types.TrafficCounters) error
	ListTrafficCounters(ident types.InstanceIdent) ([]*types.TrafficCounters, error)

	Close() error
}
