// Package nodehandler implements the communication manager's per-node
// view: declared capacity, operator policy, the live headroom
// tracked during one placement pass, and the bundle of work the balancer
// has accumulated for this node so far.
package nodehandler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/edgefleet/cm/pkg/cmerr"
	"github.com/edgefleet/cm/pkg/types"
	"github.com/google/uuid"
)

// MaxInstancesPerNode bounds the run-request bundle a single placement
// pass may accumulate for one node: containers are bounded, overflow is
// NoMemory rather than unbounded growth).
const MaxInstancesPerNode = 512

// RunRequest is the per-node bundle the balancer appends to during one
// placement pass: never mutated in place, only grown.
type RunRequest struct {
	// BatchID identifies one placement pass's worth of run requests for
	// this node in log correlation; it carries no scheduling meaning.
	BatchID   string
	Services  []types.ServiceInfo
	Layers    []types.LayerInfo
	Instances []types.InstanceInfo
}

// Runtime is the node-local collaborator that actually starts and stops
// instances (the NodeManager contract), implemented by pkg/noderuntime or
// a test fake.
type Runtime interface {
	StartInstances(ctx context.Context, stop []types.InstanceIdent, start []types.InstanceInfo) (rebootRequired bool, err error)
}

// NodeHandler is the live view of one node during placement.
type NodeHandler struct {
	mu sync.Mutex

	info   types.NodeInfo
	config types.NodeConfig
	state  types.NodeState

	availableCPU float64
	availableRAM int64

	availablePartitions map[string]int64 // partition type -> remaining bytes this pass

	deviceShares map[string]int // remaining shared capacity; non-shared devices hold 1 until claimed

	bundle RunRequest
}

// New creates a NodeHandler from its declared capacity and operator
// policy. It starts with zero headroom; call InitializeCapacity before
// a placement pass.
func New(info types.NodeInfo, config types.NodeConfig) *NodeHandler {
	return &NodeHandler{
		info:   info,
		config: config,
		state:  types.NodeStateOffline,
	}
}

// ID returns the node's identifier.
func (n *NodeHandler) ID() string {
	return n.info.ID
}

// SetState records the node's current connectivity state, as reported
// by the node info provider.
func (n *NodeHandler) SetState(state types.NodeState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = state
}

// State returns the node's current connectivity state.
func (n *NodeHandler) State() types.NodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// GetPartitionSize returns the declared total bytes for the named
// partition type ("state", "storage", ...).
func (n *NodeHandler) GetPartitionSize(partitionType string) (int64, error) {
	for _, p := range n.info.Partitions {
		if p.Type == partitionType {
			return p.TotalBytes, nil
		}
	}
	return 0, cmerr.Newf(cmerr.NotFound, "partition %s", partitionType)
}

// GetAvailableCPU returns the headroom remaining in the current pass.
func (n *NodeHandler) GetAvailableCPU() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.availableCPU
}

// GetAvailableRAM returns the headroom remaining in the current pass.
func (n *NodeHandler) GetAvailableRAM() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.availableRAM
}

// GetAvailablePartitionBytes returns the bytes remaining this pass in
// the named partition type, or 0 if the node declares none.
func (n *NodeHandler) GetAvailablePartitionBytes(partitionType string) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.availablePartitions[partitionType]
}

// HasPartitionCapacity reports whether at least requested bytes remain
// in the named partition type this pass. A non-positive request always
// fits, since it claims no quota.
func (n *NodeHandler) HasPartitionCapacity(partitionType string, requested int64) bool {
	if requested <= 0 {
		return true
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.availablePartitions[partitionType] >= requested
}

// InitializeCapacity resets headroom at the start of a placement pass.
// avgMonitored is the rolling non-Aos resource usage sampled by
// monitoring. When rebalancing, runningCPU/runningRAM — the total
// demand already attributed to this node's currently-scheduled Aos
// instances — is also subtracted, giving the balancer a freshly
// recomputed view to re-derive from as it re-chooses placements.
func (n *NodeHandler) InitializeCapacity(avgMonitored types.ResourceUsage, rebalancing bool, runningCPU float64, runningRAM int64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.availableCPU = float64(n.info.MaxDMIPS) - avgMonitored.CPUNonAos
	n.availableRAM = n.info.TotalRAM - avgMonitored.RAMNonAos

	if rebalancing {
		n.availableCPU -= runningCPU
		n.availableRAM -= runningRAM
	}

	n.deviceShares = make(map[string]int, len(n.info.Devices))
	for _, d := range n.info.Devices {
		if d.Shared {
			n.deviceShares[d.Name] = d.Capacity
		} else {
			n.deviceShares[d.Name] = 1
		}
	}

	n.availablePartitions = make(map[string]int64, len(n.info.Partitions))
	for _, p := range n.info.Partitions {
		n.availablePartitions[p.Type] += p.TotalBytes
	}

	n.bundle = RunRequest{BatchID: uuid.NewString()}
}

// HasDevices reports whether every required device is declared on this
// node with remaining share for one more claim.
func (n *NodeHandler) HasDevices(devices []types.DeviceRequirement) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, req := range devices {
		remaining, ok := n.deviceShares[req.Name]
		if !ok || remaining <= 0 {
			return false
		}
	}
	return true
}

// HasRuntime reports whether the node declares the named runner.
func (n *NodeHandler) HasRuntime(runtime string) bool {
	for _, r := range n.info.Runtimes {
		if r == runtime {
			return true
		}
	}
	return false
}

// HasLabels reports whether the node's declared labels are a superset
// of the required set.
func (n *NodeHandler) HasLabels(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range n.config.Labels {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// HasResources reports whether the node's declared resources are a
// superset of the required set.
func (n *NodeHandler) HasResources(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range n.info.Resources {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Priority returns the operator-assigned placement priority.
func (n *NodeHandler) Priority() int {
	return n.config.Priority
}

// GetRequestedCPU computes effective CPU demand for one instance:
// explicit quota, else the node's configured ratio of available
// headroom (default cDefaultResourceRatio), else a platform floor of
// zero (no guaranteed minimum).
func (n *NodeHandler) GetRequestedCPU(cfg types.ServiceConfig) float64 {
	if cfg.CPUQuota > 0 {
		return cfg.CPUQuota
	}

	ratio := n.resourceRatio("cpu")
	n.mu.Lock()
	available := n.availableCPU
	n.mu.Unlock()

	return available * ratio / 100.0
}

// GetRequestedRAM computes effective RAM demand for one instance,
// mirroring GetRequestedCPU's quota→ratio→floor order.
func (n *NodeHandler) GetRequestedRAM(cfg types.ServiceConfig) int64 {
	if cfg.RAMQuota > 0 {
		return cfg.RAMQuota
	}

	ratio := n.resourceRatio("ram")
	n.mu.Lock()
	available := n.availableRAM
	n.mu.Unlock()

	return int64(float64(available) * ratio / 100.0)
}

func (n *NodeHandler) resourceRatio(resource string) float64 {
	if ratio, ok := n.config.ResourceRatio[resource]; ok {
		return ratio
	}
	return types.DefaultResourceRatio
}

// AddRunRequest reserves the instance's resources against this node's
// headroom, decrements its device shares, and appends it to the
// per-node bundle. It never mutates entries already present.
func (n *NodeHandler) AddRunRequest(ident types.InstanceIdent, service types.ServiceInfo, layers []types.LayerInfo) error {
	cpu := n.GetRequestedCPU(service.Config)
	ram := n.GetRequestedRAM(service.Config)

	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.bundle.Instances) >= MaxInstancesPerNode {
		return cmerr.Newf(cmerr.NoMemory, "node %s run-request bundle full", n.info.ID)
	}

	for _, dev := range service.Devices {
		remaining := n.deviceShares[dev.Name]
		if remaining <= 0 {
			return cmerr.Newf(cmerr.NoMemory, "device %s exhausted on node %s", dev.Name, n.info.ID)
		}
		n.deviceShares[dev.Name] = remaining - 1
	}

	if service.Config.StateQuota > 0 {
		if n.availablePartitions["state"] < service.Config.StateQuota {
			return cmerr.Newf(cmerr.NoMemory, "state quota exhausted on node %s", n.info.ID)
		}
		n.availablePartitions["state"] -= service.Config.StateQuota
	}
	if service.Config.StorageQuota > 0 {
		if n.availablePartitions["storage"] < service.Config.StorageQuota {
			return cmerr.Newf(cmerr.NoMemory, "storage quota exhausted on node %s", n.info.ID)
		}
		n.availablePartitions["storage"] -= service.Config.StorageQuota
	}

	n.availableCPU -= cpu
	n.availableRAM -= ram

	n.bundle.Services = append(n.bundle.Services, service)
	n.bundle.Layers = append(n.bundle.Layers, layers...)
	n.bundle.Instances = append(n.bundle.Instances, types.InstanceInfo{
		Ident:    ident,
		Runtime:  service.Runner,
		NodeID:   n.info.ID,
		CPUQuota: cpu,
		RAMQuota: ram,
		Timestamp: time.Now(),
	})

	return nil
}

// Bundle returns the run-request bundle accumulated so far this pass.
func (n *NodeHandler) Bundle() RunRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.bundle
}

// StartInstances drives the node's runtime with the instances to stop
// and start, deferring entirely to the passed-in Runtime collaborator.
func (n *NodeHandler) StartInstances(ctx context.Context, runtime Runtime, stop []types.InstanceIdent, forceRestart bool) (rebootRequired bool, err error) {
	start := n.Bundle().Instances
	if !forceRestart {
		start = diffNotStopped(start, stop)
	}
	return runtime.StartInstances(ctx, stop, start)
}

func diffNotStopped(instances []types.InstanceInfo, stop []types.InstanceIdent) []types.InstanceInfo {
	stopped := make(map[types.InstanceIdent]bool, len(stop))
	for _, ident := range stop {
		stopped[ident] = true
	}
	out := make([]types.InstanceInfo, 0, len(instances))
	for _, inst := range instances {
		if !stopped[inst.Ident] {
			out = append(out, inst)
		}
	}
	return out
}

// GetNodesByPriorities sorts nodes by descending NodeConfig priority,
// breaking ties by ascending node identifier, and omits nodes that are
// not online or provisioned.
func GetNodesByPriorities(nodes []*NodeHandler) []*NodeHandler {
	eligible := make([]*NodeHandler, 0, len(nodes))
	for _, n := range nodes {
		state := n.State()
		if state == types.NodeStateOnline || state == types.NodeStateProvision {
			eligible = append(eligible, n)
		}
	}

	sort.Slice(eligible, func(i, j int) bool {
		pi, pj := eligible[i].Priority(), eligible[j].Priority()
		if pi != pj {
			return pi > pj
		}
		return eligible[i].ID() < eligible[j].ID()
	})

	return eligible
}
