// Package balancer places RunServiceRequests onto nodes: a per-instance
// filter pipeline (runtime/labels/resources/devices, connectivity,
// capacity, priority), deterministic tie-breaking, network parameter
// preparation, and node-level start/stop dispatch.
package balancer

import (
	"context"
	"sort"
	"sync"

	"github.com/edgefleet/cm/pkg/cmerr"
	"github.com/edgefleet/cm/pkg/metrics"
	"github.com/edgefleet/cm/pkg/nodehandler"
	"github.com/edgefleet/cm/pkg/types"
	"github.com/rs/zerolog"
)

// CapacityInput carries the per-node inputs InitializeCapacity needs at
// the start of a placement pass.
type CapacityInput struct {
	AvgMonitored types.ResourceUsage
	RunningCPU   float64
	RunningRAM   int64
}

// InstanceTracker is the subset of the instance manager the balancer
// consumes: placement bookkeeping, failure recording, and network
// parameter persistence.
type InstanceTracker interface {
	SetupInstance(ctx context.Context, req types.RunServiceRequest, node *nodehandler.NodeHandler, layers []types.LayerInfo, rebalancing bool) (*types.InstanceInfo, error)
	SetInstanceError(ident types.InstanceIdent, version string, cause error) error
	SetInstanceNetwork(ident types.InstanceIdent, network *types.InstanceNetworkInfo) error
	Get(ident types.InstanceIdent) (*types.InstanceInfo, bool)
}

// NetworkManager is the external collaborator that allocates per-instance
// network parameters and owns the overlay networks backing them.
type NetworkManager interface {
	PrepareInstanceNetworkParameters(ctx context.Context, ident types.InstanceIdent, networkID, nodeID string) (*types.InstanceNetworkInfo, error)
	RemoveInstanceNetworkParameters(ctx context.Context, ident types.InstanceIdent, nodeID string) error
	GetInstances(networkID string) ([]types.InstanceIdent, error)
	UpdateProviderNetwork(info types.NetworkInfo) error
}

// NodeBatch is one node's share of a placement pass's outcome: the
// instances to stop there and whether the dispatch must force a
// restart of everything still running. A node absent from a pass's
// batch list needs no dispatch at all.
type NodeBatch struct {
	Node         *nodehandler.NodeHandler
	Stop         []types.InstanceIdent
	ForceRestart bool
}

// Balancer places instances across a registered set of nodes. It never
// talks to a node runtime directly — Place reports which nodes need a
// start/stop dispatch and leaves running that dispatch (and its
// concurrency) to the caller, per pkg/launcher's single-exclusive,
// bounded-parallel dispatch loop.
type Balancer struct {
	log zerolog.Logger

	instances InstanceTracker
	network   NetworkManager

	mu    sync.RWMutex
	nodes map[string]*nodehandler.NodeHandler
}

// New creates a Balancer with no registered nodes.
func New(log zerolog.Logger, instances InstanceTracker, network NetworkManager) *Balancer {
	return &Balancer{
		log:       log,
		instances: instances,
		network:   network,
		nodes:     make(map[string]*nodehandler.NodeHandler),
	}
}

// RegisterNode adds or replaces the NodeHandler for one node.
func (b *Balancer) RegisterNode(node *nodehandler.NodeHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodes[node.ID()] = node
}

// UnregisterNode removes a node from placement consideration.
func (b *Balancer) UnregisterNode(nodeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.nodes, nodeID)
}

// Node returns the registered handler for nodeID, if any.
func (b *Balancer) Node(nodeID string) (*nodehandler.NodeHandler, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n, ok := b.nodes[nodeID]
	return n, ok
}

func (b *Balancer) allNodes() []*nodehandler.NodeHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*nodehandler.NodeHandler, 0, len(b.nodes))
	for _, n := range b.nodes {
		out = append(out, n)
	}
	return out
}

// Place runs one placement pass: it resets headroom on every registered
// node, places each request in turn, and prepares network parameters
// for newly-placed instances. requests is the complete desired instance
// set for this pass; stop is additional idents to tear down regardless
// of whether they appear in requests (e.g. a removed service). capacity
// supplies the per-node InitializeCapacity inputs; a node absent from
// the map is initialized with a zero ResourceUsage and no rebalance
// deduction.
//
// Place does not contact any node runtime. It returns the per-instance
// placement outcome and, per node that needs a dispatch this pass, a
// NodeBatch — the caller runs NodeHandler.StartInstances against each
// batch at whatever concurrency it chooses.
func (b *Balancer) Place(ctx context.Context, requests []types.RunServiceRequest, stop []types.InstanceIdent, rebalancing bool, capacity map[string]CapacityInput, layersByIdent map[types.InstanceIdent][]types.LayerInfo) ([]types.InstanceStatus, []NodeBatch) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	nodes := b.allNodes()
	for _, n := range nodes {
		in := capacity[n.ID()]
		n.InitializeCapacity(in.AvgMonitored, rebalancing, in.RunningCPU, in.RunningRAM)
	}

	perNodeStop := make(map[string][]types.InstanceIdent)
	perNodeForceRestart := make(map[string]bool)

	for _, ident := range stop {
		if info, ok := b.instances.Get(ident); ok && info.NodeID != "" {
			perNodeStop[info.NodeID] = append(perNodeStop[info.NodeID], ident)
		}
	}

	statuses := make([]types.InstanceStatus, 0, len(requests))
	for _, req := range requests {
		status := b.placeOne(ctx, req, nodes, rebalancing, layersByIdent[req.Ident], perNodeStop, perNodeForceRestart)
		statuses = append(statuses, status)
	}

	batches := make([]NodeBatch, 0, len(nodes))
	for _, n := range nodes {
		stopHere := perNodeStop[n.ID()]
		if len(n.Bundle().Instances) == 0 && len(stopHere) == 0 {
			continue
		}
		batches = append(batches, NodeBatch{Node: n, Stop: stopHere, ForceRestart: perNodeForceRestart[n.ID()]})
	}

	return statuses, batches
}

func (b *Balancer) placeOne(ctx context.Context, req types.RunServiceRequest, nodes []*nodehandler.NodeHandler, rebalancing bool, layers []types.LayerInfo, perNodeStop map[string][]types.InstanceIdent, perNodeForceRestart map[string]bool) types.InstanceStatus {
	if err := b.checkQuota(req, nodes); err != nil {
		return b.fail(req.Ident, req.Service.Version, err)
	}

	existing, hadExisting := b.instances.Get(req.Ident)
	prevNodeID := ""
	if hadExisting {
		prevNodeID = existing.NodeID
	}

	node := b.pinnedNode(req, existing, hadExisting, nodes)
	if node == nil {
		var err error
		node, err = b.selectNode(req, nodes)
		if err != nil {
			return b.fail(req.Ident, req.Service.Version, err)
		}
	}

	info, err := b.instances.SetupInstance(ctx, req, node, layers, rebalancing)
	if err != nil {
		return b.fail(req.Ident, req.Service.Version, err)
	}

	if prevNodeID != "" && prevNodeID != node.ID() {
		perNodeStop[prevNodeID] = append(perNodeStop[prevNodeID], req.Ident)
	}

	if b.network != nil && len(req.Service.Config.NetworkIDs) > 0 {
		networkID := req.Service.Config.NetworkIDs[0]
		netInfo, err := b.network.PrepareInstanceNetworkParameters(ctx, req.Ident, networkID, node.ID())
		if err != nil {
			b.log.Warn().Err(err).Str("instance", req.Ident.String()).Str("network", networkID).Msg("failed to prepare network parameters")
		} else {
			if setErr := b.instances.SetInstanceNetwork(req.Ident, netInfo); setErr != nil {
				b.log.Warn().Err(setErr).Str("instance", req.Ident.String()).Msg("failed to persist network parameters")
			}
			if !hadExisting || existing.Network == nil || existing.Network.NetworkID != netInfo.NetworkID {
				perNodeForceRestart[node.ID()] = true
			}
		}
	}

	metrics.InstancesScheduled.Inc()
	return types.InstanceStatus{
		Ident:     req.Ident,
		NodeID:    node.ID(),
		State:     types.InstanceStateScheduled,
		Timestamp: info.Timestamp,
	}
}

func (b *Balancer) fail(ident types.InstanceIdent, version string, cause error) types.InstanceStatus {
	if err := b.instances.SetInstanceError(ident, version, cause); err != nil {
		b.log.Warn().Err(err).Str("instance", ident.String()).Msg("failed to record scheduling failure")
	}
	kind, _ := cmerr.KindOf(cause)
	metrics.InstancesFailed.WithLabelValues(string(kind)).Inc()
	return types.InstanceStatus{
		Ident: ident,
		State: types.InstanceStateFailed,
		Err:   cause,
	}
}

// checkQuota fails fast when the requested state/storage quota exceeds
// the total declared partition capacity across every registered node,
// before any per-node filter runs. It catches requests no node could
// ever satisfy; the incremental exhaustion of a single node's
// partition budget as a pass places instance after instance is tracked
// separately by NodeHandler and enforced by selectNode's partition
// filter (and AddRunRequest's deduction) below.
func (b *Balancer) checkQuota(req types.RunServiceRequest, nodes []*nodehandler.NodeHandler) error {
	if req.Service.Config.StateQuota > totalPartitionSize(nodes, "state") {
		return cmerr.Newf(cmerr.NoMemory, "instance %s state quota exceeds unit capacity", req.Ident)
	}
	if req.Service.Config.StorageQuota > totalPartitionSize(nodes, "storage") {
		return cmerr.Newf(cmerr.NoMemory, "instance %s storage quota exceeds unit capacity", req.Ident)
	}
	return nil
}

func totalPartitionSize(nodes []*nodehandler.NodeHandler, partitionType string) int64 {
	var total int64
	for _, n := range nodes {
		if size, err := n.GetPartitionSize(partitionType); err == nil {
			total += size
		}
	}
	return total
}

// pinnedNode returns the node an instance must stay on when its
// balancing policy disables movement, or nil when the normal pipeline
// should run instead (no prior placement, or the prior node is no
// longer eligible).
func (b *Balancer) pinnedNode(req types.RunServiceRequest, existing *types.InstanceInfo, hadExisting bool, nodes []*nodehandler.NodeHandler) *nodehandler.NodeHandler {
	if req.Service.Config.BalancingPolicy != types.BalancingDisabled || !hadExisting || existing.NodeID == "" {
		return nil
	}
	for _, n := range nodes {
		if n.ID() == existing.NodeID && nodeEligible(n, req.Service) {
			return n
		}
	}
	return nil
}

func nodeEligible(n *nodehandler.NodeHandler, svc types.ServiceInfo) bool {
	state := n.State()
	if state != types.NodeStateOnline && state != types.NodeStateProvision {
		return false
	}
	if !n.HasRuntime(svc.Runner) || !n.HasLabels(svc.Labels) || !n.HasResources(svc.Resources) || !n.HasDevices(svc.Devices) {
		return false
	}
	if !n.HasPartitionCapacity("state", svc.Config.StateQuota) || !n.HasPartitionCapacity("storage", svc.Config.StorageQuota) {
		return false
	}
	return n.GetAvailableCPU() >= n.GetRequestedCPU(svc.Config) && n.GetAvailableRAM() >= n.GetRequestedRAM(svc.Config)
}

// selectNode runs the static/active/capacity/top-priority filter chain
// and picks the lowest-identifier survivor.
func (b *Balancer) selectNode(req types.RunServiceRequest, nodes []*nodehandler.NodeHandler) (*nodehandler.NodeHandler, error) {
	svc := req.Service

	static := make([]*nodehandler.NodeHandler, 0, len(nodes))
	for _, n := range nodes {
		if n.HasRuntime(svc.Runner) {
			static = append(static, n)
		}
	}
	if len(static) == 0 {
		return nil, cmerr.New(cmerr.NotFound, "no nodes with required runners")
	}

	labeled := filterNodes(static, func(n *nodehandler.NodeHandler) bool { return n.HasLabels(svc.Labels) })
	if len(labeled) == 0 {
		return nil, cmerr.New(cmerr.NotFound, "no nodes with instance labels")
	}

	resourced := filterNodes(labeled, func(n *nodehandler.NodeHandler) bool { return n.HasResources(svc.Resources) })
	if len(resourced) == 0 {
		return nil, cmerr.New(cmerr.NotFound, "no nodes with required resources")
	}

	deviced := filterNodes(resourced, func(n *nodehandler.NodeHandler) bool { return n.HasDevices(svc.Devices) })
	if len(deviced) == 0 {
		return nil, cmerr.New(cmerr.NotFound, "no nodes with required devices")
	}

	active := nodehandler.GetNodesByPriorities(deviced)
	if len(active) == 0 {
		return nil, cmerr.New(cmerr.NotFound, "no active nodes available")
	}

	capable := filterNodes(active, func(n *nodehandler.NodeHandler) bool {
		return n.GetAvailableCPU() >= n.GetRequestedCPU(svc.Config)
	})
	if len(capable) == 0 {
		return nil, cmerr.New(cmerr.Failed, "no nodes with available cpu")
	}

	capable = filterNodes(capable, func(n *nodehandler.NodeHandler) bool {
		return n.GetAvailableRAM() >= n.GetRequestedRAM(svc.Config)
	})
	if len(capable) == 0 {
		return nil, cmerr.New(cmerr.Failed, "no nodes with available ram")
	}

	capable = filterNodes(capable, func(n *nodehandler.NodeHandler) bool {
		return n.HasPartitionCapacity("state", svc.Config.StateQuota) && n.HasPartitionCapacity("storage", svc.Config.StorageQuota)
	})
	if len(capable) == 0 {
		return nil, cmerr.Newf(cmerr.NoMemory, "instance %s: state/storage quota exhausted on every eligible node", req.Ident)
	}

	top := topPriority(capable)

	sort.Slice(top, func(i, j int) bool { return top[i].ID() < top[j].ID() })
	return top[0], nil
}

func filterNodes(nodes []*nodehandler.NodeHandler, keep func(*nodehandler.NodeHandler) bool) []*nodehandler.NodeHandler {
	out := make([]*nodehandler.NodeHandler, 0, len(nodes))
	for _, n := range nodes {
		if keep(n) {
			out = append(out, n)
		}
	}
	return out
}

// topPriority keeps only the survivors sharing the maximum priority.
// GetNodesByPriorities has already sorted by descending priority, so
// the maximum is the first entry's.
func topPriority(nodes []*nodehandler.NodeHandler) []*nodehandler.NodeHandler {
	if len(nodes) == 0 {
		return nodes
	}
	max := nodes[0].Priority()
	out := make([]*nodehandler.NodeHandler, 0, len(nodes))
	for _, n := range nodes {
		if n.Priority() == max {
			out = append(out, n)
		}
	}
	return out
}
