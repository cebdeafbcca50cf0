// Package launcher is the top-level controller that turns a desired
// instance set into running containers: it owns the node inventory,
// invokes the balancer under a single exclusive lock, and dispatches
// the resulting per-node batches to node runtimes through a bounded
// worker pool.
package launcher

import (
	"context"
	"sync"
	"time"

	"github.com/edgefleet/cm/pkg/balancer"
	"github.com/edgefleet/cm/pkg/cmerr"
	"github.com/edgefleet/cm/pkg/metrics"
	"github.com/edgefleet/cm/pkg/nodehandler"
	"github.com/edgefleet/cm/pkg/nodeinfo"
	"github.com/edgefleet/cm/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultNodesConnectionTimeout bounds how long Start waits for every
// known node to report ready before emitting its deferred status report
// anyway.
const DefaultNodesConnectionTimeout = 30 * time.Second

// DefaultDispatchConcurrency bounds how many nodes are dispatched to in
// parallel during one RunInstances call.
const DefaultDispatchConcurrency = 8

// statusDebounce coalesces bursts of out-of-band node status reports
// into a single listener callback.
const statusDebounce = 200 * time.Millisecond

// ResourceManager resolves operator policy for a node. Implemented by
// the external resource/configuration service; there is no in-module
// implementation.
type ResourceManager interface {
	GetNodeConfig(ctx context.Context, nodeID, nodeType string) (types.NodeConfig, error)
}

// ImageProvider resolves the filesystem layers a service's instances
// depend on. Implemented by the external image provider; there is no
// in-module implementation.
type ImageProvider interface {
	ResolveLayers(ctx context.Context, svc types.ServiceInfo) ([]types.LayerInfo, error)
}

// InstanceStore is the subset of the instance manager the launcher
// drives directly: lifecycle and the record set whose CPU/RAM quotas
// are summed per node for a rebalance pass. The requests a rebalance
// replays come from lastRequests, not from this record set.
type InstanceStore interface {
	Start(ctx context.Context) error
	Stop()
	List() []*types.InstanceInfo
}

// RuntimeRegistry resolves the node-local collaborator a NodeBatch is
// dispatched through. Nodes are remote devices, each fronted by its own
// runtime connection, so resolution happens per dispatch rather than
// once at construction.
type RuntimeRegistry interface {
	RuntimeFor(nodeID string) (nodehandler.Runtime, bool)
}

// Listener receives the merged instance status set after a RunInstances
// pass and the debounced node status set from out-of-band reports.
type Listener interface {
	RunStatusChanged(status []types.InstanceStatus)
	NodeStatusChanged(status []types.NodeStatus)
}

// NodeInfoProvider is the node inventory collaborator: the subset of
// nodeinfo.Provider the launcher consumes to seed and keep its node
// handlers current.
type NodeInfoProvider interface {
	GetAllNodeIDs() []string
	GetNodeInfo(id string) (types.UnitNodeInfo, bool)
	Subscribe(l nodeinfo.Listener)
	Unsubscribe(l nodeinfo.Listener)
}

// Launcher is the top-level controller described in this package's doc
// comment.
type Launcher struct {
	log zerolog.Logger

	balancer  *balancer.Balancer
	nodeInfo  NodeInfoProvider
	resources ResourceManager
	images    ImageProvider
	instances InstanceStore
	runtimes  RuntimeRegistry

	connectionTimeout time.Duration
	dispatchLimit     int

	// runMu serializes RunInstances/Rebalance: at most one call is in
	// flight, a second blocks until the first completes.
	runMu sync.Mutex

	mu           sync.Mutex
	nodes        map[string]*nodehandler.NodeHandler
	status       map[types.InstanceIdent]types.InstanceStatus
	nodeStatus   map[string]types.NodeStatus
	lastRequests map[types.InstanceIdent]types.RunServiceRequest
	pendingReady map[string]bool
	listener     Listener

	allReadyCh     chan struct{}
	readyOnce      sync.Once
	statusSignalCh chan struct{}
	stopCh         chan struct{}
	stopOnce       sync.Once
	wg             sync.WaitGroup
}

// New creates a Launcher. connectionTimeout of zero uses
// DefaultNodesConnectionTimeout; dispatchLimit of zero uses
// DefaultDispatchConcurrency. images may be nil, in which case every
// request is placed with no resolved layers.
func New(
	log zerolog.Logger,
	bal *balancer.Balancer,
	nodeInfo NodeInfoProvider,
	resources ResourceManager,
	images ImageProvider,
	instances InstanceStore,
	runtimes RuntimeRegistry,
	connectionTimeout time.Duration,
	dispatchLimit int,
) *Launcher {
	if connectionTimeout <= 0 {
		connectionTimeout = DefaultNodesConnectionTimeout
	}
	if dispatchLimit <= 0 {
		dispatchLimit = DefaultDispatchConcurrency
	}

	return &Launcher{
		log:               log,
		balancer:          bal,
		nodeInfo:          nodeInfo,
		resources:         resources,
		images:            images,
		instances:         instances,
		runtimes:          runtimes,
		connectionTimeout: connectionTimeout,
		dispatchLimit:     dispatchLimit,
		nodes:             make(map[string]*nodehandler.NodeHandler),
		status:            make(map[types.InstanceIdent]types.InstanceStatus),
		nodeStatus:        make(map[string]types.NodeStatus),
		lastRequests:      make(map[types.InstanceIdent]types.RunServiceRequest),
		pendingReady:      make(map[string]bool),
		allReadyCh:        make(chan struct{}),
		statusSignalCh:    make(chan struct{}, 1),
		stopCh:            make(chan struct{}),
	}
}

// SetListener registers the single listener notified of status changes.
// A nil listener silences notifications.
func (l *Launcher) SetListener(listener Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listener = listener
}

// Start loads persisted instances, seeds a node handler for every node
// the node info provider already knows about, and begins watching for
// connectivity changes. It returns once the instance manager is up;
// readiness of individual nodes is awaited asynchronously, and a
// deferred status report fires once every node has reported in (or the
// connection timeout elapses).
func (l *Launcher) Start(ctx context.Context) error {
	if err := l.instances.Start(ctx); err != nil {
		return cmerr.Wrap(cmerr.Failed, err, "start instance manager")
	}

	ids := l.nodeInfo.GetAllNodeIDs()

	l.mu.Lock()
	for _, id := range ids {
		l.pendingReady[id] = true
	}
	allReady := len(l.pendingReady) == 0
	l.mu.Unlock()

	if allReady {
		l.readyOnce.Do(func() { close(l.allReadyCh) })
	}

	for _, id := range ids {
		l.registerNode(ctx, id)
	}

	l.nodeInfo.Subscribe(l)

	l.wg.Add(2)
	go l.awaitReadiness()
	go l.statusDebounceLoop()

	return nil
}

// Stop cancels the readiness and debounce workers, waits for any
// in-flight RunInstances dispatch to drain, and stops the instance
// manager. It is idempotent.
func (l *Launcher) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.nodeInfo.Unsubscribe(l)

	// Waiting for runMu drains any in-flight RunInstances before the
	// instance manager is stopped out from under it.
	l.runMu.Lock()
	l.runMu.Unlock()

	l.wg.Wait()
	l.instances.Stop()
}

func (l *Launcher) registerNode(ctx context.Context, id string) {
	info, ok := l.nodeInfo.GetNodeInfo(id)
	if !ok {
		return
	}

	cfg, err := l.resources.GetNodeConfig(ctx, id, info.Type)
	if err != nil {
		l.log.Warn().Err(err).Str("node_id", id).Msg("failed to load node config, registering with defaults")
	}

	node := nodehandler.New(info.NodeInfo, cfg)
	node.SetState(info.State)

	l.mu.Lock()
	l.nodes[id] = node
	l.mu.Unlock()

	l.balancer.RegisterNode(node)
}

// OnNodeInfoChanged implements nodeinfo.Listener. It is only invoked for
// nodes the provider considers ready, so it both keeps this launcher's
// node handlers current and satisfies the Start-time readiness wait.
func (l *Launcher) OnNodeInfoChanged(info types.UnitNodeInfo) {
	l.mu.Lock()
	node, known := l.nodes[info.ID]
	l.mu.Unlock()

	if !known {
		cfg, err := l.resources.GetNodeConfig(context.Background(), info.ID, info.Type)
		if err != nil {
			l.log.Warn().Err(err).Str("node_id", info.ID).Msg("failed to load node config, registering with defaults")
		}
		node = nodehandler.New(info.NodeInfo, cfg)
		l.mu.Lock()
		l.nodes[info.ID] = node
		l.mu.Unlock()
		l.balancer.RegisterNode(node)
	}
	node.SetState(info.State)

	l.markReady(info.ID)
}

func (l *Launcher) markReady(id string) {
	l.mu.Lock()
	delete(l.pendingReady, id)
	remaining := len(l.pendingReady)
	l.mu.Unlock()

	if remaining == 0 {
		l.readyOnce.Do(func() { close(l.allReadyCh) })
	}
}

func (l *Launcher) awaitReadiness() {
	defer l.wg.Done()

	select {
	case <-l.allReadyCh:
	case <-time.After(l.connectionTimeout):
		l.log.Warn().Msg("connection wait timed out with nodes still pending, reporting status anyway")
	case <-l.stopCh:
		return
	}

	l.mu.Lock()
	status := l.snapshotInstanceStatusLocked()
	listener := l.listener
	l.mu.Unlock()

	if listener != nil {
		listener.RunStatusChanged(status)
	}
}

// RunInstances invokes the balancer under the single exclusive dispatch
// lock, dispatches the resulting per-node batches through a bounded
// worker pool, and reports the merged status set to the listener.
func (l *Launcher) RunInstances(ctx context.Context, requests []types.RunServiceRequest, stop []types.InstanceIdent, rebalancing bool) ([]types.InstanceStatus, error) {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	if rebalancing {
		metrics.RebalancesTotal.Inc()
	}

	l.rememberRequests(requests, stop)

	capacity := l.buildCapacityInputs(rebalancing)
	layers := l.resolveLayers(ctx, requests)

	statuses, batches := l.balancer.Place(ctx, requests, stop, rebalancing, capacity, layers)

	l.dispatch(ctx, batches)
	l.mergeInstanceStatus(statuses)

	l.mu.Lock()
	merged := l.snapshotInstanceStatusLocked()
	listener := l.listener
	l.mu.Unlock()

	if listener != nil {
		listener.RunStatusChanged(merged)
	}

	return statuses, nil
}

// Rebalance re-places every currently desired instance from scratch,
// per the request bookkeeping RunInstances maintains.
func (l *Launcher) Rebalance(ctx context.Context) ([]types.InstanceStatus, error) {
	return l.RunInstances(ctx, l.currentDesired(), nil, true)
}

func (l *Launcher) rememberRequests(requests []types.RunServiceRequest, stop []types.InstanceIdent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, req := range requests {
		l.lastRequests[req.Ident] = req
	}
	for _, ident := range stop {
		delete(l.lastRequests, ident)
	}
}

func (l *Launcher) currentDesired() []types.RunServiceRequest {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]types.RunServiceRequest, 0, len(l.lastRequests))
	for _, req := range l.lastRequests {
		out = append(out, req)
	}
	return out
}

func (l *Launcher) buildCapacityInputs(rebalancing bool) map[string]balancer.CapacityInput {
	l.mu.Lock()
	nodeIDs := make([]string, 0, len(l.nodes))
	for id := range l.nodes {
		nodeIDs = append(nodeIDs, id)
	}
	l.mu.Unlock()

	type demand struct {
		cpu float64
		ram int64
	}
	running := make(map[string]demand)
	if rebalancing {
		for _, info := range l.instances.List() {
			if info.Cached {
				continue
			}
			d := running[info.NodeID]
			d.cpu += info.CPUQuota
			d.ram += info.RAMQuota
			running[info.NodeID] = d
		}
	}

	out := make(map[string]balancer.CapacityInput, len(nodeIDs))
	for _, id := range nodeIDs {
		var avg types.ResourceUsage
		if info, ok := l.nodeInfo.GetNodeInfo(id); ok && info.SMInfo != nil {
			avg = info.SMInfo.AvgMonitored
		}
		d := running[id]
		out[id] = balancer.CapacityInput{AvgMonitored: avg, RunningCPU: d.cpu, RunningRAM: d.ram}
	}
	return out
}

func (l *Launcher) resolveLayers(ctx context.Context, requests []types.RunServiceRequest) map[types.InstanceIdent][]types.LayerInfo {
	if l.images == nil {
		return nil
	}

	out := make(map[types.InstanceIdent][]types.LayerInfo, len(requests))
	for _, req := range requests {
		layers, err := l.images.ResolveLayers(ctx, req.Service)
		if err != nil {
			l.log.Warn().Err(err).Str("instance", req.Ident.String()).Msg("failed to resolve service layers")
			continue
		}
		out[req.Ident] = layers
	}
	return out
}

func (l *Launcher) dispatch(ctx context.Context, batches []balancer.NodeBatch) {
	if len(batches) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(l.dispatchLimit)

	for _, batch := range batches {
		batch := batch
		g.Go(func() error {
			l.dispatchOne(ctx, batch)
			return nil
		})
	}
	_ = g.Wait()
}

func (l *Launcher) dispatchOne(ctx context.Context, batch balancer.NodeBatch) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.DispatchDuration, batch.Node.ID())

	runtime, ok := l.runtimes.RuntimeFor(batch.Node.ID())
	if !ok {
		l.log.Warn().Str("node_id", batch.Node.ID()).Msg("no runtime registered for node, skipping dispatch")
		return
	}

	rebootRequired, err := batch.Node.StartInstances(ctx, runtime, batch.Stop, batch.ForceRestart)
	if err != nil {
		l.log.Error().Err(err).Str("node_id", batch.Node.ID()).Msg("dispatch to node runtime failed")
	}

	status := "ok"
	if err != nil {
		status = "failed"
	}

	l.mu.Lock()
	if err != nil {
		// A failed dispatch does not clear a pending reboot request.
		rebootRequired = rebootRequired || l.nodeStatus[batch.Node.ID()].RebootRequired
	}
	l.nodeStatus[batch.Node.ID()] = types.NodeStatus{
		NodeID:         batch.Node.ID(),
		Status:         status,
		Err:            err,
		RebootRequired: rebootRequired,
	}
	l.mu.Unlock()
}

func (l *Launcher) mergeInstanceStatus(statuses []types.InstanceStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range statuses {
		l.status[s.Ident] = s
	}
}

func (l *Launcher) snapshotInstanceStatusLocked() []types.InstanceStatus {
	out := make([]types.InstanceStatus, 0, len(l.status))
	for _, s := range l.status {
		out = append(out, s)
	}
	return out
}

// OnStatusChanged merges an out-of-band per-node status report (e.g. a
// reboot confirmation reported outside a RunInstances dispatch) into
// the tracked node status set and schedules a debounced notification.
func (l *Launcher) OnStatusChanged(status types.NodeStatus) {
	l.mu.Lock()
	l.nodeStatus[status.NodeID] = status
	l.mu.Unlock()

	select {
	case l.statusSignalCh <- struct{}{}:
	default:
	}
}

func (l *Launcher) statusDebounceLoop() {
	defer l.wg.Done()

	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-l.stopCh:
			return
		case <-l.statusSignalCh:
			if timer == nil {
				timer = time.NewTimer(statusDebounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(statusDebounce)
			}
			timerCh = timer.C
		case <-timerCh:
			timerCh = nil
			l.flushNodeStatus()
		}
	}
}

func (l *Launcher) flushNodeStatus() {
	l.mu.Lock()
	out := make([]types.NodeStatus, 0, len(l.nodeStatus))
	for _, s := range l.nodeStatus {
		out = append(out, s)
	}
	listener := l.listener
	l.mu.Unlock()

	if listener != nil {
		listener.NodeStatusChanged(out)
	}
}
