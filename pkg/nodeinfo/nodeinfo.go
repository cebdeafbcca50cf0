// Package nodeinfo implements the communication manager's node
// inventory cache: static node facts merged with the dynamic
// resource/runtime report each node's service manager sends, exposed
// through a ready/connected predicate and asynchronous listener
// fan-out.
package nodeinfo

import (
	"sync"
	"time"

	"github.com/edgefleet/cm/pkg/cmerr"
	"github.com/edgefleet/cm/pkg/metrics"
	"github.com/edgefleet/cm/pkg/types"
	"github.com/rs/zerolog"
)

var errTimeout = cmerr.New(cmerr.Timeout, "service manager connection wait expired")

// DefaultSMConnectionTimeout bounds how long the provider waits for a
// node's service manager to connect and report before treating the
// node as ready anyway (with an Error state attached).
const DefaultSMConnectionTimeout = 30 * time.Second

// Listener is notified whenever a node's projected UnitNodeInfo
// changes. Callbacks run synchronously on the provider's single
// notification worker, so implementations must not block.
type Listener interface {
	OnNodeInfoChanged(info types.UnitNodeInfo)
}

type cacheEntry struct {
	info       types.NodeInfo
	hasSM      bool // whether this node hosts a service manager component
	connected  bool
	sm         *types.SMInfo
	lastUpdate time.Time
	firstSeen  time.Time // when this node entered the cache; the connection wait is measured from here
}

func (e *cacheEntry) waitExpired(timeout time.Duration) bool {
	return !e.firstSeen.IsZero() && time.Since(e.firstSeen) > timeout
}

func (e *cacheEntry) ready(timeout time.Duration) bool {
	if !e.hasSM {
		return true
	}
	if e.connected && e.sm != nil {
		return true
	}
	return e.waitExpired(timeout)
}

func (e *cacheEntry) project(timeout time.Duration) types.UnitNodeInfo {
	out := types.UnitNodeInfo{
		NodeInfo:    e.info,
		State:       e.state(),
		IsConnected: e.connected,
		SMInfo:      e.sm,
	}
	if e.hasSM && !e.connected && e.waitExpired(timeout) {
		out.State = types.NodeStateError
		out.Error = errTimeout
	}
	return out
}

// state derives the node's connectivity/provisioning state from what has
// actually been observed so far, rather than tracking a separately
// assigned field: a node with no SM component is provisioned and
// always usable; a node that hosts one is online only once it is both
// connected and has reported an SMInfo, and provisioned (known but not
// yet fully live) while merely connected.
func (e *cacheEntry) state() types.NodeState {
	switch {
	case !e.hasSM:
		return types.NodeStateProvision
	case e.connected && e.sm != nil:
		return types.NodeStateOnline
	case e.connected:
		return types.NodeStateProvision
	default:
		return types.NodeStateOffline
	}
}

// Provider caches every node's inventory and fans out changes to
// subscribed listeners through a single notification worker.
type Provider struct {
	log zerolog.Logger

	timeout time.Duration

	mu       sync.Mutex
	nodes    map[string]*cacheEntry
	queue    []string
	queued   map[string]bool
	waiting  map[string]bool // not-ready entries to re-check on the next timeout wake
	signalCh chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	listenersMu sync.RWMutex
	listeners   map[Listener]bool
}

// NewProvider creates a node inventory cache. timeout of zero uses
// DefaultSMConnectionTimeout.
func NewProvider(log zerolog.Logger, timeout time.Duration) *Provider {
	if timeout <= 0 {
		timeout = DefaultSMConnectionTimeout
	}
	return &Provider{
		log:       log,
		timeout:   timeout,
		nodes:     make(map[string]*cacheEntry),
		queued:    make(map[string]bool),
		waiting:   make(map[string]bool),
		signalCh:  make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		listeners: make(map[Listener]bool),
	}
}

// Start launches the notification worker.
func (p *Provider) Start() {
	p.wg.Add(1)
	go p.run()
}

// Stop shuts the notification worker down and waits for it to exit.
func (p *Provider) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// Subscribe registers a listener for future node info changes.
func (p *Provider) Subscribe(l Listener) {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	p.listeners[l] = true
}

// Unsubscribe removes a previously registered listener.
func (p *Provider) Unsubscribe(l Listener) {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	delete(p.listeners, l)
}

// GetAllNodeIDs returns the identifiers of every node known to the cache.
func (p *Provider) GetAllNodeIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.nodes))
	for id := range p.nodes {
		ids = append(ids, id)
	}
	return ids
}

// GetNodeInfo returns the projected view of one node, or false if the
// node is unknown.
func (p *Provider) GetNodeInfo(id string) (types.UnitNodeInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.nodes[id]
	if !ok {
		return types.UnitNodeInfo{}, false
	}
	return entry.project(p.timeout), true
}

// SetNodeInfo records (or updates) a node's static facts, as sourced
// from IAM.
func (p *Provider) SetNodeInfo(info types.NodeInfo, hasSM bool) {
	p.mu.Lock()
	entry := p.entryLocked(info.ID, hasSM)
	entry.info = info
	entry.lastUpdate = time.Now()
	p.mu.Unlock()

	p.enqueue(info.ID)
}

// SetConnected records a change in a node's service-manager connection
// state.
func (p *Provider) SetConnected(nodeID string, connected bool) {
	p.mu.Lock()
	entry := p.entryLocked(nodeID, true)
	entry.connected = connected
	if !connected {
		entry.sm = nil
	}
	entry.lastUpdate = time.Now()
	p.mu.Unlock()

	p.enqueue(nodeID)
}

// SetSMInfo records a node's latest dynamic resource/runtime report.
func (p *Provider) SetSMInfo(sm types.SMInfo) {
	p.mu.Lock()
	entry := p.entryLocked(sm.NodeID, true)
	entry.sm = &sm
	entry.lastUpdate = time.Now()
	p.mu.Unlock()

	p.enqueue(sm.NodeID)
}

// entryLocked returns the cache entry for nodeID, creating it (and
// starting its connection-wait clock) if absent. Callers must hold p.mu.
func (p *Provider) entryLocked(nodeID string, hasSM bool) *cacheEntry {
	entry, ok := p.nodes[nodeID]
	if !ok {
		entry = &cacheEntry{hasSM: hasSM, firstSeen: time.Now()}
		p.nodes[nodeID] = entry
	}
	return entry
}

func (p *Provider) enqueue(nodeID string) {
	p.mu.Lock()
	if !p.queued[nodeID] {
		p.queued[nodeID] = true
		p.queue = append(p.queue, nodeID)
	}
	p.mu.Unlock()

	select {
	case p.signalCh <- struct{}{}:
	default:
	}
}

func (p *Provider) run() {
	defer p.wg.Done()

	for {
		p.drain()

		select {
		case <-p.stopCh:
			return
		case <-p.signalCh:
			continue
		case <-time.After(p.timeout):
			// Late timeouts still need a pass: a node that was not
			// ready when last dequeued may have crossed the connection
			// timeout since, and nothing else would wake the worker to
			// notice, so every still-waiting node is re-queued here.
			p.requeueWaiting()
			continue
		}
	}
}

func (p *Provider) requeueWaiting() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.waiting {
		if !p.queued[id] {
			p.queued[id] = true
			p.queue = append(p.queue, id)
		}
	}
	p.waiting = make(map[string]bool)
}

func (p *Provider) drain() {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		id := p.queue[0]
		p.queue = p.queue[1:]
		delete(p.queued, id)
		entry, ok := p.nodes[id]
		p.mu.Unlock()

		if !ok {
			continue
		}
		if !entry.ready(p.timeout) {
			p.mu.Lock()
			p.waiting[id] = true
			p.mu.Unlock()
			continue
		}

		p.mu.Lock()
		delete(p.waiting, id)
		p.mu.Unlock()

		projected := entry.project(p.timeout)
		if projected.Error != nil {
			p.log.Warn().Str("node_id", id).Msg("service manager connection timed out")
			metrics.NodeTimeoutsTotal.Inc()
		} else if !entry.firstSeen.IsZero() {
			metrics.NodeReadyWaitSeconds.Observe(time.Since(entry.firstSeen).Seconds())
		}
		p.notify(projected)
	}
}

func (p *Provider) notify(info types.UnitNodeInfo) {
	p.listenersMu.RLock()
	defer p.listenersMu.RUnlock()

	for l := range p.listeners {
		l.OnNodeInfoChanged(info)
	}
}
