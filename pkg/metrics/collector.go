package metrics

import (
	"time"

	"github.com/edgefleet/cm/pkg/types"
)

// NodeLister is the callback a Collector polls for current node
// inventory. pkg/nodeinfo's Provider has no method of this shape; a
// caller builds the slice from GetAllNodeIDs and GetNodeInfo, so
// pkg/metrics never imports pkg/nodeinfo and no import cycle arises.
type NodeLister func() []types.UnitNodeInfo

// InstanceLister is the callback a Collector polls for current instance
// records. pkg/instancemanager's Manager.List returns pointers, so it is
// not an InstanceLister as is; a caller copies the records it returns.
type InstanceLister func() []types.InstanceInfo

// Collector periodically samples node and instance inventory into the
// package's gauges. Callers supply the inventory as plain functions
// rather than handing the collector a concrete subsystem, so pkg/metrics
// never imports pkg/nodeinfo or pkg/instancemanager.
type Collector struct {
	listNodes     NodeLister
	listInstances InstanceLister
	interval      time.Duration
	stopCh        chan struct{}
}

// NewCollector creates a Collector. Either callback may be nil, in which
// case the corresponding metrics are left unset.
func NewCollector(listNodes NodeLister, listInstances InstanceLister, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		listNodes:     listNodes,
		listInstances: listInstances,
		interval:      interval,
		stopCh:        make(chan struct{}),
	}
}

// Start begins the periodic sampling loop in a background goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the sampling loop. It must not be called more than once.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectNodeMetrics()
	c.collectInstanceMetrics()
}

func (c *Collector) collectNodeMetrics() {
	if c.listNodes == nil {
		return
	}

	nodes := c.listNodes()

	counts := make(map[string]map[string]int)
	for _, node := range nodes {
		role := node.Type
		state := string(node.State)

		if counts[role] == nil {
			counts[role] = make(map[string]int)
		}
		counts[role][state]++
	}

	for role, states := range counts {
		for state, count := range states {
			NodesTotal.WithLabelValues(role, state).Set(float64(count))
		}
	}
}

func (c *Collector) collectInstanceMetrics() {
	if c.listInstances == nil {
		return
	}

	instances := c.listInstances()

	counts := map[string]int{"scheduled": 0, "cached": 0, "failed": 0}
	for _, inst := range instances {
		switch {
		case inst.Err != nil:
			counts["failed"]++
		case inst.Cached:
			counts["cached"]++
		default:
			counts["scheduled"]++
		}
	}

	for state, count := range counts {
		InstancesTotal.WithLabelValues(state).Set(float64(count))
	}
}
