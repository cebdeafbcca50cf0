package balancer_test

import (
	"context"
	"testing"

	"github.com/edgefleet/cm/pkg/balancer"
	"github.com/edgefleet/cm/pkg/cmerr"
	"github.com/edgefleet/cm/pkg/nodehandler"
	"github.com/edgefleet/cm/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeTracker struct {
	instances map[types.InstanceIdent]*types.InstanceInfo
	errs      map[types.InstanceIdent]error
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		instances: make(map[types.InstanceIdent]*types.InstanceInfo),
		errs:      make(map[types.InstanceIdent]error),
	}
}

func (f *fakeTracker) SetupInstance(ctx context.Context, req types.RunServiceRequest, node *nodehandler.NodeHandler, layers []types.LayerInfo, rebalancing bool) (*types.InstanceInfo, error) {
	if err := node.AddRunRequest(req.Ident, req.Service, layers); err != nil {
		return nil, err
	}
	info := &types.InstanceInfo{Ident: req.Ident, NodeID: node.ID()}
	f.instances[req.Ident] = info
	return info, nil
}

func (f *fakeTracker) SetInstanceError(ident types.InstanceIdent, version string, cause error) error {
	f.errs[ident] = cause
	return nil
}

func (f *fakeTracker) SetInstanceNetwork(ident types.InstanceIdent, network *types.InstanceNetworkInfo) error {
	if info, ok := f.instances[ident]; ok {
		info.Network = network
	}
	return nil
}

func (f *fakeTracker) Get(ident types.InstanceIdent) (*types.InstanceInfo, bool) {
	info, ok := f.instances[ident]
	return info, ok
}

type fakeNetwork struct {
	calls int
}

func (f *fakeNetwork) PrepareInstanceNetworkParameters(ctx context.Context, ident types.InstanceIdent, networkID, nodeID string) (*types.InstanceNetworkInfo, error) {
	f.calls++
	return &types.InstanceNetworkInfo{NetworkID: networkID}, nil
}

func (f *fakeNetwork) RemoveInstanceNetworkParameters(ctx context.Context, ident types.InstanceIdent, nodeID string) error {
	return nil
}

func (f *fakeNetwork) GetInstances(networkID string) ([]types.InstanceIdent, error) { return nil, nil }
func (f *fakeNetwork) UpdateProviderNetwork(info types.NetworkInfo) error           { return nil }

func newNode(id string, priority int, runtimes []string, labels []string) *nodehandler.NodeHandler {
	n := nodehandler.New(
		types.NodeInfo{ID: id, MaxDMIPS: 1000, TotalRAM: 1 << 30, Runtimes: runtimes},
		types.NodeConfig{Priority: priority, Labels: labels},
	)
	n.SetState(types.NodeStateOnline)
	n.InitializeCapacity(types.ResourceUsage{}, false, 0, 0)
	return n
}

func TestPlaceSelectsHighestPriorityEligibleNode(t *testing.T) {
	tracker := newFakeTracker()
	b := balancer.New(zerolog.Nop(), tracker, &fakeNetwork{})

	low := newNode("low", 1, []string{"runc"}, nil)
	high := newNode("high", 5, []string{"runc"}, nil)
	b.RegisterNode(low)
	b.RegisterNode(high)

	req := types.RunServiceRequest{
		Ident:   types.InstanceIdent{ItemID: "svc", SubjectID: "s", Instance: 0},
		Service: types.ServiceInfo{Runner: "runc"},
	}

	statuses, batches := b.Place(context.Background(), []types.RunServiceRequest{req}, nil, false, nil, nil)
	require.Len(t, statuses, 1)
	require.Equal(t, types.InstanceStateScheduled, statuses[0].State)
	require.Equal(t, "high", statuses[0].NodeID)

	require.Len(t, batches, 1)
	require.Equal(t, "high", batches[0].Node.ID())
	require.Empty(t, batches[0].Stop)
}

func TestPlaceFailsWhenNoNodeHasRequiredLabel(t *testing.T) {
	tracker := newFakeTracker()
	b := balancer.New(zerolog.Nop(), tracker, &fakeNetwork{})
	b.RegisterNode(newNode("n1", 1, []string{"runc"}, nil))

	req := types.RunServiceRequest{
		Ident:   types.InstanceIdent{ItemID: "svc", SubjectID: "s", Instance: 0},
		Service: types.ServiceInfo{Runner: "runc", Labels: []string{"gpu"}},
	}

	statuses, _ := b.Place(context.Background(), []types.RunServiceRequest{req}, nil, false, nil, nil)
	require.Len(t, statuses, 1)
	require.Equal(t, types.InstanceStateFailed, statuses[0].State)
	require.True(t, cmerr.Is(statuses[0].Err, cmerr.NotFound))
	require.Error(t, tracker.errs[req.Ident])
}

func TestPlaceFailsWhenQuotaExceedsUnitCapacity(t *testing.T) {
	tracker := newFakeTracker()
	b := balancer.New(zerolog.Nop(), tracker, &fakeNetwork{})
	node := newNode("n1", 1, []string{"runc"}, nil)
	b.RegisterNode(node)

	req := types.RunServiceRequest{
		Ident:   types.InstanceIdent{ItemID: "svc", SubjectID: "s", Instance: 0},
		Service: types.ServiceInfo{Runner: "runc", Config: types.ServiceConfig{StateQuota: 1 << 40}},
	}

	statuses, _ := b.Place(context.Background(), []types.RunServiceRequest{req}, nil, false, nil, nil)
	require.Len(t, statuses, 1)
	require.Equal(t, types.InstanceStateFailed, statuses[0].State)
	require.True(t, cmerr.Is(statuses[0].Err, cmerr.NoMemory))
}

func TestPlacePinsToCurrentNodeWhenBalancingDisabled(t *testing.T) {
	tracker := newFakeTracker()
	b := balancer.New(zerolog.Nop(), tracker, &fakeNetwork{})

	low := newNode("low", 1, []string{"runc"}, nil)
	high := newNode("high", 5, []string{"runc"}, nil)
	b.RegisterNode(low)
	b.RegisterNode(high)

	ident := types.InstanceIdent{ItemID: "svc", SubjectID: "s", Instance: 0}
	tracker.instances[ident] = &types.InstanceInfo{Ident: ident, NodeID: "low"}

	req := types.RunServiceRequest{
		Ident:   ident,
		Service: types.ServiceInfo{Runner: "runc", Config: types.ServiceConfig{BalancingPolicy: types.BalancingDisabled}},
	}

	statuses, _ := b.Place(context.Background(), []types.RunServiceRequest{req}, nil, false, nil, nil)
	require.Len(t, statuses, 1)
	require.Equal(t, "low", statuses[0].NodeID)
}

func TestPlaceStopsInstanceOnPreviousNodeAfterMove(t *testing.T) {
	tracker := newFakeTracker()
	b := balancer.New(zerolog.Nop(), tracker, &fakeNetwork{})

	node := newNode("only", 5, []string{"runc"}, nil)
	elsewhere := newNode("elsewhere", 1, []string{"runc"}, nil)
	b.RegisterNode(node)
	b.RegisterNode(elsewhere)

	ident := types.InstanceIdent{ItemID: "svc", SubjectID: "s", Instance: 0}
	tracker.instances[ident] = &types.InstanceInfo{Ident: ident, NodeID: "elsewhere"}

	req := types.RunServiceRequest{Ident: ident, Service: types.ServiceInfo{Runner: "runc"}}

	statuses, batches := b.Place(context.Background(), []types.RunServiceRequest{req}, nil, false, nil, nil)
	require.NotEqual(t, "elsewhere", statuses[0].NodeID)

	var stoppedOnElsewhere bool
	for _, batch := range batches {
		if batch.Node.ID() == "elsewhere" {
			require.Contains(t, batch.Stop, ident)
			stoppedOnElsewhere = true
		}
	}
	require.True(t, stoppedOnElsewhere, "expected a batch stopping the instance on its previous node")
}

func TestPlaceDispatchesExplicitStopToOwningNode(t *testing.T) {
	tracker := newFakeTracker()
	b := balancer.New(zerolog.Nop(), tracker, &fakeNetwork{})

	node := newNode("n1", 1, []string{"runc"}, nil)
	b.RegisterNode(node)

	ident := types.InstanceIdent{ItemID: "svc", SubjectID: "s", Instance: 0}
	tracker.instances[ident] = &types.InstanceInfo{Ident: ident, NodeID: "n1"}

	_, batches := b.Place(context.Background(), nil, []types.InstanceIdent{ident}, false, nil, nil)
	require.Len(t, batches, 1)
	require.Equal(t, "n1", batches[0].Node.ID())
	require.Contains(t, batches[0].Stop, ident)
}

func TestPlaceExhaustsStatePartitionAcrossPass(t *testing.T) {
	tracker := newFakeTracker()
	b := balancer.New(zerolog.Nop(), tracker, &fakeNetwork{})

	node := nodehandler.New(
		types.NodeInfo{
			ID:         "n1",
			MaxDMIPS:   1000,
			TotalRAM:   1 << 30,
			Runtimes:   []string{"runc"},
			Partitions: []types.PartitionInfo{{Type: "state", TotalBytes: 1024}},
		},
		types.NodeConfig{Priority: 1},
	)
	node.SetState(types.NodeStateOnline)
	node.InitializeCapacity(types.ResourceUsage{}, false, 0, 0)
	b.RegisterNode(node)

	requests := make([]types.RunServiceRequest, 5)
	for i := range requests {
		requests[i] = types.RunServiceRequest{
			Ident:   types.InstanceIdent{ItemID: "svc", SubjectID: "s", Instance: uint64(i)},
			Service: types.ServiceInfo{Runner: "runc", Config: types.ServiceConfig{StateQuota: 300}},
		}
	}

	statuses, _ := b.Place(context.Background(), requests, nil, false, nil, nil)
	require.Len(t, statuses, 5)

	var scheduled, failed int
	for _, s := range statuses {
		switch s.State {
		case types.InstanceStateScheduled:
			scheduled++
		case types.InstanceStateFailed:
			failed++
			require.True(t, cmerr.Is(s.Err, cmerr.NoMemory))
		}
	}
	require.Equal(t, 3, scheduled, "1024 bytes of state partition fits exactly three 300-byte instances")
	require.Equal(t, 2, failed)
}
