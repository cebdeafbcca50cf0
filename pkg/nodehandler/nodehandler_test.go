package nodehandler_test

import (
	"testing"

	"github.com/edgefleet/cm/pkg/cmerr"
	"github.com/edgefleet/cm/pkg/nodehandler"
	"github.com/edgefleet/cm/pkg/types"
	"github.com/stretchr/testify/require"
)

func newHandler(id string, priority int, state types.NodeState) *nodehandler.NodeHandler {
	h := nodehandler.New(
		types.NodeInfo{
			ID:       id,
			MaxDMIPS: 1000,
			TotalRAM: 1 << 30,
			Devices: []types.DeviceDeclaration{
				{Name: "gpu0", Shared: false},
				{Name: "cam0", Shared: true, Capacity: 2},
			},
		},
		types.NodeConfig{Priority: priority},
	)
	h.SetState(state)
	h.InitializeCapacity(types.ResourceUsage{}, false, 0, 0)
	return h
}

func TestGetNodesByPrioritiesOrdersAndFilters(t *testing.T) {
	low := newHandler("node-b", 1, types.NodeStateOnline)
	high := newHandler("node-a", 5, types.NodeStateOnline)
	tie1 := newHandler("node-z", 5, types.NodeStateOnline)
	tie2 := newHandler("node-y", 5, types.NodeStateOnline)
	offline := newHandler("node-c", 10, types.NodeStateOffline)

	ordered := nodehandler.GetNodesByPriorities([]*nodehandler.NodeHandler{low, high, tie1, tie2, offline})

	require.Len(t, ordered, 4)
	require.Equal(t, "node-a", ordered[0].ID())
	require.Equal(t, "node-y", ordered[1].ID())
	require.Equal(t, "node-z", ordered[2].ID())
	require.Equal(t, "node-b", ordered[3].ID())
}

func TestHasDevicesRespectsSharedCapacity(t *testing.T) {
	h := newHandler("node-a", 1, types.NodeStateOnline)

	require.True(t, h.HasDevices([]types.DeviceRequirement{{Name: "cam0"}}))
	require.True(t, h.HasDevices([]types.DeviceRequirement{{Name: "gpu0"}}))
	require.False(t, h.HasDevices([]types.DeviceRequirement{{Name: "missing"}}))
}

func TestAddRunRequestDecrementsDeviceSharesAndHeadroom(t *testing.T) {
	h := newHandler("node-a", 1, types.NodeStateOnline)

	svc := types.ServiceInfo{
		Runner: "runc",
		Config: types.ServiceConfig{CPUQuota: 100, RAMQuota: 1 << 20},
		Devices: []types.DeviceRequirement{
			{Name: "gpu0"},
		},
	}
	ident := types.InstanceIdent{ItemID: "item1", SubjectID: "subj1", Instance: 0}

	require.NoError(t, h.AddRunRequest(ident, svc, nil))
	require.False(t, h.HasDevices([]types.DeviceRequirement{{Name: "gpu0"}}))

	ident2 := types.InstanceIdent{ItemID: "item2", SubjectID: "subj1", Instance: 0}
	err := h.AddRunRequest(ident2, svc, nil)
	require.Error(t, err)

	require.InDelta(t, float64(1000-100), h.GetAvailableCPU(), 0.001)
	require.Equal(t, int64((1<<30)-(1<<20)), h.GetAvailableRAM())
}

func TestGetRequestedResourcesFallsBackToNodeRatio(t *testing.T) {
	h := newHandler("node-a", 1, types.NodeStateOnline)
	cfg := types.ServiceConfig{} // no explicit quota

	cpu := h.GetRequestedCPU(cfg)
	ram := h.GetRequestedRAM(cfg)

	require.InDelta(t, 1000*types.DefaultResourceRatio/100.0, cpu, 0.001)
	require.Equal(t, int64(float64(1<<30)*types.DefaultResourceRatio/100.0), ram)
}

func TestInitializeCapacitySubtractsRunningTotalsOnlyWhenRebalancing(t *testing.T) {
	h := nodehandler.New(
		types.NodeInfo{ID: "node-a", MaxDMIPS: 1000, TotalRAM: 1 << 30},
		types.NodeConfig{},
	)

	h.InitializeCapacity(types.ResourceUsage{CPUNonAos: 100, RAMNonAos: 1 << 10}, false, 200, 1<<20)
	require.InDelta(t, 900.0, h.GetAvailableCPU(), 0.001)

	h.InitializeCapacity(types.ResourceUsage{CPUNonAos: 100, RAMNonAos: 1 << 10}, true, 200, 1<<20)
	require.InDelta(t, 700.0, h.GetAvailableCPU(), 0.001)
}

func TestAddRunRequestDeductsPartitionQuotaAndExhausts(t *testing.T) {
	h := nodehandler.New(
		types.NodeInfo{
			ID:         "node-a",
			MaxDMIPS:   1000,
			TotalRAM:   1 << 30,
			Partitions: []types.PartitionInfo{{Type: "state", TotalBytes: 1024}},
		},
		types.NodeConfig{},
	)
	h.InitializeCapacity(types.ResourceUsage{}, false, 0, 0)

	svc := types.ServiceInfo{Runner: "runc", Config: types.ServiceConfig{StateQuota: 300}}

	for i := 0; i < 3; i++ {
		ident := types.InstanceIdent{ItemID: "item", SubjectID: "subj", Instance: uint64(i)}
		require.NoError(t, h.AddRunRequest(ident, svc, nil))
	}
	require.Equal(t, int64(124), h.GetAvailablePartitionBytes("state"))
	require.False(t, h.HasPartitionCapacity("state", 300))

	ident := types.InstanceIdent{ItemID: "item", SubjectID: "subj", Instance: 3}
	err := h.AddRunRequest(ident, svc, nil)
	require.Error(t, err)
	require.True(t, cmerr.Is(err, cmerr.NoMemory))
}
