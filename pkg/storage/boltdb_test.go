package storage_test

import (
	"testing"

	"github.com/edgefleet/cm/pkg/cmerr"
	"github.com/edgefleet/cm/pkg/storage"
	"github.com/edgefleet/cm/pkg/types"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestInstanceUpsertAndGet(t *testing.T) {
	store := newStore(t)
	ident := types.InstanceIdent{ItemID: "item1", SubjectID: "subj1", Instance: 0}

	_, err := store.GetInstance(ident)
	require.True(t, cmerr.Is(err, cmerr.NotFound))

	info := &types.InstanceInfo{Ident: ident, NodeID: "node-1"}
	require.NoError(t, store.CreateInstance(info))

	got, err := store.GetInstance(ident)
	require.NoError(t, err)
	require.Equal(t, "node-1", got.NodeID)

	info.NodeID = "node-2"
	require.NoError(t, store.UpdateInstance(info))

	got, err = store.GetInstance(ident)
	require.NoError(t, err)
	require.Equal(t, "node-2", got.NodeID)
}

func TestListInstances(t *testing.T) {
	store := newStore(t)

	for i := uint64(0); i < 3; i++ {
		ident := types.InstanceIdent{ItemID: "item1", SubjectID: "subj1", Instance: i}
		require.NoError(t, store.CreateInstance(&types.InstanceInfo{Ident: ident}))
	}

	instances, err := store.ListInstances()
	require.NoError(t, err)
	require.Len(t, instances, 3)
}

func TestDeleteInstance(t *testing.T) {
	store := newStore(t)
	ident := types.InstanceIdent{ItemID: "item1", SubjectID: "subj1", Instance: 0}
	require.NoError(t, store.CreateInstance(&types.InstanceInfo{Ident: ident}))

	require.NoError(t, store.DeleteInstance(ident))

	_, err := store.GetInstance(ident)
	require.True(t, cmerr.Is(err, cmerr.NotFound))
}

func TestDesiredStatusRoundTrip(t *testing.T) {
	store := newStore(t)

	_, err := store.GetDesiredStatus()
	require.True(t, cmerr.Is(err, cmerr.NotFound))

	status := &types.DesiredStatus{Version: "1"}
	require.NoError(t, store.SaveDesiredStatus(status))

	got, err := store.GetDesiredStatus()
	require.NoError(t, err)
	require.Equal(t, "1", got.Version)

	status.Version = "2"
	require.NoError(t, store.SaveDesiredStatus(status))

	got, err = store.GetDesiredStatus()
	require.NoError(t, err)
	require.Equal(t, "2", got.Version)
}

func TestUpdateStateDefaultsToNone(t *testing.T) {
	store := newStore(t)

	state, err := store.GetUpdateState()
	require.NoError(t, err)
	require.Equal(t, types.UpdateStateNone, state)

	require.NoError(t, store.SaveUpdateState(types.UpdateStateDownloading))

	state, err = store.GetUpdateState()
	require.NoError(t, err)
	require.Equal(t, types.UpdateStateDownloading, state)
}

func TestNetworkCRUD(t *testing.T) {
	store := newStore(t)
	network := &types.NetworkInfo{NetworkID: "net-1", VlanID: 42}

	require.NoError(t, store.CreateNetwork(network))

	got, err := store.GetNetwork("net-1")
	require.NoError(t, err)
	require.Equal(t, 42, got.VlanID)

	networks, err := store.ListNetworks()
	require.NoError(t, err)
	require.Len(t, networks, 1)

	require.NoError(t, store.DeleteNetwork("net-1"))
	_, err = store.GetNetwork("net-1")
	require.True(t, cmerr.Is(err, cmerr.NotFound))
}

func TestTrafficCountersScopedByInstance(t *testing.T) {
	store := newStore(t)
	identA := types.InstanceIdent{ItemID: "item1", SubjectID: "subj1", Instance: 0}
	identB := types.InstanceIdent{ItemID: "item2", SubjectID: "subj2", Instance: 0}

	require.NoError(t, store.SaveTrafficCounters(&types.TrafficCounters{Ident: identA, Chain: "ingress", RxBytes: 100}))
	require.NoError(t, store.SaveTrafficCounters(&types.TrafficCounters{Ident: identA, Chain: "egress", TxBytes: 50}))
	require.NoError(t, store.SaveTrafficCounters(&types.TrafficCounters{Ident: identB, Chain: "ingress", RxBytes: 9}))

	counters, err := store.ListTrafficCounters(identA)
	require.NoError(t, err)
	require.Len(t, counters, 2)

	counters, err = store.ListTrafficCounters(identB)
	require.NoError(t, err)
	require.Len(t, counters, 1)
	require.EqualValues(t, 9, counters[0].RxBytes)
}
