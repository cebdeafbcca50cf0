package instancemanager_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/edgefleet/cm/pkg/instancemanager"
	"github.com/edgefleet/cm/pkg/nodehandler"
	"github.com/edgefleet/cm/pkg/storage"
	"github.com/edgefleet/cm/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeItemChecker struct {
	missing map[string]bool
}

func (f *fakeItemChecker) ItemExists(itemID string) bool {
	return !f.missing[itemID]
}

type fakeStorageState struct {
	removed []types.InstanceIdent
}

func (f *fakeStorageState) Setup(ctx context.Context, ident types.InstanceIdent, uid uint32, stateQuota, storageQuota int64) (string, string, error) {
	return "/state/" + ident.String(), "/storage/" + ident.String(), nil
}

func (f *fakeStorageState) Remove(ctx context.Context, ident types.InstanceIdent) error {
	f.removed = append(f.removed, ident)
	return nil
}

func (f *fakeStorageState) GetInstanceCheckSum(ctx context.Context, ident types.InstanceIdent) ([]byte, error) {
	return []byte("checksum"), nil
}

func newTestManager(t *testing.T) (*instancemanager.Manager, storage.Store, *fakeItemChecker, *fakeStorageState) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	items := &fakeItemChecker{missing: map[string]bool{}}
	ss := &fakeStorageState{}

	mgr := instancemanager.New(zerolog.Nop(), store, items, ss, time.Hour)
	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(mgr.Stop)

	return mgr, store, items, ss
}

func newTestNode(t *testing.T) *nodehandler.NodeHandler {
	t.Helper()
	node := nodehandler.New(
		types.NodeInfo{ID: "node-1", MaxDMIPS: 1000, TotalRAM: 1 << 30},
		types.NodeConfig{},
	)
	node.InitializeCapacity(types.ResourceUsage{}, false, 0, 0)
	return node
}

func TestSetupInstanceAllocatesUIDAndProvisionsStorage(t *testing.T) {
	mgr, _, _, ss := newTestManager(t)
	node := newTestNode(t)

	ident := types.InstanceIdent{ItemID: "svc-1", SubjectID: "subj", Instance: 0}
	req := types.RunServiceRequest{
		Ident:   ident,
		Service: types.ServiceInfo{Runner: "runc", Config: types.ServiceConfig{CPUQuota: 10, RAMQuota: 1 << 10}},
	}

	info, err := mgr.SetupInstance(context.Background(), req, node, nil, false)
	require.NoError(t, err)
	require.GreaterOrEqual(t, info.UID, uint32(5000))
	require.Less(t, info.UID, uint32(10000))
	require.Equal(t, "/state/"+ident.String(), info.StatePath)
	require.NotEmpty(t, node.Bundle().Instances)
	_ = ss
}

func TestSetupInstanceReusesUIDForSameIdent(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	node := newTestNode(t)

	ident := types.InstanceIdent{ItemID: "svc-1", SubjectID: "subj", Instance: 0}
	req := types.RunServiceRequest{Ident: ident, Service: types.ServiceInfo{Runner: "runc"}}

	first, err := mgr.SetupInstance(context.Background(), req, node, nil, false)
	require.NoError(t, err)

	node.InitializeCapacity(types.ResourceUsage{}, false, 0, 0)
	second, err := mgr.SetupInstance(context.Background(), req, node, nil, false)
	require.NoError(t, err)

	require.Equal(t, first.UID, second.UID)
}

func TestCacheInstanceMarksCachedWithoutRemovingStorage(t *testing.T) {
	mgr, _, _, ss := newTestManager(t)
	node := newTestNode(t)

	ident := types.InstanceIdent{ItemID: "svc-1", SubjectID: "subj", Instance: 0}
	req := types.RunServiceRequest{Ident: ident, Service: types.ServiceInfo{Runner: "runc"}}
	_, err := mgr.SetupInstance(context.Background(), req, node, nil, false)
	require.NoError(t, err)

	require.NoError(t, mgr.CacheInstance(ident))

	info, ok := mgr.Get(ident)
	require.True(t, ok)
	require.True(t, info.Cached)
	require.Empty(t, ss.removed)
}

func TestSetInstanceErrorRecordsFailure(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ident := types.InstanceIdent{ItemID: "svc-1", SubjectID: "subj", Instance: 0}

	require.NoError(t, mgr.SetInstanceError(ident, "v1", errors.New("placement failed")))

	info, ok := mgr.Get(ident)
	require.True(t, ok)
	require.Error(t, info.Err)
}

func TestUpdateInstanceCacheDropsInstancesForMissingItems(t *testing.T) {
	mgr, store, items, ss := newTestManager(t)
	node := newTestNode(t)

	ident := types.InstanceIdent{ItemID: "svc-gone", SubjectID: "subj", Instance: 0}
	req := types.RunServiceRequest{Ident: ident, Service: types.ServiceInfo{Runner: "runc"}}
	_, err := mgr.SetupInstance(context.Background(), req, node, nil, false)
	require.NoError(t, err)

	items.missing["svc-gone"] = true
	require.NoError(t, mgr.UpdateInstanceCache(context.Background()))

	_, ok := mgr.Get(ident)
	require.False(t, ok)
	require.Contains(t, ss.removed, ident)

	_, err = store.GetInstance(ident)
	require.Error(t, err)
}

func TestUpdateInstanceCacheEvictsExpiredCachedInstances(t *testing.T) {
	mgr, store, _, ss := newTestManager(t)

	ident := types.InstanceIdent{ItemID: "svc-1", SubjectID: "subj", Instance: 0}
	expired := &types.InstanceInfo{Ident: ident, Cached: true, Timestamp: time.Now().Add(-2 * time.Hour), UID: 5000}
	require.NoError(t, store.CreateInstance(expired))

	require.NoError(t, mgr.UpdateInstanceCache(context.Background()))

	_, ok := mgr.Get(ident)
	require.False(t, ok)
	require.Contains(t, ss.removed, ident)
}
