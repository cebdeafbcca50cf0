package storagestate_test

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/edgefleet/cm/pkg/cmerr"
	"github.com/edgefleet/cm/pkg/storagestate"
	"github.com/edgefleet/cm/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/sha3"
)

type fakePlatform struct {
	quotaCalls []int64
	chowned    []string
}

func (f *fakePlatform) GetMountPoint(path string) (string, error) {
	return "/", nil // everything shares one mount point in tests
}

func (f *fakePlatform) ChangeOwner(path string, uid, gid uint32) error {
	f.chowned = append(f.chowned, path)
	return nil
}

func (f *fakePlatform) SetUserQuota(path string, bytes int64, uid uint32) error {
	f.quotaCalls = append(f.quotaCalls, bytes)
	return nil
}

func (f *fakePlatform) GetTotalSize(path string) (int64, error) {
	return 0, nil
}

type fakeSender struct {
	stateRequests []storagestate.StateRequest
	newStates     []storagestate.NewState
}

func (f *fakeSender) SendStateRequest(req storagestate.StateRequest) error {
	f.stateRequests = append(f.stateRequests, req)
	return nil
}

func (f *fakeSender) SendNewState(state storagestate.NewState) error {
	f.newStates = append(f.newStates, state)
	return nil
}

func checksumOf(content []byte) string {
	h := sha3.New224()
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}

func newTestManager(t *testing.T) (*storagestate.Manager, *fakePlatform, *fakeSender, string, string) {
	t.Helper()
	stateDir := filepath.Join(t.TempDir(), "state")
	storageDir := filepath.Join(t.TempDir(), "storage")
	platform := &fakePlatform{}
	sender := &fakeSender{}
	mgr := storagestate.New(zerolog.Nop(), stateDir, storageDir, platform, nil, sender, nil)
	return mgr, platform, sender, stateDir, storageDir
}

func TestSetupCreatesStateAndStorageTrees(t *testing.T) {
	mgr, platform, _, _, _ := newTestManager(t)
	ident := types.InstanceIdent{ItemID: "item1", SubjectID: "subj1", Instance: 0}

	statePath, storagePath, err := mgr.Setup(context.Background(), ident, 5000, 4096, 8192)
	require.NoError(t, err)
	require.FileExists(t, statePath)
	require.DirExists(t, storagePath)
	require.Len(t, platform.quotaCalls, 1)
	require.Equal(t, int64(4096+8192), platform.quotaCalls[0]) // combined quota: shared mount point
}

func TestSetupIsIdempotentForUnchangedQuotas(t *testing.T) {
	mgr, platform, _, _, _ := newTestManager(t)
	ident := types.InstanceIdent{ItemID: "item1", SubjectID: "subj1", Instance: 0}

	_, _, err := mgr.Setup(context.Background(), ident, 5000, 4096, 8192)
	require.NoError(t, err)
	_, _, err = mgr.Setup(context.Background(), ident, 5000, 4096, 8192)
	require.NoError(t, err)

	require.Len(t, platform.quotaCalls, 1, "unchanged quotas must not be reapplied")
}

func TestZeroStateQuotaRemovesStateTreeOnly(t *testing.T) {
	mgr, _, _, _, _ := newTestManager(t)
	ident := types.InstanceIdent{ItemID: "item1", SubjectID: "subj1", Instance: 0}

	statePath, storagePath, err := mgr.Setup(context.Background(), ident, 5000, 0, 8192)
	require.NoError(t, err)
	require.Empty(t, statePath)
	require.DirExists(t, storagePath)
}

func TestUpdateStateRejectsOversizedContent(t *testing.T) {
	mgr, _, _, _, _ := newTestManager(t)
	ident := types.InstanceIdent{ItemID: "item1", SubjectID: "subj1", Instance: 0}
	_, _, err := mgr.Setup(context.Background(), ident, 5000, 4, 0)
	require.NoError(t, err)

	content := []byte("too long")
	err = mgr.UpdateState(context.Background(), ident, content, checksumOf(content))
	require.True(t, cmerr.Is(err, cmerr.InvalidArgument))
}

func TestUpdateStateRejectsBadChecksum(t *testing.T) {
	mgr, _, _, _, _ := newTestManager(t)
	ident := types.InstanceIdent{ItemID: "item1", SubjectID: "subj1", Instance: 0}
	_, _, err := mgr.Setup(context.Background(), ident, 5000, 4096, 0)
	require.NoError(t, err)

	err = mgr.UpdateState(context.Background(), ident, []byte("hello"), "not-a-real-checksum")
	require.True(t, cmerr.Is(err, cmerr.InvalidChecksum))
}

func TestUpdateStateWritesAndChecksumRoundtrips(t *testing.T) {
	mgr, _, _, _, _ := newTestManager(t)
	ident := types.InstanceIdent{ItemID: "item1", SubjectID: "subj1", Instance: 0}
	statePath, _, err := mgr.Setup(context.Background(), ident, 5000, 4096, 0)
	require.NoError(t, err)

	content := []byte("hello world")
	require.NoError(t, mgr.UpdateState(context.Background(), ident, content, checksumOf(content)))

	got, err := os.ReadFile(statePath)
	require.NoError(t, err)
	require.Equal(t, content, got)

	sum, err := mgr.GetInstanceCheckSum(context.Background(), ident)
	require.NoError(t, err)
	require.Equal(t, checksumOf(content), string(sum))
}

func TestAcceptStateRejectedResultRequestsRedelivery(t *testing.T) {
	mgr, _, sender, _, _ := newTestManager(t)
	ident := types.InstanceIdent{ItemID: "item1", SubjectID: "subj1", Instance: 0}
	_, _, err := mgr.Setup(context.Background(), ident, 5000, 4096, 0)
	require.NoError(t, err)

	content := []byte("hello world")
	require.NoError(t, mgr.UpdateState(context.Background(), ident, content, checksumOf(content)))

	err = mgr.AcceptState(context.Background(), ident, checksumOf(content), storagestate.ResultRejected, "integrity check failed")
	require.NoError(t, err)
	require.Len(t, sender.stateRequests, 1)
	require.Equal(t, ident, sender.stateRequests[0].Ident)
}

func TestAcceptStateMismatchedChecksumFails(t *testing.T) {
	mgr, _, _, _, _ := newTestManager(t)
	ident := types.InstanceIdent{ItemID: "item1", SubjectID: "subj1", Instance: 0}
	_, _, err := mgr.Setup(context.Background(), ident, 5000, 4096, 0)
	require.NoError(t, err)

	content := []byte("hello world")
	require.NoError(t, mgr.UpdateState(context.Background(), ident, content, checksumOf(content)))

	err = mgr.AcceptState(context.Background(), ident, "wrong-checksum", storagestate.ResultAccepted, "")
	require.True(t, cmerr.Is(err, cmerr.InvalidChecksum))
}

func TestRemoveDeletesStateAndStorageTrees(t *testing.T) {
	mgr, _, _, _, _ := newTestManager(t)
	ident := types.InstanceIdent{ItemID: "item1", SubjectID: "subj1", Instance: 0}
	statePath, storagePath, err := mgr.Setup(context.Background(), ident, 5000, 4096, 8192)
	require.NoError(t, err)

	require.NoError(t, mgr.Remove(context.Background(), ident))

	require.NoDirExists(t, filepath.Dir(statePath))
	require.NoDirExists(t, storagePath)

	_, err = mgr.GetInstanceCheckSum(context.Background(), ident)
	require.True(t, cmerr.Is(err, cmerr.NotFound))
}
