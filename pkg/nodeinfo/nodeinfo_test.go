package nodeinfo_test

import (
	"sync"
	"testing"
	"time"

	"github.com/edgefleet/cm/pkg/nodeinfo"
	"github.com/edgefleet/cm/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu   sync.Mutex
	seen []types.UnitNodeInfo
}

func (r *recordingListener) OnNodeInfoChanged(info types.UnitNodeInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, info)
}

func (r *recordingListener) last() (types.UnitNodeInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.seen) == 0 {
		return types.UnitNodeInfo{}, false
	}
	return r.seen[len(r.seen)-1], true
}

func newTestProvider(t *testing.T, timeout time.Duration) *nodeinfo.Provider {
	t.Helper()
	p := nodeinfo.NewProvider(zerolog.Nop(), timeout)
	p.Start()
	t.Cleanup(p.Stop)
	return p
}

func TestNodeWithoutSMIsReadyImmediately(t *testing.T) {
	p := newTestProvider(t, time.Second)
	listener := &recordingListener{}
	p.Subscribe(listener)

	p.SetNodeInfo(types.NodeInfo{ID: "node-1"}, false)

	require.Eventually(t, func() bool {
		_, ok := listener.last()
		return ok
	}, time.Second, 5*time.Millisecond)

	info, _ := listener.last()
	require.Equal(t, "node-1", info.ID)
	require.False(t, info.IsConnected)
	require.Equal(t, types.NodeStateProvision, info.State)
}

func TestNodeWithSMWaitsForConnectionAndReport(t *testing.T) {
	p := newTestProvider(t, time.Second)
	listener := &recordingListener{}
	p.Subscribe(listener)

	p.SetNodeInfo(types.NodeInfo{ID: "node-1"}, true)
	time.Sleep(20 * time.Millisecond)
	_, ok := listener.last()
	require.False(t, ok, "must not notify before the node is ready")

	p.SetConnected("node-1", true)

	// Connected but no SM report yet: known but not fully live. The
	// provider won't notify listeners until the node is ready, but the
	// projection is queryable directly.
	info, ok := p.GetNodeInfo("node-1")
	require.True(t, ok)
	require.Equal(t, types.NodeStateProvision, info.State)

	p.SetSMInfo(types.SMInfo{NodeID: "node-1"})

	require.Eventually(t, func() bool {
		info, ok := listener.last()
		return ok && info.State == types.NodeStateOnline
	}, time.Second, 5*time.Millisecond)

	info, _ = listener.last()
	require.True(t, info.IsConnected)
	require.NotNil(t, info.SMInfo)
	require.Equal(t, types.NodeStateOnline, info.State)
}

func TestNodeWithSMIsOfflineBeforeConnecting(t *testing.T) {
	p := newTestProvider(t, time.Second)

	p.SetNodeInfo(types.NodeInfo{ID: "node-1"}, true)

	info, ok := p.GetNodeInfo("node-1")
	require.True(t, ok)
	require.False(t, info.IsConnected)
	require.Equal(t, types.NodeStateOffline, info.State)
}

func TestNodeWithSMBecomesReadyAfterTimeout(t *testing.T) {
	p := newTestProvider(t, 30*time.Millisecond)
	listener := &recordingListener{}
	p.Subscribe(listener)

	p.SetNodeInfo(types.NodeInfo{ID: "node-1"}, true)
	p.SetConnected("node-1", false) // never actually connects

	require.Eventually(t, func() bool {
		info, ok := listener.last()
		return ok && info.Error != nil
	}, time.Second, 5*time.Millisecond)

	info, _ := listener.last()
	require.Equal(t, types.NodeStateError, info.State)
}

func TestUnsubscribeStopsFutureNotifications(t *testing.T) {
	p := newTestProvider(t, time.Second)
	listener := &recordingListener{}
	p.Subscribe(listener)
	p.Unsubscribe(listener)

	p.SetNodeInfo(types.NodeInfo{ID: "node-1"}, false)
	time.Sleep(50 * time.Millisecond)

	_, ok := listener.last()
	require.False(t, ok)
}

func TestGetAllNodeIDsAndGetNodeInfo(t *testing.T) {
	p := newTestProvider(t, time.Second)
	p.SetNodeInfo(types.NodeInfo{ID: "node-1"}, false)
	p.SetNodeInfo(types.NodeInfo{ID: "node-2"}, false)

	ids := p.GetAllNodeIDs()
	require.ElementsMatch(t, []string{"node-1", "node-2"}, ids)

	info, ok := p.GetNodeInfo("node-1")
	require.True(t, ok)
	require.Equal(t, "node-1", info.ID)

	_, ok = p.GetNodeInfo("missing")
	require.False(t, ok)
}
