package monitoring_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/edgefleet/cm/pkg/monitoring"
	"github.com/edgefleet/cm/pkg/storage"
	"github.com/edgefleet/cm/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	storage.Store

	mu    sync.Mutex
	saved []types.TrafficCounters
}

func (f *fakeStore) SaveTrafficCounters(counters *types.TrafficCounters) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, *counters)
	return nil
}

func (f *fakeStore) ListTrafficCounters(ident types.InstanceIdent) ([]*types.TrafficCounters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.TrafficCounters
	for i := range f.saved {
		if f.saved[i].Ident == ident {
			c := f.saved[i]
			out = append(out, &c)
		}
	}
	return out, nil
}

func (f *fakeStore) savedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

type fakeSampler struct {
	mu      sync.Mutex
	samples [][]types.TrafficCounters
	idx     int
}

func (f *fakeSampler) SampleTraffic(ctx context.Context) ([]types.TrafficCounters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.samples) {
		return f.samples[len(f.samples)-1], nil
	}
	s := f.samples[f.idx]
	f.idx++
	return s, nil
}

func TestMonitorPersistsEachSample(t *testing.T) {
	ident := types.InstanceIdent{ItemID: "svc", SubjectID: "s", Instance: 0}
	sampler := &fakeSampler{samples: [][]types.TrafficCounters{
		{{Ident: ident, Chain: "eth0", RxBytes: 100, TxBytes: 50}},
		{{Ident: ident, Chain: "eth0", RxBytes: 180, TxBytes: 90}},
	}}
	store := &fakeStore{}

	m := monitoring.New(zerolog.Nop(), store, sampler, 10*time.Millisecond)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	require.Eventually(t, func() bool { return store.savedCount() >= 2 }, time.Second, 5*time.Millisecond)

	snap, err := m.Snapshot(ident)
	require.NoError(t, err)
	require.NotEmpty(t, snap)
}

func TestMonitorWithNilSamplerIsInert(t *testing.T) {
	store := &fakeStore{}
	m := monitoring.New(zerolog.Nop(), store, nil, 10*time.Millisecond)
	require.NoError(t, m.Start(context.Background()))
	time.Sleep(30 * time.Millisecond)
	m.Stop()
	require.Equal(t, 0, store.savedCount())
}
