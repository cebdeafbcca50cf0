package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/edgefleet/cm/pkg/metrics"
	"github.com/edgefleet/cm/pkg/storage"
	"github.com/edgefleet/cm/pkg/types"
	"github.com/rs/zerolog"
)

// TrafficSampler reports the current cumulative per-instance, per-chain
// byte counters observed on the node runtimes. It is polled periodically;
// the Monitor derives deltas itself rather than requiring the sampler to
// track what it last reported.
type TrafficSampler interface {
	SampleTraffic(ctx context.Context) ([]types.TrafficCounters, error)
}

const DefaultSampleInterval = 30 * time.Second

// Monitor is the minimal per-chain traffic counter sink described
// alongside the per-node resource usage average (types.ResourceUsage)
// that a node's service manager reports directly: unlike CPU/RAM, byte
// counters have no SM-side rollup, so the CM accumulates them itself.
type Monitor struct {
	log      zerolog.Logger
	store    storage.Store
	sampler  TrafficSampler
	interval time.Duration

	mu   sync.Mutex
	last map[trafficKey]types.TrafficCounters

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type trafficKey struct {
	ident types.InstanceIdent
	chain string
}

// New builds a Monitor. sampler may be nil, in which case Start is a
// no-op worker that only ever serves persisted counters.
func New(log zerolog.Logger, store storage.Store, sampler TrafficSampler, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &Monitor{
		log:      log,
		store:    store,
		sampler:  sampler,
		interval: interval,
		last:     make(map[trafficKey]types.TrafficCounters),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic sampling loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.wg.Add(1)
	go m.run(ctx)
	return nil
}

// Stop halts the sampling loop and waits for it to drain. Stop is
// idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sample(ctx)
	for {
		select {
		case <-ticker.C:
			m.sample(ctx)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) sample(ctx context.Context) {
	if m.sampler == nil {
		return
	}
	counters, err := m.sampler.SampleTraffic(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("sample traffic counters failed")
		return
	}
	for _, c := range counters {
		m.record(c)
	}
}

// record accounts for one cumulative sample: it emits the delta since the
// previous sample to metrics.TrafficBytesTotal (a counter, which only
// ever moves forward) and persists the new cumulative value.
func (m *Monitor) record(c types.TrafficCounters) {
	key := trafficKey{ident: c.Ident, chain: c.Chain}

	m.mu.Lock()
	prev, ok := m.last[key]
	m.last[key] = c
	m.mu.Unlock()

	if !ok {
		if saved, err := m.store.ListTrafficCounters(c.Ident); err == nil {
			for _, s := range saved {
				if s.Chain == c.Chain {
					prev, ok = *s, true
					break
				}
			}
		}
	}

	rxDelta, txDelta := c.RxBytes, c.TxBytes
	if ok {
		rxDelta -= prev.RxBytes
		txDelta -= prev.TxBytes
	}
	instance := c.Ident.String()
	if rxDelta > 0 {
		metrics.TrafficBytesTotal.WithLabelValues(instance, c.Chain, "rx").Add(float64(rxDelta))
	}
	if txDelta > 0 {
		metrics.TrafficBytesTotal.WithLabelValues(instance, c.Chain, "tx").Add(float64(txDelta))
	}

	if err := m.store.SaveTrafficCounters(&c); err != nil {
		m.log.Warn().Err(err).Str("instance", instance).Str("chain", c.Chain).Msg("persist traffic counters failed")
	}
}

// Snapshot returns the persisted per-chain counters for one instance,
// read straight from storage rather than the in-memory delta cache.
func (m *Monitor) Snapshot(ident types.InstanceIdent) ([]*types.TrafficCounters, error) {
	return m.store.ListTrafficCounters(ident)
}
