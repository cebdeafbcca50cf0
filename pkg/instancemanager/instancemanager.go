// Package instancemanager owns the authoritative set of scheduled
// instance records: UID allocation from a fixed pool, creation
// and TTL-based eviction of cached instances, and the failure ledger
// reported in the next status batch.
package instancemanager

import (
	"context"
	"sync"
	"time"

	"github.com/edgefleet/cm/pkg/cmerr"
	"github.com/edgefleet/cm/pkg/nodehandler"
	"github.com/edgefleet/cm/pkg/storage"
	"github.com/edgefleet/cm/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultServiceTTL is how long a cached (no longer desired) instance's
// record and state/storage are retained before eviction.
const DefaultServiceTTL = 24 * time.Hour

const (
	uidPoolStart uint32 = 5000
	uidPoolEnd   uint32 = 10000 // exclusive
)

// ItemChecker reports whether the service or component an instance was
// scheduled for still exists. Implemented by the image provider.
type ItemChecker interface {
	ItemExists(itemID string) bool
}

// StorageState is the per-instance state/storage provisioning
// collaborator, consumed here to set up and tear down an
// instance's partitions as its record is created or evicted.
type StorageState interface {
	Setup(ctx context.Context, ident types.InstanceIdent, uid uint32, stateQuota, storageQuota int64) (statePath, storagePath string, err error)
	Remove(ctx context.Context, ident types.InstanceIdent) error
	GetInstanceCheckSum(ctx context.Context, ident types.InstanceIdent) ([]byte, error)
}

// Manager is the instance manager.
type Manager struct {
	log zerolog.Logger

	store      storage.Store
	items      ItemChecker
	ss         StorageState
	serviceTTL time.Duration

	mu         sync.Mutex
	instances  map[types.InstanceIdent]*types.InstanceInfo
	uidByIdent map[types.InstanceIdent]uint32
	freeUIDs   []uint32

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an instance manager. serviceTTL of zero uses DefaultServiceTTL.
func New(log zerolog.Logger, store storage.Store, items ItemChecker, ss StorageState, serviceTTL time.Duration) *Manager {
	if serviceTTL <= 0 {
		serviceTTL = DefaultServiceTTL
	}

	free := make([]uint32, 0, uidPoolEnd-uidPoolStart)
	for uid := uidPoolEnd; uid > uidPoolStart; uid-- {
		free = append(free, uid-1)
	}

	return &Manager{
		log:        log,
		store:      store,
		items:      items,
		ss:         ss,
		serviceTTL: serviceTTL,
		instances:  make(map[types.InstanceIdent]*types.InstanceInfo),
		uidByIdent: make(map[types.InstanceIdent]uint32),
		freeUIDs:   free,
		stopCh:     make(chan struct{}),
	}
}

// Start loads persistent records, runs one eviction pass, and launches
// the daily eviction timer.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.UpdateInstanceCache(ctx); err != nil {
		return err
	}

	m.wg.Add(1)
	go m.evictionLoop(ctx)
	return nil
}

// Stop halts the eviction timer.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Manager) evictionLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.UpdateInstanceCache(ctx); err != nil {
				m.log.Error().Err(err).Msg("instance cache eviction pass failed")
			}
		}
	}
}

// UpdateInstanceCache loads persistent records into memory, drops
// records whose item no longer exists, and evicts cached records past
// ServiceTTL (removing their state/storage via StorageState.Remove).
func (m *Manager) UpdateInstanceCache(ctx context.Context) error {
	records, err := m.store.ListInstances()
	if err != nil {
		return cmerr.Wrap(cmerr.Failed, err, "list persisted instances")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, info := range records {
		if !m.items.ItemExists(info.Ident.ItemID) {
			m.dropLocked(ctx, info)
			continue
		}
		if info.Cached && now.Sub(info.Timestamp) >= m.serviceTTL {
			m.dropLocked(ctx, info)
			continue
		}

		m.instances[info.Ident] = info
		if _, ok := m.uidByIdent[info.Ident]; !ok {
			m.claimUIDLocked(info.Ident, info.UID)
		}
	}

	return nil
}

// dropLocked removes an instance's record and its persisted state, and
// releases its UID back to the pool. Callers must hold m.mu.
func (m *Manager) dropLocked(ctx context.Context, info *types.InstanceInfo) {
	if err := m.ss.Remove(ctx, info.Ident); err != nil {
		m.log.Warn().Err(err).Str("instance", info.Ident.String()).Msg("failed to remove instance state during eviction")
	}
	if err := m.store.DeleteInstance(info.Ident); err != nil {
		m.log.Warn().Err(err).Str("instance", info.Ident.String()).Msg("failed to delete persisted instance during eviction")
	}
	delete(m.instances, info.Ident)
	m.releaseUIDLocked(info.Ident)
}

// claimUIDLocked marks uid as allocated to ident without drawing from
// the free pool, used when restoring a persisted record. Callers must
// hold m.mu.
func (m *Manager) claimUIDLocked(ident types.InstanceIdent, uid uint32) {
	m.uidByIdent[ident] = uid
	for i, free := range m.freeUIDs {
		if free == uid {
			m.freeUIDs = append(m.freeUIDs[:i], m.freeUIDs[i+1:]...)
			break
		}
	}
}

func (m *Manager) allocateUIDLocked(ident types.InstanceIdent) (uint32, error) {
	if uid, ok := m.uidByIdent[ident]; ok {
		return uid, nil
	}
	if len(m.freeUIDs) == 0 {
		return 0, cmerr.New(cmerr.NoMemory, "uid pool exhausted")
	}
	uid := m.freeUIDs[len(m.freeUIDs)-1]
	m.freeUIDs = m.freeUIDs[:len(m.freeUIDs)-1]
	m.uidByIdent[ident] = uid
	return uid, nil
}

func (m *Manager) releaseUIDLocked(ident types.InstanceIdent) {
	uid, ok := m.uidByIdent[ident]
	if !ok {
		return
	}
	delete(m.uidByIdent, ident)
	m.freeUIDs = append(m.freeUIDs, uid)
}

// SetupInstance creates or reuses the record for req.Ident, allocates
// its UID, provisions its state/storage partitions via StorageState,
// and adds it to the node handler's run-request bundle. A failure here
// is scoped to this instance only — callers record it with
// SetInstanceError rather than aborting the placement pass.
func (m *Manager) SetupInstance(ctx context.Context, req types.RunServiceRequest, node *nodehandler.NodeHandler, layers []types.LayerInfo, rebalancing bool) (*types.InstanceInfo, error) {
	m.mu.Lock()
	uid, err := m.allocateUIDLocked(req.Ident)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	info, existed := m.instances[req.Ident]
	if !existed {
		info = &types.InstanceInfo{Ident: req.Ident}
		m.instances[req.Ident] = info
	}
	if rebalancing {
		info.PrevNodeID = info.NodeID
	}
	info.NodeID = node.ID()
	info.UID = uid
	info.Runtime = req.Service.Runner
	info.Cached = false
	info.Err = nil
	info.Timestamp = time.Now()
	m.mu.Unlock()

	statePath, storagePath, err := m.ss.Setup(ctx, req.Ident, uid, req.Service.Config.StateQuota, req.Service.Config.StorageQuota)
	if err != nil {
		return nil, cmerr.Wrap(cmerr.Failed, err, "provision instance storage")
	}

	m.mu.Lock()
	info.StatePath = statePath
	info.StoragePath = storagePath
	m.mu.Unlock()

	if err := node.AddRunRequest(req.Ident, req.Service, layers); err != nil {
		return nil, err
	}

	if err := m.store.UpdateInstance(info); err != nil {
		return nil, cmerr.Wrap(cmerr.Failed, err, "persist instance record")
	}

	return info, nil
}

// CacheInstance marks an instance as no longer desired, retaining its
// state/storage until ServiceTTL elapses.
func (m *Manager) CacheInstance(ident types.InstanceIdent) error {
	m.mu.Lock()
	info, ok := m.instances[ident]
	if !ok {
		m.mu.Unlock()
		return cmerr.Newf(cmerr.NotFound, "instance %s", ident)
	}
	info.Cached = true
	info.Timestamp = time.Now()
	m.mu.Unlock()

	return m.store.UpdateInstance(info)
}

// SetInstanceNetwork records the network parameters the balancer
// obtained for an instance after placement.
func (m *Manager) SetInstanceNetwork(ident types.InstanceIdent, network *types.InstanceNetworkInfo) error {
	m.mu.Lock()
	info, ok := m.instances[ident]
	if !ok {
		m.mu.Unlock()
		return cmerr.Newf(cmerr.NotFound, "instance %s", ident)
	}
	info.Network = network
	m.mu.Unlock()

	return m.store.UpdateInstance(info)
}

// SetInstanceError records a scheduling failure to be surfaced in the
// next status batch.
func (m *Manager) SetInstanceError(ident types.InstanceIdent, version string, cause error) error {
	m.mu.Lock()
	info, ok := m.instances[ident]
	if !ok {
		info = &types.InstanceInfo{Ident: ident}
		m.instances[ident] = info
	}
	info.Err = cmerr.Wrapf(cmerr.Failed, cause, "schedule %s version %s", ident, version)
	info.Timestamp = time.Now()
	m.mu.Unlock()

	return m.store.UpdateInstance(info)
}

// GetInstanceCheckSum proxies to StorageState for the given instance.
func (m *Manager) GetInstanceCheckSum(ctx context.Context, ident types.InstanceIdent) ([]byte, error) {
	return m.ss.GetInstanceCheckSum(ctx, ident)
}

// Get returns the in-memory record for ident, if any.
func (m *Manager) Get(ident types.InstanceIdent) (*types.InstanceInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.instances[ident]
	return info, ok
}

// List returns every instance record currently held in memory.
func (m *Manager) List() []*types.InstanceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*types.InstanceInfo, 0, len(m.instances))
	for _, info := range m.instances {
		out = append(out, info)
	}
	return out
}
