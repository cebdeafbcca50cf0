package updatemanager

import (
	"context"
	"errors"
	"reflect"
	"sync"

	"github.com/edgefleet/cm/pkg/cmerr"
	"github.com/edgefleet/cm/pkg/metrics"
	"github.com/edgefleet/cm/pkg/storage"
	"github.com/edgefleet/cm/pkg/types"
	"github.com/rs/zerolog"
)

// ImageManager downloads and installs update artifacts. Per-item digest
// verification, decryption and transport are entirely its concern; the
// update manager only ever sees the aggregate per-item outcome.
type ImageManager interface {
	DownloadUpdateItems(ctx context.Context, items []types.UpdateItem) ([]types.ItemStatus, error)
	InstallUpdateItems(ctx context.Context, items []types.UpdateItem) ([]types.ItemStatus, error)
	Cancel()
}

// InstanceLauncher is the narrow slice of Launcher the Launching stage
// needs.
type InstanceLauncher interface {
	RunInstances(ctx context.Context, requests []types.RunServiceRequest, stop []types.InstanceIdent, rebalancing bool) ([]types.InstanceStatus, error)
}

// NodeOperator applies a pause/resume state change to one node during the
// Installing stage.
type NodeOperator interface {
	SetNodeState(ctx context.Context, nodeID string, op types.NodeOperation) error
}

// UnitConfigApplier checks and applies a unit-wide configuration change
// during the Installing stage.
type UnitConfigApplier interface {
	CheckUnitConfig(ctx context.Context, cfg types.UnitConfigUpdate) error
	UpdateUnitConfig(ctx context.Context, cfg types.UnitConfigUpdate) error
}

// Listener receives incremental and final update pipeline outcomes.
type Listener interface {
	SetUpdateNodeStatus(status types.NodeStatus)
	SetUpdateUnitConfigStatus(status types.ItemStatus)
	UnitStatusChanged(status types.UnitStatus)
}

var errPipelineCanceled = errors.New("update pipeline canceled")

// UpdateManager drives the persisted five-state pipeline
// (Downloading/Pending/Installing/Launching/Finalizing/None) from a
// cloud-provided DesiredStatus down to a reported UnitStatus.
type UpdateManager struct {
	log zerolog.Logger

	store      storage.Store
	images     ImageManager
	launcher   InstanceLauncher
	nodeOps    NodeOperator
	unitConfig UnitConfigApplier

	mu         sync.Mutex
	state      types.UpdateState
	resumeFrom types.UpdateState
	current    *types.DesiredStatus
	pending    *types.DesiredStatus
	cancel     context.CancelFunc
	listener   Listener

	workCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds an UpdateManager. nodeOps and unitConfig may be nil when a
// unit never declares node operations or a unit config in its desired
// status; a nil collaborator with a non-nil request is reported as a
// failure rather than a panic.
func New(log zerolog.Logger, store storage.Store, images ImageManager, launcher InstanceLauncher, nodeOps NodeOperator, unitConfig UnitConfigApplier) *UpdateManager {
	return &UpdateManager{
		log:        log,
		store:      store,
		images:     images,
		launcher:   launcher,
		nodeOps:    nodeOps,
		unitConfig: unitConfig,
		state:      types.UpdateStateNone,
		resumeFrom: types.UpdateStateDownloading,
		workCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// SetListener registers the sole recipient of update status reports.
func (m *UpdateManager) SetListener(listener Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = listener
}

// Start loads the persisted pipeline position and desired status, then
// launches the worker. If a pass was interrupted mid-pipeline by a
// previous process exit, the worker resumes at the persisted state
// instead of restarting from Downloading.
func (m *UpdateManager) Start(ctx context.Context) error {
	state, err := m.store.GetUpdateState()
	if err != nil {
		return cmerr.Wrap(cmerr.Failed, err, "load persisted update state")
	}
	desired, err := m.store.GetDesiredStatus()
	if err != nil {
		return cmerr.Wrap(cmerr.Failed, err, "load persisted desired status")
	}

	m.mu.Lock()
	m.state = state
	if desired != nil && state != types.UpdateStateNone {
		m.current = desired
		m.resumeFrom = state
	}
	pending := m.current != nil
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run()

	if pending {
		m.signal()
	}
	return nil
}

// Stop cancels any in-flight pass (and the ImageManager, if the pass was
// mid-Downloading or mid-Installing), then joins the worker. Stop is
// idempotent.
func (m *UpdateManager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		if m.cancel != nil && (m.state == types.UpdateStateDownloading || m.state == types.UpdateStateInstalling) {
			m.images.Cancel()
		}
		if m.cancel != nil {
			m.cancel()
		}
		m.mu.Unlock()
		close(m.stopCh)
	})
	m.wg.Wait()
}

// ProcessDesiredStatus persists status as the unit's current desired
// state and enqueues it for processing. It returns as soon as the status
// is durable; it never waits for the pipeline to run.
//
// If no pass is running, status becomes the pass that runs next. If a
// pass is already running, status replaces whatever is pending; the
// running pass is canceled only when status differs from what was
// already pending (or, if nothing was pending yet, from the status the
// running pass was given) and the worker is mid-Downloading or
// mid-Installing. A pass already in Launching or Finalizing is left to
// finish; the new status runs immediately afterward.
func (m *UpdateManager) ProcessDesiredStatus(ctx context.Context, status *types.DesiredStatus) error {
	if err := m.store.SaveDesiredStatus(status); err != nil {
		m.log.Warn().Err(err).Msg("failed to persist desired status")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		m.current = status
		m.resumeFrom = types.UpdateStateDownloading
		m.signalLocked()
		return nil
	}

	compareTo := m.pending
	if compareTo == nil {
		compareTo = m.current
	}
	if reflect.DeepEqual(compareTo, status) {
		return nil
	}

	m.pending = status
	if m.cancel != nil && (m.state == types.UpdateStateDownloading || m.state == types.UpdateStateInstalling) {
		m.images.Cancel()
		m.cancel()
		metrics.UpdateCancellationsTotal.Inc()
	}
	return nil
}

func (m *UpdateManager) signal() {
	m.mu.Lock()
	m.signalLocked()
	m.mu.Unlock()
}

func (m *UpdateManager) signalLocked() {
	select {
	case m.workCh <- struct{}{}:
	default:
	}
}

func (m *UpdateManager) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case <-m.workCh:
			m.processOnce()
		}
	}
}

// processOnce drains the current status (and, once it finishes, any
// status that replaced it while it ran) until there is nothing left to
// process.
func (m *UpdateManager) processOnce() {
	for {
		m.mu.Lock()
		status := m.current
		from := m.resumeFrom
		if status == nil {
			m.mu.Unlock()
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		m.mu.Unlock()

		err := m.runPipeline(ctx, status, from)
		cancel()

		m.mu.Lock()
		m.cancel = nil
		switch {
		case errors.Is(err, errPipelineCanceled):
			m.resumeFrom = types.UpdateStateDownloading
			if m.pending != nil {
				m.current = m.pending
				m.pending = nil
			}
		case m.pending != nil:
			m.resumeFrom = types.UpdateStateDownloading
			m.current = m.pending
			m.pending = nil
		default:
			m.resumeFrom = types.UpdateStateDownloading
			m.current = nil
		}
		again := m.current != nil
		m.mu.Unlock()

		if !again {
			return
		}
	}
}

// Pipeline stage ordering, used to skip stages already completed by a
// prior process's persisted state.
const (
	stageDownloading = iota
	stagePending
	stageInstalling
	stageLaunching
	stageFinalizing
	stageDone
)

func stageIndex(s types.UpdateState) int {
	switch s {
	case types.UpdateStateDownloading:
		return stageDownloading
	case types.UpdateStatePending:
		return stagePending
	case types.UpdateStateInstalling:
		return stageInstalling
	case types.UpdateStateLaunching:
		return stageLaunching
	case types.UpdateStateFinalizing:
		return stageFinalizing
	default:
		return stageDone
	}
}

func (m *UpdateManager) runPipeline(ctx context.Context, status *types.DesiredStatus, from types.UpdateState) error {
	idx := stageIndex(from)
	var unit types.UnitStatus

	if idx <= stageDownloading {
		m.setState(types.UpdateStateDownloading)
		items, canceled := m.download(ctx, status.UpdateItem)
		unit.Items = items
		if canceled {
			return errPipelineCanceled
		}
	}

	if idx <= stagePending {
		m.setState(types.UpdateStatePending)
	}

	if idx <= stageInstalling {
		m.setState(types.UpdateStateInstalling)
		nodes, cfg, canceled := m.install(ctx, status)
		unit.Nodes = nodes
		unit.UnitConfigStatus = cfg
		if canceled {
			return errPipelineCanceled
		}
	}

	if idx <= stageLaunching {
		m.setState(types.UpdateStateLaunching)
		unit.Instances = m.launch(ctx, status.Instances)
	}

	if idx <= stageFinalizing {
		m.setState(types.UpdateStateFinalizing)
		m.finalize(ctx, status.UpdateItem)
	}

	m.setState(types.UpdateStateNone)
	m.reportUnitStatus(unit)
	return nil
}

var allUpdateStates = []types.UpdateState{
	types.UpdateStateNone,
	types.UpdateStateDownloading,
	types.UpdateStatePending,
	types.UpdateStateInstalling,
	types.UpdateStateLaunching,
	types.UpdateStateFinalizing,
}

// setState persists the new pipeline position before updating the
// in-memory state or reporting anything derived from it, per the
// persist-before-effect ordering.
func (m *UpdateManager) setState(state types.UpdateState) {
	if err := m.store.SaveUpdateState(state); err != nil {
		m.log.Warn().Err(err).Str("state", string(state)).Msg("failed to persist update state")
	}
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	for _, s := range allUpdateStates {
		v := 0.0
		if s == state {
			v = 1
		}
		metrics.UpdatePipelineState.WithLabelValues(string(s)).Set(v)
	}
}

func (m *UpdateManager) download(ctx context.Context, items []types.UpdateItem) (statuses []types.ItemStatus, canceled bool) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.UpdatePipelineDuration, "downloading")

	if len(items) == 0 {
		return nil, false
	}
	statuses, err := m.images.DownloadUpdateItems(ctx, items)
	if ctx.Err() != nil {
		return statuses, true
	}
	if err != nil {
		m.log.Warn().Err(err).Msg("download update items failed")
	}
	for _, st := range statuses {
		if st.Status != "ok" {
			m.log.Warn().Str("item_id", st.ID).Err(st.Err).Msg("update item download failed")
		}
	}
	return statuses, false
}

func (m *UpdateManager) install(ctx context.Context, status *types.DesiredStatus) (nodes []types.NodeStatus, cfgStatus *types.ItemStatus, canceled bool) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.UpdatePipelineDuration, "installing")

	for nodeID, op := range status.NodeStates {
		if ctx.Err() != nil {
			return nodes, nil, true
		}
		if op == types.NodeOperationNone {
			continue
		}
		ns := m.applyNodeOperation(ctx, nodeID, op)
		nodes = append(nodes, ns)
	}

	if status.UnitConfig != nil {
		if ctx.Err() != nil {
			return nodes, nil, true
		}
		cfgStatus = m.applyUnitConfig(ctx, *status.UnitConfig)
	}
	return nodes, cfgStatus, false
}

func (m *UpdateManager) applyNodeOperation(ctx context.Context, nodeID string, op types.NodeOperation) types.NodeStatus {
	ns := types.NodeStatus{NodeID: nodeID, Status: "ok"}
	if m.nodeOps == nil {
		ns.Status = "failed"
		ns.Err = cmerr.New(cmerr.Failed, "no node operator configured")
	} else if err := m.nodeOps.SetNodeState(ctx, nodeID, op); err != nil {
		ns.Status = "failed"
		ns.Err = err
		m.log.Warn().Err(err).Str("node_id", nodeID).Str("operation", string(op)).Msg("node state change failed")
	}
	m.reportNodeStatus(ns)
	return ns
}

func (m *UpdateManager) applyUnitConfig(ctx context.Context, cfg types.UnitConfigUpdate) *types.ItemStatus {
	st := types.ItemStatus{ID: cfg.Version, Status: "ok"}
	if m.unitConfig == nil {
		st.Status = "failed"
		st.Err = cmerr.New(cmerr.Failed, "no unit config applier configured")
		m.reportUnitConfigStatus(st)
		return &st
	}
	if err := m.unitConfig.CheckUnitConfig(ctx, cfg); err != nil {
		st.Status = "failed"
		st.Err = err
		m.log.Warn().Err(err).Str("version", cfg.Version).Msg("unit config check failed")
		m.reportUnitConfigStatus(st)
		return &st
	}
	if err := m.unitConfig.UpdateUnitConfig(ctx, cfg); err != nil {
		st.Status = "failed"
		st.Err = err
		m.log.Warn().Err(err).Str("version", cfg.Version).Msg("unit config update failed")
	}
	m.reportUnitConfigStatus(st)
	return &st
}

func (m *UpdateManager) launch(ctx context.Context, requests []types.RunServiceRequest) []types.InstanceStatus {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.UpdatePipelineDuration, "launching")

	if len(requests) == 0 {
		return nil
	}
	statuses, err := m.launcher.RunInstances(ctx, requests, nil, false)
	if err != nil {
		m.log.Error().Err(err).Msg("run instances failed during update launch")
	}
	return statuses
}

func (m *UpdateManager) finalize(ctx context.Context, items []types.UpdateItem) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.UpdatePipelineDuration, "finalizing")

	if len(items) == 0 {
		return
	}
	if _, err := m.images.InstallUpdateItems(ctx, items); err != nil {
		m.log.Warn().Err(err).Msg("install update items failed")
	}
}

func (m *UpdateManager) reportNodeStatus(status types.NodeStatus) {
	m.mu.Lock()
	listener := m.listener
	m.mu.Unlock()
	if listener != nil {
		listener.SetUpdateNodeStatus(status)
	}
}

func (m *UpdateManager) reportUnitConfigStatus(status types.ItemStatus) {
	m.mu.Lock()
	listener := m.listener
	m.mu.Unlock()
	if listener != nil {
		listener.SetUpdateUnitConfigStatus(status)
	}
}

func (m *UpdateManager) reportUnitStatus(status types.UnitStatus) {
	m.mu.Lock()
	listener := m.listener
	m.mu.Unlock()
	if listener != nil {
		listener.UnitStatusChanged(status)
	}
}
