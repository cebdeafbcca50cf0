// Package storagestate provisions per-instance state and storage
// directories, applies per-user filesystem quotas, and keeps an
// instance's state content synchronized with the cloud.
package storagestate

import (
	"context"
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"sync"

	"github.com/edgefleet/cm/pkg/cmerr"
	"github.com/edgefleet/cm/pkg/types"
	"github.com/rs/zerolog"
)

// AcceptResult is the cloud's verdict on a NewState delivery.
type AcceptResult string

const (
	ResultAccepted AcceptResult = "accepted"
	ResultRejected AcceptResult = "rejected"
)

// StateRequest asks the cloud to re-deliver the last accepted content
// for an instance (e.g. after a checksum mismatch is detected locally).
type StateRequest struct {
	Ident   types.InstanceIdent
	Default bool
}

// NewState reports a locally observed state change to the cloud.
type NewState struct {
	Ident    types.InstanceIdent
	Content  []byte
	Checksum string // hex-encoded SHA3-224
}

// Sender delivers outbound state-sync messages to the cloud.
type Sender interface {
	SendStateRequest(req StateRequest) error
	SendNewState(state NewState) error
}

// FSPlatform is the platform-specific filesystem collaborator: mount
// point resolution, ownership, and per-user quota enforcement.
type FSPlatform interface {
	GetMountPoint(path string) (string, error)
	ChangeOwner(path string, uid, gid uint32) error
	SetUserQuota(path string, bytes int64, uid uint32) error
	GetTotalSize(path string) (int64, error)
}

// Hasher produces the hash used for checksum computation. The
// algorithm is fixed at SHA3-224, but the seam stays an interface
// so tests can substitute a cheaper hash.
type Hasher interface {
	CreateHash(algorithm string) (hash.Hash, error)
}

// FSSubscriber receives filesystem change notifications for a watched
// path.
type FSSubscriber interface {
	OnFSEvent(path string, events []string)
}

// FSWatcher watches individual file paths and notifies subscribers of
// changes.
type FSWatcher interface {
	Subscribe(path string, subscriber FSSubscriber) error
	Unsubscribe(path string, subscriber FSSubscriber) error
}

// HashAlgorithm is the canonical checksum algorithm.
const HashAlgorithm = "sha3-224"

const checksumSidecarName = "state.dat.sha3-224"

type record struct {
	mu sync.Mutex

	ident        types.InstanceIdent
	uid          uint32
	stateQuota   int64
	storageQuota int64
	statePath    string
	storagePath  string
	checksum     string
	quotaApplied bool
}

// Manager implements the Setup/UpdateState/AcceptState/Cleanup/Remove
// contract.
type Manager struct {
	log zerolog.Logger

	stateDir   string
	storageDir string

	platform FSPlatform
	watcher  FSWatcher
	sender   Sender
	hasher   Hasher

	mu          sync.Mutex
	records     map[types.InstanceIdent]*record
	pathToIdent map[string]types.InstanceIdent
}

// New creates a StorageState manager rooted at stateDir/storageDir.
func New(log zerolog.Logger, stateDir, storageDir string, platform FSPlatform, watcher FSWatcher, sender Sender, hasher Hasher) *Manager {
	if hasher == nil {
		hasher = SHA3Hasher{}
	}
	return &Manager{
		log:         log,
		stateDir:    stateDir,
		storageDir:  storageDir,
		platform:    platform,
		watcher:     watcher,
		sender:      sender,
		hasher:      hasher,
		records:     make(map[types.InstanceIdent]*record),
		pathToIdent: make(map[string]types.InstanceIdent),
	}
}

func instanceSubpath(ident types.InstanceIdent) string {
	return filepath.Join(ident.ItemID, ident.SubjectID, fmt.Sprintf("%d", ident.Instance))
}

func (m *Manager) statePathFor(ident types.InstanceIdent) string {
	return filepath.Join(m.stateDir, instanceSubpath(ident), "state.dat")
}

func (m *Manager) storagePathFor(ident types.InstanceIdent) string {
	return filepath.Join(m.storageDir, instanceSubpath(ident))
}

// Setup provisions (or reuses) an instance's state and storage
// directories, applying per-user quotas and starting the state-file
// watch. stateQuota==0 removes the state tree; storageQuota==0 removes
// the storage tree; both zero is a valid "no storage" instance.
func (m *Manager) Setup(ctx context.Context, ident types.InstanceIdent, uid uint32, stateQuota, storageQuota int64) (statePath, storagePath string, err error) {
	m.mu.Lock()
	rec, existed := m.records[ident]
	if !existed {
		rec = &record{ident: ident, statePath: m.statePathFor(ident), storagePath: m.storagePathFor(ident)}
		m.records[ident] = rec
	}
	m.mu.Unlock()

	rec.mu.Lock()
	defer rec.mu.Unlock()

	// A previous Setup with a zero quota cleared the path; restore it.
	rec.statePath, rec.storagePath = m.statePathFor(ident), m.storagePathFor(ident)

	sameQuotas := existed && rec.uid == uid && rec.stateQuota == stateQuota && rec.storageQuota == storageQuota && rec.quotaApplied

	if stateQuota == 0 {
		if err := os.RemoveAll(filepath.Dir(rec.statePath)); err != nil {
			return "", "", cmerr.Wrap(cmerr.Failed, err, "remove state tree")
		}
		rec.statePath = ""
	} else {
		if err := os.MkdirAll(filepath.Dir(rec.statePath), 0700); err != nil {
			return "", "", cmerr.Wrap(cmerr.Failed, err, "create state directory")
		}
		f, err := os.OpenFile(rec.statePath, os.O_CREATE|os.O_RDONLY, 0600)
		if err != nil {
			return "", "", cmerr.Wrap(cmerr.Failed, err, "create state file")
		}
		f.Close()

		if m.platform != nil {
			if err := m.platform.ChangeOwner(rec.statePath, uid, uid); err != nil {
				return "", "", cmerr.Wrap(cmerr.Failed, err, "chown state file")
			}
		}
	}

	if storageQuota == 0 {
		if err := os.RemoveAll(rec.storagePath); err != nil {
			return "", "", cmerr.Wrap(cmerr.Failed, err, "remove storage tree")
		}
		rec.storagePath = ""
	} else {
		if err := os.MkdirAll(rec.storagePath, 0700); err != nil {
			return "", "", cmerr.Wrap(cmerr.Failed, err, "create storage directory")
		}
		if m.platform != nil {
			if err := m.platform.ChangeOwner(rec.storagePath, uid, uid); err != nil {
				return "", "", cmerr.Wrap(cmerr.Failed, err, "chown storage directory")
			}
		}
	}

	if !sameQuotas && m.platform != nil {
		if err := m.applyQuotas(rec, uid, stateQuota, storageQuota); err != nil {
			return "", "", err
		}
	}
	rec.uid = uid
	rec.stateQuota = stateQuota
	rec.storageQuota = storageQuota
	rec.quotaApplied = true

	if rec.statePath != "" {
		m.mu.Lock()
		m.pathToIdent[rec.statePath] = ident
		m.mu.Unlock()

		storedChecksum := m.loadChecksum(rec)
		content, readErr := os.ReadFile(rec.statePath)
		if readErr == nil {
			computed := m.checksumOf(content)
			if storedChecksum != "" && computed != storedChecksum {
				m.requestRedelivery(ident)
			}
		}
		rec.checksum = storedChecksum

		if m.watcher != nil {
			if err := m.watcher.Subscribe(rec.statePath, m); err != nil {
				m.log.Warn().Err(err).Str("instance", ident.String()).Msg("failed to subscribe to state file watch")
			}
		}
	}

	return rec.statePath, rec.storagePath, nil
}

// applyQuotas sets the per-user quota for state and storage, combining
// them into a single quota when the two trees share a mount point.
func (m *Manager) applyQuotas(rec *record, uid uint32, stateQuota, storageQuota int64) error {
	if rec.statePath == "" && rec.storagePath == "" {
		return nil
	}

	stateMount, storageMount := "", ""
	if rec.statePath != "" {
		mp, err := m.platform.GetMountPoint(filepath.Dir(rec.statePath))
		if err != nil {
			return cmerr.Wrap(cmerr.Failed, err, "resolve state mount point")
		}
		stateMount = mp
	}
	if rec.storagePath != "" {
		mp, err := m.platform.GetMountPoint(rec.storagePath)
		if err != nil {
			return cmerr.Wrap(cmerr.Failed, err, "resolve storage mount point")
		}
		storageMount = mp
	}

	if stateMount != "" && storageMount != "" && stateMount == storageMount {
		if err := m.platform.SetUserQuota(stateMount, stateQuota+storageQuota, uid); err != nil {
			return cmerr.Wrap(cmerr.Failed, err, "set combined quota")
		}
		return nil
	}

	if stateMount != "" {
		if err := m.platform.SetUserQuota(stateMount, stateQuota, uid); err != nil {
			return cmerr.Wrap(cmerr.Failed, err, "set state quota")
		}
	}
	if storageMount != "" {
		if err := m.platform.SetUserQuota(storageMount, storageQuota, uid); err != nil {
			return cmerr.Wrap(cmerr.Failed, err, "set storage quota")
		}
	}
	return nil
}

// UpdateState writes new content for an instance's state file after
// validating it against the instance's quota and the supplied checksum.
func (m *Manager) UpdateState(ctx context.Context, ident types.InstanceIdent, content []byte, checksum string) error {
	rec, ok := m.recordFor(ident)
	if !ok {
		return cmerr.Newf(cmerr.NotFound, "instance %s", ident)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.statePath == "" {
		return cmerr.Newf(cmerr.WrongState, "instance %s has no state tree", ident)
	}
	if rec.stateQuota > 0 && int64(len(content)) > rec.stateQuota {
		return cmerr.Newf(cmerr.InvalidArgument, "content size %d exceeds state quota %d", len(content), rec.stateQuota)
	}

	computed := m.checksumOf(content)
	if computed != checksum {
		return cmerr.Newf(cmerr.InvalidChecksum, "checksum mismatch for instance %s", ident)
	}

	if err := writeAtomic(rec.statePath, content, 0600); err != nil {
		return cmerr.Wrap(cmerr.Failed, err, "write state content")
	}

	rec.checksum = checksum
	return m.persistChecksum(rec)
}

// AcceptState records the cloud's verdict on a previously sent NewState.
// On any non-accepted result it re-requests redelivery.
func (m *Manager) AcceptState(ctx context.Context, ident types.InstanceIdent, checksum string, result AcceptResult, reason string) error {
	rec, ok := m.recordFor(ident)
	if !ok {
		return cmerr.Newf(cmerr.NotFound, "instance %s", ident)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	content, err := os.ReadFile(rec.statePath)
	if err != nil {
		return cmerr.Wrap(cmerr.Failed, err, "read current state content")
	}
	if m.checksumOf(content) != checksum {
		return cmerr.Newf(cmerr.InvalidChecksum, "accepted checksum does not match held content for instance %s", ident)
	}

	if result == ResultAccepted {
		rec.checksum = checksum
		return m.persistChecksum(rec)
	}

	m.log.Info().Str("instance", ident.String()).Str("reason", reason).Msg("state delivery not accepted, requesting redelivery")
	return m.sender.SendStateRequest(StateRequest{Ident: ident, Default: false})
}

// GetInstanceCheckSum returns the instance's currently held checksum.
func (m *Manager) GetInstanceCheckSum(ctx context.Context, ident types.InstanceIdent) ([]byte, error) {
	rec, ok := m.recordFor(ident)
	if !ok {
		return nil, cmerr.Newf(cmerr.NotFound, "instance %s", ident)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return []byte(rec.checksum), nil
}

// Cleanup stops watching an instance's state file but retains its
// files on disk.
func (m *Manager) Cleanup(ident types.InstanceIdent) error {
	rec, ok := m.recordFor(ident)
	if !ok {
		return nil
	}

	if m.watcher != nil && rec.statePath != "" {
		if err := m.watcher.Unsubscribe(rec.statePath, m); err != nil {
			m.log.Warn().Err(err).Str("instance", ident.String()).Msg("failed to unsubscribe state file watch")
		}
	}

	m.mu.Lock()
	delete(m.records, ident)
	if rec.statePath != "" {
		delete(m.pathToIdent, rec.statePath)
	}
	m.mu.Unlock()

	return nil
}

// Remove stops watching and deletes the instance's state tree, storage
// tree, and record.
func (m *Manager) Remove(ctx context.Context, ident types.InstanceIdent) error {
	if err := m.Cleanup(ident); err != nil {
		return err
	}

	var errs []error
	if err := os.RemoveAll(filepath.Dir(m.statePathFor(ident))); err != nil {
		errs = append(errs, err)
	}
	if err := os.RemoveAll(m.storagePathFor(ident)); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return cmerr.Wrapf(cmerr.Failed, errs[0], "remove instance trees for %s", ident)
	}
	return nil
}

// IsSamePartition reports whether two paths resolve to the same mount
// point (supplemented feature).
func (m *Manager) IsSamePartition(a, b string) (bool, error) {
	if m.platform == nil {
		return false, cmerr.New(cmerr.Failed, "no filesystem platform configured")
	}
	mountA, err := m.platform.GetMountPoint(a)
	if err != nil {
		return false, cmerr.Wrap(cmerr.Failed, err, "resolve mount point")
	}
	mountB, err := m.platform.GetMountPoint(b)
	if err != nil {
		return false, cmerr.Wrap(cmerr.Failed, err, "resolve mount point")
	}
	return mountA == mountB, nil
}

// GetTotalStateSize returns the on-disk size of an instance's state tree.
func (m *Manager) GetTotalStateSize(ident types.InstanceIdent) (int64, error) {
	rec, ok := m.recordFor(ident)
	if !ok || rec.statePath == "" || m.platform == nil {
		return 0, nil
	}
	return m.platform.GetTotalSize(filepath.Dir(rec.statePath))
}

// GetTotalStorageSize returns the on-disk size of an instance's storage
// tree.
func (m *Manager) GetTotalStorageSize(ident types.InstanceIdent) (int64, error) {
	rec, ok := m.recordFor(ident)
	if !ok || rec.storagePath == "" || m.platform == nil {
		return 0, nil
	}
	return m.platform.GetTotalSize(rec.storagePath)
}

// OnFSEvent implements FSSubscriber: it is invoked by the watcher on
// every change to a watched state file. Coalescing by filename and
// bounding the work to one worker happens in the watcher itself; this
// callback does the read-hash-compare-notify work for a single path.
func (m *Manager) OnFSEvent(path string, events []string) {
	m.mu.Lock()
	ident, ok := m.pathToIdent[path]
	m.mu.Unlock()
	if !ok {
		return
	}

	rec, ok := m.recordFor(ident)
	if !ok {
		return
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	content, err := os.ReadFile(path)
	if err != nil {
		m.log.Warn().Err(err).Str("instance", ident.String()).Msg("failed to read state file after change notification")
		return
	}

	computed := m.checksumOf(content)
	if computed == rec.checksum {
		return
	}

	rec.checksum = computed
	if err := m.persistChecksum(rec); err != nil {
		m.log.Warn().Err(err).Str("instance", ident.String()).Msg("failed to persist checksum after change notification")
	}

	if m.sender != nil {
		if err := m.sender.SendNewState(NewState{Ident: ident, Content: content, Checksum: computed}); err != nil {
			m.log.Warn().Err(err).Str("instance", ident.String()).Msg("failed to send new state")
		}
	}
}

func (m *Manager) requestRedelivery(ident types.InstanceIdent) {
	if m.sender == nil {
		return
	}
	if err := m.sender.SendStateRequest(StateRequest{Ident: ident, Default: false}); err != nil {
		m.log.Warn().Err(err).Str("instance", ident.String()).Msg("failed to send state request")
	}
}

func (m *Manager) recordFor(ident types.InstanceIdent) (*record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[ident]
	return rec, ok
}

func (m *Manager) checksumOf(content []byte) string {
	h, err := m.hasher.CreateHash(HashAlgorithm)
	if err != nil {
		return ""
	}
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}

func (m *Manager) checksumSidecarPath(rec *record) string {
	return filepath.Join(filepath.Dir(rec.statePath), checksumSidecarName)
}

func (m *Manager) loadChecksum(rec *record) string {
	data, err := os.ReadFile(m.checksumSidecarPath(rec))
	if err != nil {
		return ""
	}
	return string(data)
}

func (m *Manager) persistChecksum(rec *record) error {
	return writeAtomic(m.checksumSidecarPath(rec), []byte(rec.checksum), 0600)
}

func writeAtomic(path string, content []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
