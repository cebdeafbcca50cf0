/*
Package storagestate provisions per-instance state and storage trees
on disk, enforces per-user quotas through the platform collaborator,
and keeps an instance's state content synchronized with the cloud.

# Path layout

	<stateDir>/<itemID>/<subjectID>/<instance>/state.dat
	<stateDir>/<itemID>/<subjectID>/<instance>/state.dat.sha3-224  (checksum sidecar)
	<storageDir>/<itemID>/<subjectID>/<instance>/

# Quota application

Setup is idempotent: if a record already holds the same (uid, state
quota, storage quota) triple, FSPlatform.SetUserQuota is not called
again. When the state and storage trees resolve to the same mount
point, a single combined quota (stateQuota+storageQuota) is applied
instead of two separate calls.

# Change detection

FSNotifyWatcher wraps fsnotify.Watcher and coalesces events by path: a
burst of writes to one state file still produces at most one pending
notification, delivered by a single worker goroutine that calls
Manager.OnFSEvent. A change that alters the file's SHA3-224 hash
triggers Sender.SendNewState; the checksum persisted alongside
state.dat is what the next Setup compares the live file hash against to
detect drift.

# Usage

	ss := storagestate.New(logger, "/var/lib/cm/state", "/var/lib/cm/storage", platform, watcher, sender, nil)
	statePath, storagePath, err := ss.Setup(ctx, ident, uid, stateQuota, storageQuota)
	...
	err = ss.UpdateState(ctx, ident, content, checksum)
	err = ss.AcceptState(ctx, ident, checksum, storagestate.ResultAccepted, "")
*/
package storagestate
