/*
Package instancemanager owns the authoritative set of scheduled
instance records.

# UID pool

Every instance is assigned a UID from the fixed range [5000, 10000).
The pool is a simple free stack: New pre-fills it with every UID in the
range, SetupInstance pops one (or reuses the UID already assigned to an
ident), and eviction pushes a released UID back. Exhaustion is a
cmerr.NoMemory scoped to the one instance being scheduled, never an
aborted placement pass.

# Eviction

UpdateInstanceCache runs once at Start and again every 24 hours. It
drops two classes of record:

  - instances whose item (service or component) has been removed, per
    ItemChecker
  - cached instances whose timestamp is older than ServiceTTL

Both classes release the instance's reserved state/storage through
StorageState.Remove before the record itself is deleted, and return
their UID to the pool.

# Usage

	mgr := instancemanager.New(logger, store, itemChecker, storageState, 0)
	if err := mgr.Start(ctx); err != nil { ... }
	defer mgr.Stop()

	info, err := mgr.SetupInstance(ctx, req, nodeHandler, layers, rebalancing)
	if err != nil {
	    mgr.SetInstanceError(req.Ident, req.Service.Version, err)
	}
*/
package instancemanager
