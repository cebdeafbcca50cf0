/*
Package updatemanager drives the cloud-to-running-workload update
pipeline: a single persisted state machine that takes a DesiredStatus,
downloads its update items, installs node/unit-config changes, launches
the desired instance set, and finalizes the downloaded artifacts.

# Pipeline

	Downloading --ok--> Pending --> Installing --ok--> Launching --ok--> Finalizing --ok--> None
	                                   |                   |                  |
	                                   +-- on error --------+------------------+--> None

Each transition is persisted via Storage.SaveUpdateState before the
stage's effect runs, so a process restart between the persist and the
effect resumes the pipeline at the persisted state rather than
re-running a completed stage.

# Operations

  - Start loads the persisted state and desired status and launches the
    worker; if the process died mid-pipeline, the worker resumes at the
    persisted stage instead of restarting from Downloading.
  - ProcessDesiredStatus persists status and enqueues it, returning
    immediately. A status identical to what is already pending (or, if
    nothing is pending, to what the running pass was given) is a no-op.
    Otherwise it replaces the pending status and, if the running pass is
    mid-Downloading or mid-Installing, cancels it: ImageManager.Cancel is
    called and the worker restarts from Downloading once the pass
    unwinds. A pass already in Launching or Finalizing is left to finish.
  - Stop cancels any in-flight pass (and the ImageManager, if mid-
    Downloading or mid-Installing) and joins the worker.

# Failure absorption

Per-item download failures, per-node operation failures, and
per-instance launch failures are all absorbed: logged, reported to the
listener, and the pipeline continues to the next stage. Only a
cancellation (a newer desired status arriving) interrupts a pass before
it reaches None.
*/
package updatemanager
