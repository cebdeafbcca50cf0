/*
Package noderuntime provides a containerd-backed implementation of the
communication manager's NodeManager runtime contract: the per-node
collaborator that actually starts and stops instances.

# Architecture

	┌─────────────────── CONTAINERD RUNTIME ────────────────────┐
	│  ContainerdRuntime                                         │
	│  - Socket: /run/containerd/containerd.sock (configurable)  │
	│  - Namespace: cm                                           │
	│                                                             │
	│  StartInstances(stop, start)                                │
	│    1. stop+delete every ident in stop (best effort)         │
	│    2. pull/get image, build OCI spec, create+start task     │
	│       for every instance in start                           │
	│    3. errors from individual instances are collected, not   │
	│       fatal to the batch — one bad instance must not block  │
	│       the rest of the dispatch (failure absorption)          │
	└────────────────────────────────────────────────────────┘

Each types.InstanceInfo handed to StartInstances carries what the
balancer and instance manager have already resolved by dispatch time:
image reference, the allocated UID from the [5000,10000) pool, CPU/RAM
quotas, and any bind mounts (state, storage, secrets, DNS) prepared by
their owning collaborators. noderuntime itself does no scheduling,
quota calculation, or mount preparation — it only executes what it is
handed.

Container IDs are derived from InstanceIdent by swapping its "/"
separators for "_", since containerd rejects "/" in container IDs;
ListInstanceIdents reverses the mapping to recover idents from
containerd's own inventory on restart.

# Non-goals

This package is one concrete NodeManager backend among others the fleet
may run (rootfs-only nodes, device-passthrough nodes); it does not
attempt to be a general container runtime replacement, only a thin
adapter from the communication manager's batch dispatch contract onto
containerd's client API.
*/
package noderuntime
