/*
Package types defines the data model shared by the communication manager's
subsystems: instance identity, node inventory, resource descriptors, and the
state persisted across process restarts.

# Architecture

This package is the foundation every other package builds on. It defines:

  - Instance identity and scheduling records (InstanceIdent, InstanceInfo)
  - Node inventory, both static (NodeInfo) and dynamic (SMInfo, UnitNodeInfo)
  - Service/layer descriptors as resolved by the image provider
  - Resource and device requirements used by the balancer's filter pipeline
  - The update pipeline's persisted state (UpdateState, DesiredStatus)
  - Reported outcomes (InstanceStatus, UnitStatus, NodeStatus, ItemStatus)

Types here are plain structs with no behavior beyond InstanceIdent.String().
Validation, persistence, and wire encoding all live in their owning
packages (pkg/storage, pkg/cmerr) so that this package stays a stable,
dependency-free vocabulary the rest of the module shares.

# Core Types

Instance identity and scheduling:
  - InstanceIdent: the (itemID, subjectID, instance) triple, stable across restarts
  - InstanceInfo: the scheduled record owned by pkg/instancemanager
  - InstanceNetworkInfo / NetworkInfo: per-instance and per-network allocation

Node inventory:
  - NodeInfo: static declared capacity, partitions, runtimes, resources
  - NodeConfig: operator policy (priority, labels, resource ratios, alert rules)
  - SMInfo / UnitNodeInfo: the dynamic view NodeInfoProvider projects to listeners

Placement inputs:
  - ServiceInfo / ServiceConfig: what a service needs and how it should be sized
  - RunServiceRequest: one instance the balancer is asked to place

Update pipeline:
  - UpdateState: the five-state Downloading..Finalizing enum
  - DesiredStatus: the cloud-provided target state
  - UnitStatus: what gets reported back, per item/node/instance/unit-config

None of these types assume a particular persistence or wire format; pkg/storage
and the collaborator contracts in each subsystem package own that translation.
*/
package types
