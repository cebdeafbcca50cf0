// Package types holds the data model shared across the communication
// manager's subsystems: instance identity, node inventory, resource
// descriptors, and the state persisted between process restarts.
package types

import (
	"fmt"
	"net"
	"time"
)

// InstanceIdent uniquely identifies a running instance across the unit. It
// is stable across restarts and is used as the primary key throughout.
type InstanceIdent struct {
	ItemID    string
	SubjectID string
	Instance  uint64
}

// String renders the ident in "itemID/subjectID/instance" form, used for
// log fields and as the map key for in-memory lookups.
func (i InstanceIdent) String() string {
	return fmt.Sprintf("%s/%s/%d", i.ItemID, i.SubjectID, i.Instance)
}

// InstanceInfo is the scheduled instance record owned by the instance
// manager and updated on every scheduling decision.
type InstanceInfo struct {
	Ident InstanceIdent

	// Runtime is the declared runner used to execute this instance
	// ("runc", "runx", "rootfs").
	Runtime string

	NodeID     string // currently assigned node
	PrevNodeID string // node the instance ran on before the last reschedule

	UID uint32 // allocated from the fixed [5000,10000) pool

	StoragePath string
	StatePath   string

	Network *InstanceNetworkInfo

	// Cached marks an instance that is no longer desired but retained
	// until ServiceTTL elapses so it can be reactivated cheaply.
	Cached bool

	Timestamp time.Time // last scheduling decision

	// Err holds the last scheduling failure for this instance, if any.
	// Cleared on a successful placement.
	Err error

	// Image, Env, CPUQuota, RAMQuota and Mounts are resolved by the
	// image provider and node handler before dispatch; a NodeManager
	// runtime backend executes them as given and performs no further
	// resolution of its own.
	Image    string
	Env      []string
	CPUQuota float64 // DMIPS; 0 means unlimited
	RAMQuota int64   // bytes; 0 means unlimited
	Mounts   []Mount
}

// Mount is a bind mount a runtime backend attaches to an instance's
// container (state, storage, secrets, DNS).
type Mount struct {
	Source      string
	Destination string
	Options     []string
}

// InstanceNetworkInfo is the per-(instance,network) allocation produced by
// the network manager during a placement pass.
type InstanceNetworkInfo struct {
	NetworkID string
	IP        net.IP
	Subnet    *net.IPNet
	Ports     []PortMapping
}

// NetworkInfo describes one overlay network. Created on first instance
// joining it, destroyed when no instances remain.
type NetworkInfo struct {
	NetworkID    string
	Subnet       *net.IPNet
	IP           net.IP
	VlanID       int
	VlanIfName   string
	BridgeIfName string
}

// PortMapping describes one exposed container port.
type PortMapping struct {
	ContainerPort int
	HostPort      int
	Protocol      string // "tcp" or "udp"
}

// NodeRole classifies what a node may run.
type NodeRole string

const (
	NodeRoleManager NodeRole = "manager"
	NodeRoleWorker  NodeRole = "worker"
	NodeRoleHybrid  NodeRole = "hybrid"
)

// NodeState is the connectivity/provisioning state of a node as seen by
// NodeInfoProvider.
type NodeState string

const (
	NodeStateOnline    NodeState = "online"
	NodeStateProvision NodeState = "provisioned"
	NodeStateOffline   NodeState = "offline"
	NodeStateError     NodeState = "error"
)

// NodeInfo is the static, IAM-sourced description of a node.
type NodeInfo struct {
	ID         string
	Type       string
	MaxDMIPS   int64
	TotalRAM   int64
	CPUCores   int
	Partitions []PartitionInfo
	Resources  []string           // declared resource names
	Runtimes   []string           // declared runner names ("runc", "runx", "rootfs")
	Devices    []DeviceDeclaration // declared devices and their sharing capacity
}

// DeviceDeclaration is a device a node offers to instances. Shared
// devices serve up to Capacity instances concurrently per placement
// pass; non-shared devices serve at most one.
type DeviceDeclaration struct {
	Name     string
	Shared   bool
	Capacity int // ignored when Shared is false
}

// PartitionInfo describes one declared storage partition on a node.
type PartitionInfo struct {
	Name       string
	Type       string // "state", "storage", "services", ...
	TotalBytes int64
	MountPoint string
}

// NodeConfig is the operator policy for one node, returned by
// ResourceManager.GetNodeConfig.
type NodeConfig struct {
	NodeType      string
	Priority      int
	Labels        []string
	ResourceRatio map[string]float64 // resource name -> percent share, default 50.0
	AlertRules    []AlertRule
}

// AlertRule triggers a rebalance when a monitored value exceeds
// MaxThreshold for Duration.
type AlertRule struct {
	Resource     string // "cpu" or "ram"
	MaxThreshold float64
	Duration     time.Duration
}

// DefaultResourceRatio is used for a resource with no explicit ratio
// configured: ratios default to cDefaultResourceRatio = 50.0 when unset.
const DefaultResourceRatio = 50.0

// UnitNodeInfo is the projection NodeInfoProvider hands to listeners: the
// static NodeInfo plus the dynamic connectivity/SM view.
type UnitNodeInfo struct {
	NodeInfo
	State       NodeState
	IsConnected bool
	Error       error
	SMInfo      *SMInfo
}

// SMInfo is the dynamic resource/runtime report a node's service manager
// sends to the CM.
type SMInfo struct {
	NodeID       string
	Resources    []string
	Runtimes     []string
	AvgMonitored ResourceUsage
	ReceivedAt   time.Time
}

// ResourceUsage is a rolling monitoring average of non-Aos resource
// consumption on a node, subtracted from declared capacity when a
// placement pass initializes headroom.
type ResourceUsage struct {
	CPUNonAos float64 // DMIPS consumed by processes outside the unit
	RAMNonAos int64   // bytes consumed by processes outside the unit
}

// ServiceInfo describes a deployable service as resolved by the image
// provider: runner, resource/label/device requirements, and per-instance
// resource sizing.
type ServiceInfo struct {
	ID           string
	Version      string
	Runner       string
	Labels       []string
	Resources    []string
	Devices      []DeviceRequirement
	Config       ServiceConfig
	LayerDigests []string
}

// DeviceRequirement names a device a service instance needs and whether
// the device may be shared across instances.
type DeviceRequirement struct {
	Name   string
	Shared bool
}

// LayerInfo describes one filesystem layer a service depends on.
type LayerInfo struct {
	Digest string
	URL    string
	Size   int64
}

// BalancingPolicy controls whether the balancer is free to move an
// instance or must pin it to its current node.
type BalancingPolicy string

const (
	BalancingEnabled  BalancingPolicy = "enabled"
	BalancingDisabled BalancingPolicy = "disabled"
)

// ServiceConfig carries the per-service scheduling inputs: resource quota,
// balancing policy, and storage/state sizing.
type ServiceConfig struct {
	CPUQuota        float64 // DMIPS; 0 means "use the node ratio"
	RAMQuota        int64   // bytes; 0 means "use the node ratio"
	BalancingPolicy BalancingPolicy
	StorageQuota    int64
	StateQuota      int64
	NetworkIDs      []string
}

// RunServiceRequest is one request for the balancer to place (or keep
// placed) a single instance.
type RunServiceRequest struct {
	Ident   InstanceIdent
	Service ServiceInfo
}

// InstanceRunState is the reported scheduling/run outcome for one instance.
type InstanceRunState string

const (
	InstanceStateScheduled InstanceRunState = "scheduled"
	InstanceStateFailed    InstanceRunState = "failed"
)

// InstanceStatus is the per-instance entry in a RunStatusChanged event.
type InstanceStatus struct {
	Ident     InstanceIdent
	NodeID    string
	State     InstanceRunState
	Err       error
	Timestamp time.Time
}

// UpdateState is the UpdateManager's persisted pipeline position.
type UpdateState string

const (
	UpdateStateNone        UpdateState = "none"
	UpdateStateDownloading UpdateState = "downloading"
	UpdateStatePending     UpdateState = "pending"
	UpdateStateInstalling  UpdateState = "installing"
	UpdateStateLaunching   UpdateState = "launching"
	UpdateStateFinalizing  UpdateState = "finalizing"
)

// DesiredStatus is the opaque cloud-provided desired state blob. Its wire
// representation is out of scope; the CM only needs the fields that
// drive scheduling and the update pipeline.
type DesiredStatus struct {
	Version    string
	Instances  []RunServiceRequest
	UpdateItem []UpdateItem
	NodeStates map[string]NodeOperation // nodeID -> pause/resume
	UnitConfig *UnitConfigUpdate
}

// NodeOperation is an Installing-stage node state change.
type NodeOperation string

const (
	NodeOperationNone   NodeOperation = ""
	NodeOperationPause  NodeOperation = "pause"
	NodeOperationResume NodeOperation = "resume"
)

// UnitConfigUpdate carries an optional unit-wide configuration change
// applied during the Installing stage.
type UnitConfigUpdate struct {
	Version string
	Data    []byte
}

// UpdateItem is one artifact the UpdateManager downloads and installs via
// the external ImageManager contract.
type UpdateItem struct {
	ID     string
	Type   string // "service", "layer", "component", "unitconfig"
	URL    string
	Digest string
	Size   int64
}

// UnitStatus is what gets reported back to the cloud: per-item, per-node,
// per-instance, and per-unit-config results.
type UnitStatus struct {
	Instances        []InstanceStatus
	Items            []ItemStatus
	Nodes            []NodeStatus
	UnitConfigStatus *ItemStatus
}

// ItemStatus is the reported outcome for one UpdateItem.
type ItemStatus struct {
	ID     string
	Status string // "ok", "failed"
	Err    error
}

// NodeStatus is the reported outcome of a node-level operation
// (Pause/Resume, or a dispatch that required a reboot).
type NodeStatus struct {
	NodeID         string
	Status         string
	Err            error
	RebootRequired bool
}

// TrafficCounters is a per-instance, per-chain byte counter sample
// (supplemented feature: monitoring exposes these per iptables-style
// chain rather than as a single aggregate per instance).
type TrafficCounters struct {
	Ident     InstanceIdent
	Chain     string
	RxBytes   int64
	TxBytes   int64
	UpdatedAt time.Time
}
