// Package noderuntime is a concrete NodeManager runtime backend: one
// instance per node, driving containerd directly. It is the only piece
// of the communication manager that talks to a container runtime, and it
// talks to exactly one node's containerd socket — fleet-wide dispatch
// across nodes belongs to pkg/launcher, not here.
package noderuntime

import (
	"context"
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/edgefleet/cm/pkg/cmerr"
	"github.com/edgefleet/cm/pkg/types"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// DefaultNamespace is the containerd namespace instances run under.
	DefaultNamespace = "cm"

	// DefaultSocketPath is the default containerd socket on a node.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	stopGracePeriod = 10 * time.Second
)

// ContainerdRuntime implements a node's instance lifecycle using
// containerd as the backing runtime.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdRuntime connects to the containerd socket at socketPath
// (DefaultSocketPath if empty).
func NewContainerdRuntime(socketPath string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, cmerr.Wrap(cmerr.Failed, err, "connect to containerd")
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: DefaultNamespace,
	}, nil
}

// Close closes the containerd client connection.
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// StartInstances executes one dispatch batch: stop the given instances
// first, then start the given specs. Stop failures are collected but do
// not prevent starts from being attempted, matching the launcher's
// per-instance failure absorption. The returned bool reports
// whether any instance in the batch declared that the node requires a
// reboot to take effect, which the launcher propagates onto NodeStatus
// (supplemented feature).
func (r *ContainerdRuntime) StartInstances(ctx context.Context, stop []types.InstanceIdent, start []types.InstanceInfo) (rebootRequired bool, err error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	var errs []error
	for _, ident := range stop {
		if stopErr := r.stopAndDelete(ctx, ident); stopErr != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", ident, stopErr))
		}
	}

	for _, spec := range start {
		needsReboot, startErr := r.startOne(ctx, spec)
		if startErr != nil {
			errs = append(errs, fmt.Errorf("start %s: %w", spec.Ident, startErr))
			continue
		}
		rebootRequired = rebootRequired || needsReboot
	}

	if len(errs) > 0 {
		return rebootRequired, cmerr.Wrap(cmerr.Failed, combineErrors(errs), "dispatch batch")
	}
	return rebootRequired, nil
}

func (r *ContainerdRuntime) startOne(ctx context.Context, spec types.InstanceInfo) (rebootRequired bool, err error) {
	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		image, err = r.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
		if err != nil {
			return false, cmerr.Wrapf(cmerr.Failed, err, "pull image %s", spec.Image)
		}
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
		oci.WithUIDGID(spec.UID, spec.UID),
	}

	if spec.CPUQuota > 0 {
		shares := uint64(spec.CPUQuota * 1024)
		quota := int64(spec.CPUQuota * 100000)
		period := uint64(100000)
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, period))
	}
	if spec.RAMQuota > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.RAMQuota)))
	}
	if len(spec.Mounts) > 0 {
		opts = append(opts, oci.WithMounts(ociMounts(spec.Mounts)))
	}

	id := containerID(spec.Ident)

	container, err := r.client.NewContainer(
		ctx,
		id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return false, cmerr.Wrap(cmerr.Failed, err, "create container")
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return false, cmerr.Wrap(cmerr.Failed, err, "create task")
	}

	if err := task.Start(ctx); err != nil {
		return false, cmerr.Wrap(cmerr.Failed, err, "start task")
	}

	// A device runner reports that instances attached to a physical
	// device require a node reboot to bind cleanly; containerd itself
	// never requires this, so ContainerdRuntime always reports false.
	return false, nil
}

func (r *ContainerdRuntime) stopAndDelete(ctx context.Context, ident types.InstanceIdent) error {
	id := containerID(ident)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		// Already gone; stopping a nonexistent instance is not an error.
		return nil
	}

	task, err := container.Task(ctx, nil)
	if err == nil {
		stopCtx, cancel := context.WithTimeout(ctx, stopGracePeriod)
		defer cancel()

		if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
			return cmerr.Wrap(cmerr.Failed, err, "kill task")
		}

		statusC, err := task.Wait(stopCtx)
		if err != nil {
			return cmerr.Wrap(cmerr.Failed, err, "wait for task")
		}

		select {
		case <-statusC:
		case <-stopCtx.Done():
			if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
				return cmerr.Wrap(cmerr.Failed, err, "force kill task")
			}
		}

		if _, err := task.Delete(ctx); err != nil {
			return cmerr.Wrap(cmerr.Failed, err, "delete task")
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return cmerr.Wrap(cmerr.Failed, err, "delete container")
	}
	return nil
}

// InstanceStatus returns the run state of one instance as currently
// reported by containerd.
func (r *ContainerdRuntime) InstanceStatus(ctx context.Context, ident types.InstanceIdent) (types.InstanceRunState, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID(ident))
	if err != nil {
		return "", cmerr.Newf(cmerr.NotFound, "instance %s", ident)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return types.InstanceStateScheduled, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return types.InstanceStateFailed, cmerr.Wrap(cmerr.Failed, err, "get task status")
	}

	switch status.Status {
	case containerd.Running, containerd.Paused:
		return types.InstanceStateScheduled, nil
	case containerd.Stopped:
		if status.ExitStatus == 0 {
			return types.InstanceStateScheduled, nil
		}
		return types.InstanceStateFailed, nil
	default:
		return types.InstanceStateScheduled, nil
	}
}

// ListInstanceIdents returns the idents of every instance currently
// known to containerd in this namespace.
func (r *ContainerdRuntime) ListInstanceIdents(ctx context.Context) ([]types.InstanceIdent, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, cmerr.Wrap(cmerr.Failed, err, "list containers")
	}

	idents := make([]types.InstanceIdent, 0, len(containers))
	for _, c := range containers {
		ident, ok := parseContainerID(c.ID())
		if !ok {
			continue
		}
		idents = append(idents, ident)
	}
	return idents, nil
}

// containerID maps an InstanceIdent to a containerd-legal container ID.
// Idents stringify with "/" separators, which containerd does not
// accept in an ID, so the separator is swapped for "_".
func containerID(ident types.InstanceIdent) string {
	return strings.ReplaceAll(ident.String(), "/", "_")
}

func parseContainerID(id string) (types.InstanceIdent, bool) {
	parts := strings.Split(id, "_")
	if len(parts) != 3 {
		return types.InstanceIdent{}, false
	}
	var instance uint64
	if _, err := fmt.Sscanf(parts[2], "%d", &instance); err != nil {
		return types.InstanceIdent{}, false
	}
	return types.InstanceIdent{ItemID: parts[0], SubjectID: parts[1], Instance: instance}, true
}

func ociMounts(mounts []types.Mount) []specs.Mount {
	out := make([]specs.Mount, len(mounts))
	for i, m := range mounts {
		out[i] = specs.Mount{
			Source:      m.Source,
			Destination: m.Destination,
			Type:        "bind",
			Options:     append([]string{"bind"}, m.Options...),
		}
	}
	return out
}

func combineErrors(errs []error) error {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
