package docker

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"

	"github.com/stackwatch/stackwatch/internal/core/domain"
	"github.com/stackwatch/stackwatch/internal/core/ports"
)

// containerSpec is the engine-side capture of a container's creation
// parameters. The core treats it as opaque.
type containerSpec struct {
	name       string
	config     *container.Config
	hostConfig *container.HostConfig
	networking *network.NetworkingConfig
}

func (s *containerSpec) ContainerName() string { return s.name }
func (s *containerSpec) ImageRef() string      { return s.config.Image }

// Execute runs a simple lifecycle action. Actions already satisfied by
// the container's current state (stop on stopped, start on running)
// come back from the engine as 304 and are treated as success.
func (a *Adapter) Execute(ctx context.Context, id domain.ResourceID, action domain.Action) error {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	var err error
	switch action {
	case domain.ActionStart:
		err = a.cli.ContainerStart(ctx, string(id), types.ContainerStartOptions{})
	case domain.ActionStop:
		err = a.cli.ContainerStop(ctx, string(id), container.StopOptions{})
	case domain.ActionRestart:
		err = a.cli.ContainerRestart(ctx, string(id), container.StopOptions{})
	case domain.ActionPause:
		err = a.cli.ContainerPause(ctx, string(id))
	case domain.ActionUnpause:
		err = a.cli.ContainerUnpause(ctx, string(id))
	default:
		return fmt.Errorf("action %q is not a simple engine action", action)
	}
	if err != nil && errdefs.IsNotModified(err) {
		err = nil
	}
	if err != nil {
		return fmt.Errorf("failed to %s container %s: %w", action, id.Short(), mapEngineErr(err))
	}
	a.log.WithFields(map[string]interface{}{"container": id.Short(), "action": action}).Debug("engine action applied")
	return nil
}

// RemoveContainer deletes a container. Precondition checks (running
// without force) belong to the dispatcher, not this layer.
func (a *Adapter) RemoveContainer(ctx context.Context, id domain.ResourceID, force bool) error {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	err := a.cli.ContainerRemove(ctx, string(id), types.ContainerRemoveOptions{Force: force})
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", id.Short(), mapEngineErr(err))
	}
	return nil
}

// CaptureSpec snapshots everything needed to recreate the container:
// config, host config and network endpoints.
func (a *Adapter) CaptureSpec(ctx context.Context, id domain.ResourceID) (ports.ContainerSpec, error) {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	info, err := a.cli.ContainerInspect(ctx, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", id.Short(), mapEngineErr(err))
	}
	if info.Config == nil {
		return nil, fmt.Errorf("container %s has no config", id.Short())
	}

	spec := &containerSpec{
		name:       info.Name,
		config:     info.Config,
		hostConfig: info.HostConfig,
	}
	for len(spec.name) > 0 && spec.name[0] == '/' {
		spec.name = spec.name[1:]
	}
	if info.NetworkSettings != nil && len(info.NetworkSettings.Networks) > 0 {
		spec.networking = &network.NetworkingConfig{EndpointsConfig: info.NetworkSettings.Networks}
	}
	return spec, nil
}

// PullImage fetches ref from its registry, bounded by the pull timeout.
func (a *Adapter) PullImage(ctx context.Context, ref string) error {
	ctx, cancel := context.WithTimeout(ctx, a.pullTimeout)
	defer cancel()

	reader, err := a.cli.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, mapRegistryErr(err))
	}
	defer reader.Close()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, mapRegistryErr(err))
	}
	a.log.WithField("image", ref).Info("image pulled")
	return nil
}

// CreateContainer creates (but does not start) a container from a
// captured spec under the given name. The spec's tag reference is kept
// as-is; after a pull it resolves to the newer image.
func (a *Adapter) CreateContainer(ctx context.Context, spec ports.ContainerSpec, name string) (domain.ResourceID, error) {
	cs, ok := spec.(*containerSpec)
	if !ok {
		return "", fmt.Errorf("container spec was not captured by this adapter")
	}

	ctx, cancel := a.bound(ctx)
	defer cancel()

	resp, err := a.cli.ContainerCreate(ctx, cs.config, cs.hostConfig, cs.networking, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", name, mapEngineErr(err))
	}
	return domain.ResourceID(resp.ID), nil
}

// StartContainer starts a created container.
func (a *Adapter) StartContainer(ctx context.Context, id domain.ResourceID) error {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	if err := a.cli.ContainerStart(ctx, string(id), types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", id.Short(), mapEngineErr(err))
	}
	return nil
}

// RenameContainer renames a container, freeing or restoring its name
// during the recreate protocol.
func (a *Adapter) RenameContainer(ctx context.Context, id domain.ResourceID, name string) error {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	if err := a.cli.ContainerRename(ctx, string(id), name); err != nil {
		return fmt.Errorf("failed to rename container %s: %w", id.Short(), mapEngineErr(err))
	}
	return nil
}

// WaitRunning polls until the container reports the running state, or
// the adapter timeout elapses.
func (a *Adapter) WaitRunning(ctx context.Context, id domain.ResourceID) error {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	for {
		info, err := a.cli.ContainerInspect(ctx, string(id))
		if err != nil {
			return fmt.Errorf("failed to inspect container %s: %w", id.Short(), mapEngineErr(err))
		}
		if info.State != nil {
			switch info.State.Status {
			case domain.StateRunning:
				return nil
			case domain.StateExited, domain.StateDead:
				return fmt.Errorf("container %s entered state %s instead of running", id.Short(), info.State.Status)
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for container %s to run: %w", id.Short(), mapEngineErr(ctx.Err()))
		case <-time.After(500 * time.Millisecond):
		}
	}
}
