package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/mrrifat/multibot/internal/fault"
	"github.com/mrrifat/multibot/internal/runtime"
)

// CreateAndStart creates and starts a container from spec. A container
// that starts and immediately dies is still a successful start; state is
// always re-derived from inspect.
func (a *Adapter) CreateAndStart(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", fmt.Errorf("%w: container name cannot be empty", fault.ErrRuntime)
	}
	if strings.TrimSpace(spec.Image) == "" {
		return "", fmt.Errorf("%w: image name cannot be empty", fault.ErrRuntime)
	}

	cfg := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Cmd,
		Env:    spec.Env,
		Labels: spec.Labels,
	}
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "always"},
	}

	created, err := a.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("%w: container create: %v", fault.ErrRuntime, err)
	}
	if err := a.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// Leave no half-created container behind the name.
		_ = a.inner.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		return "", fmt.Errorf("%w: container start: %v", fault.ErrRuntime, err)
	}
	return created.ID, nil
}

// StartContainer starts an existing stopped container by name.
func (a *Adapter) StartContainer(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: container name cannot be empty", fault.ErrRuntime)
	}
	if err := a.inner.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("%w: container %s", fault.ErrNotFound, name)
		}
		return fmt.Errorf("%w: container start: %v", fault.ErrRuntime, err)
	}
	return nil
}

// StopContainer stops a container by name, killing it after grace.
// Missing or already stopped containers are not an error.
func (a *Adapter) StopContainer(ctx context.Context, name string, grace time.Duration) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: container name cannot be empty", fault.ErrRuntime)
	}
	seconds := int(grace.Seconds())
	if err := a.inner.ContainerStop(ctx, name, container.StopOptions{Timeout: &seconds}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("%w: container stop: %v", fault.ErrRuntime, err)
	}
	return nil
}

// RemoveContainer force-removes a container by name. Missing containers
// are not an error.
func (a *Adapter) RemoveContainer(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: container name cannot be empty", fault.ErrRuntime)
	}
	if err := a.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("%w: remove container: %v", fault.ErrRuntime, err)
	}
	return nil
}

// InspectByName reports the status of the named container. A missing
// container yields StateAbsent and no error.
func (a *Adapter) InspectByName(ctx context.Context, name string) (runtime.ContainerStatus, error) {
	inspect, err := a.inner.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return runtime.ContainerStatus{Name: name, State: runtime.StateAbsent}, nil
		}
		return runtime.ContainerStatus{}, fmt.Errorf("%w: container inspect: %v", fault.ErrRuntime, err)
	}

	status := runtime.ContainerStatus{
		ID:   inspect.ID,
		Name: strings.TrimPrefix(inspect.Name, "/"),
	}
	if inspect.Config != nil {
		status.Image = inspect.Config.Image
		status.Labels = inspect.Config.Labels
	}
	if inspect.State != nil {
		status.ExitCode = inspect.State.ExitCode
		status.State = parseState(inspect.State.Status, inspect.State.ExitCode)
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			status.StartedAt = t
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, inspect.Created); err == nil {
		status.CreatedAt = t
	}
	return status, nil
}

func parseState(raw string, exitCode int) runtime.State {
	switch raw {
	case "running", "restarting":
		return runtime.StateRunning
	case "created", "paused":
		return runtime.StateStopped
	case "exited", "dead", "removing":
		if exitCode != 0 {
			return runtime.StateFailed
		}
		return runtime.StateStopped
	default:
		return runtime.StateStopped
	}
}
