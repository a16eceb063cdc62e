// Package runtime abstracts the container engine behind a narrow
// interface so services and tests never touch the Docker SDK directly.
package runtime

import (
	"context"
	"io"
	"time"
)

// State is the observed lifecycle state of a bot's container.
type State string

const (
	// StateAbsent means no container exists under the bot's name.
	StateAbsent State = "absent"
	// StateRunning means the container process is up.
	StateRunning State = "running"
	// StateStopped means the container exited cleanly or was stopped.
	StateStopped State = "stopped"
	// StateFailed means the container exited with a non-zero code.
	StateFailed State = "failed"
)

// ContainerSpec describes a container to create and start.
type ContainerSpec struct {
	Name   string
	Image  string
	Env    []string
	Cmd    []string
	Labels map[string]string
}

// ContainerStatus is an inspect snapshot of one container.
type ContainerStatus struct {
	ID        string
	Name      string
	Image     string
	State     State
	ExitCode  int
	Labels    map[string]string
	CreatedAt time.Time
	StartedAt time.Time
}

// LogLine is one demultiplexed line of container output.
type LogLine struct {
	Timestamp time.Time
	Stream    string
	Text      string
}

// Engine is the container runtime surface the platform needs. Errors
// cross this boundary already classified: missing resources wrap
// fault.ErrNotFound, everything else wraps fault.ErrRuntime, with the
// exception of build output which wraps fault.ErrBuild.
type Engine interface {
	// Ping verifies engine connectivity.
	Ping(ctx context.Context) error

	// BuildImage builds contextDir into an image tagged tag, streaming
	// build output to out.
	BuildImage(ctx context.Context, contextDir, tag string, out io.Writer) error

	// RemoveImage deletes an image tag. Missing images are not an error.
	RemoveImage(ctx context.Context, tag string) error

	// CreateAndStart creates and starts a container, returning its ID.
	CreateAndStart(ctx context.Context, spec ContainerSpec) (string, error)

	// StartContainer starts an existing stopped container by name.
	StartContainer(ctx context.Context, name string) error

	// StopContainer stops a container by name, killing it after grace.
	// Stopping an already stopped container is not an error.
	StopContainer(ctx context.Context, name string, grace time.Duration) error

	// RemoveContainer force-removes a container by name. Missing
	// containers are not an error.
	RemoveContainer(ctx context.Context, name string) error

	// InspectByName reports the status of the named container. A missing
	// container yields State StateAbsent and no error.
	InspectByName(ctx context.Context, name string) (ContainerStatus, error)

	// TailLogs returns up to lines of the most recent output, oldest
	// first.
	TailLogs(ctx context.Context, name string, lines int) ([]LogLine, error)

	// FollowLogs streams output until the container stops or ctx is
	// cancelled. The returned channel is closed when the stream ends.
	FollowLogs(ctx context.Context, name string) (<-chan LogLine, error)
}
