// Package docker implements runtime.Engine on top of the Docker SDK.
package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/client"

	"github.com/mrrifat/multibot/internal/fault"
	"github.com/mrrifat/multibot/internal/runtime"
)

// Adapter wraps the Docker SDK client behind runtime.Engine.
type Adapter struct {
	inner *client.Client
}

var _ runtime.Engine = (*Adapter)(nil)

// New creates an Adapter using environment defaults, overriding the
// daemon address when host is non-empty.
func New(host string) (*Adapter, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Adapter{inner: inner}, nil
}

// Ping validates connectivity to the Docker daemon.
func (a *Adapter) Ping(ctx context.Context) error {
	if a == nil || a.inner == nil {
		return fmt.Errorf("%w: docker client not initialized", fault.ErrRuntime)
	}
	ping, err := a.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("%w: docker ping: %v", fault.ErrRuntime, err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("%w: docker ping returned empty API version", fault.ErrRuntime)
	}
	return nil
}

// Close releases resources held by the Docker client.
func (a *Adapter) Close() error {
	if a.inner == nil {
		return nil
	}
	return a.inner.Close()
}
