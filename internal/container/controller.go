// Package container owns the single instance slot of every bot and the
// transitions between absent, running, stopped and failed.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mrrifat/multibot/internal/fault"
	"github.com/mrrifat/multibot/internal/runtime"
)

// Controller serializes lifecycle operations per bot. State is always
// derived from the engine by container name; the controller keeps no
// shadow copy that could drift.
type Controller struct {
	engine    runtime.Engine
	logger    *slog.Logger
	stopGrace time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewController constructs a Controller. stopGrace bounds graceful
// stops before the engine kills the process.
func NewController(engine runtime.Engine, logger *slog.Logger, stopGrace time.Duration) *Controller {
	if stopGrace <= 0 {
		stopGrace = 10 * time.Second
	}
	return &Controller{
		engine:    engine,
		logger:    logger,
		stopGrace: stopGrace,
		locks:     map[string]*sync.Mutex{},
	}
}

func (c *Controller) lockFor(botName string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[botName]
	if !ok {
		l = &sync.Mutex{}
		c.locks[botName] = l
	}
	return l
}

// Status reports the bot's instance snapshot.
func (c *Controller) Status(ctx context.Context, botName string) (runtime.ContainerStatus, error) {
	return c.engine.InspectByName(ctx, runtime.ContainerNameFor(botName))
}

// EnsureRunning makes the bot run imageTag with the given env and
// command. A running instance of the same image is left alone; anything
// else is retired first, so at no point do two live containers share
// the bot's name.
func (c *Controller) EnsureRunning(ctx context.Context, botName, imageTag string, deploymentID int64, env, cmd []string) error {
	lock := c.lockFor(botName)
	lock.Lock()
	defer lock.Unlock()

	name := runtime.ContainerNameFor(botName)
	status, err := c.engine.InspectByName(ctx, name)
	if err != nil {
		return err
	}
	if status.State == runtime.StateRunning && status.Image == imageTag {
		return nil
	}
	if status.State != runtime.StateAbsent {
		if err := c.retire(ctx, name); err != nil {
			return err
		}
	}

	spec := runtime.ContainerSpec{
		Name:   name,
		Image:  imageTag,
		Env:    env,
		Cmd:    cmd,
		Labels: runtime.LabelsFor(botName, deploymentID),
	}
	if _, err := c.engine.CreateAndStart(ctx, spec); err != nil {
		return err
	}
	c.logger.Info("instance running", "bot", botName, "image", imageTag)
	return nil
}

// Start starts a stopped instance. Absent bots yield fault.ErrNotFound
// so callers can fall back to recreating from the active image.
func (c *Controller) Start(ctx context.Context, botName string) error {
	lock := c.lockFor(botName)
	lock.Lock()
	defer lock.Unlock()

	name := runtime.ContainerNameFor(botName)
	status, err := c.engine.InspectByName(ctx, name)
	if err != nil {
		return err
	}
	switch status.State {
	case runtime.StateRunning:
		return nil
	case runtime.StateAbsent:
		return fmt.Errorf("%w: no instance for bot %s", fault.ErrNotFound, botName)
	}
	return c.engine.StartContainer(ctx, name)
}

// Stop stops a running instance. Absent and already stopped instances
// are a no-op.
func (c *Controller) Stop(ctx context.Context, botName string) error {
	lock := c.lockFor(botName)
	lock.Lock()
	defer lock.Unlock()

	name := runtime.ContainerNameFor(botName)
	status, err := c.engine.InspectByName(ctx, name)
	if err != nil {
		return err
	}
	if status.State != runtime.StateRunning {
		return nil
	}
	return c.engine.StopContainer(ctx, name, c.stopGrace)
}

// Restart recreates the instance from its current image with the given
// env and command, so env edits take effect without a rebuild.
func (c *Controller) Restart(ctx context.Context, botName string, env, cmd []string) error {
	lock := c.lockFor(botName)
	lock.Lock()
	defer lock.Unlock()

	name := runtime.ContainerNameFor(botName)
	status, err := c.engine.InspectByName(ctx, name)
	if err != nil {
		return err
	}
	if status.State == runtime.StateAbsent {
		return fmt.Errorf("%w: no instance for bot %s", fault.ErrNotFound, botName)
	}
	if err := c.retire(ctx, name); err != nil {
		return err
	}

	spec := runtime.ContainerSpec{
		Name:   name,
		Image:  status.Image,
		Env:    env,
		Cmd:    cmd,
		Labels: status.Labels,
	}
	if _, err := c.engine.CreateAndStart(ctx, spec); err != nil {
		return err
	}
	c.logger.Info("instance restarted", "bot", botName, "image", status.Image)
	return nil
}

// Remove tears the instance down entirely. Used when a bot is deleted.
func (c *Controller) Remove(ctx context.Context, botName string) error {
	lock := c.lockFor(botName)
	lock.Lock()
	defer lock.Unlock()
	return c.retire(ctx, runtime.ContainerNameFor(botName))
}

// retire stops and removes whatever currently holds name. The remove is
// retried once before the failure surfaces.
func (c *Controller) retire(ctx context.Context, name string) error {
	if err := c.engine.StopContainer(ctx, name, c.stopGrace); err != nil {
		return err
	}
	if err := c.engine.RemoveContainer(ctx, name); err != nil {
		c.logger.Warn("container remove failed, retrying", "container", name, "error", err)
		if err := c.engine.RemoveContainer(ctx, name); err != nil {
			return err
		}
	}
	return nil
}
