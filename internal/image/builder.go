// Package image turns a prepared workspace into a runnable bot image.
package image

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mrrifat/multibot/internal/domain"
	"github.com/mrrifat/multibot/internal/runtime"
)

const excerptLines = 40

// BuildError carries the tail of the build output alongside the cause.
type BuildError struct {
	Tail []string
	Err  error
}

func (e *BuildError) Error() string { return e.Err.Error() }

func (e *BuildError) Unwrap() error { return e.Err }

// Excerpt renders the captured output tail for deployment records.
func (e *BuildError) Excerpt() string { return strings.Join(e.Tail, "\n") }

// Builder builds deployment images through the container engine.
type Builder struct {
	engine runtime.Engine
	logger *slog.Logger
}

// NewBuilder constructs a Builder.
func NewBuilder(engine runtime.Engine, logger *slog.Logger) *Builder {
	return &Builder{engine: engine, logger: logger}
}

// Build produces the image for a bot's deployment from dir and returns
// the image tag. Build output lines stream through emit; on failure the
// returned error is a *BuildError holding the output tail.
func (b *Builder) Build(ctx context.Context, bot domain.Bot, deploymentID int64, dir string, emit func(string)) (string, error) {
	if err := EnsureBuildContext(dir); err != nil {
		return "", err
	}
	if err := EnsureDockerfile(dir, bot.Runtime); err != nil {
		return "", err
	}

	tag := runtime.ImageTagFor(bot.Name, deploymentID)
	tail := newBuildTail(emit)
	err := b.engine.BuildImage(ctx, dir, tag, tail)
	tail.Flush()
	if err != nil {
		b.logger.Error("image build failed", "bot", bot.Name, "deployment_id", deploymentID, "error", err)
		return "", &BuildError{Tail: tail.Snapshot(excerptLines), Err: fmt.Errorf("build %s: %w", tag, err)}
	}
	b.logger.Info("image built", "bot", bot.Name, "image", tag)
	return tag, nil
}
