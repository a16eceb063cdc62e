// Package deploy orchestrates the fetch, build and swap pipeline.
package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/mrrifat/multibot/internal/container"
	"github.com/mrrifat/multibot/internal/domain"
	"github.com/mrrifat/multibot/internal/fault"
	"github.com/mrrifat/multibot/internal/image"
	"github.com/mrrifat/multibot/internal/repository"
	"github.com/mrrifat/multibot/internal/runtime"
	"github.com/mrrifat/multibot/internal/source"
)

const swapTimeout = 2 * time.Minute

// EnvProvider supplies decrypted environment pairs for injection.
type EnvProvider interface {
	DecryptedEnv(ctx context.Context, botName string) ([]string, error)
}

// EventSink receives persisted timeline entries.
type EventSink interface {
	Append(ctx context.Context, entry domain.BotLog) error
}

// Broadcaster streams transient payloads, e.g. live build output.
type Broadcaster interface {
	Broadcast(botName string, payload []byte)
}

// Fetcher acquires repository sources. Swappable in tests.
type Fetcher func(ctx context.Context, repoURL, dir, ref string) (string, error)

// Service runs deployments. One deployment per bot at a time; a second
// trigger fails fast with fault.ErrConflict.
type Service struct {
	bots        repository.BotRepository
	deployments repository.DeploymentRepository
	workspaces  *source.Workspaces
	builder     *image.Builder
	controller  *container.Controller
	engine      runtime.Engine
	envs        EnvProvider
	events      EventSink
	broadcast   Broadcaster
	logger      *slog.Logger

	deployTimeout   time.Duration
	gitTimeout      time.Duration
	archiveMaxBytes int64

	mu     sync.Mutex
	active map[string]*session

	fetch Fetcher
	now   func() time.Time
	// wg tracks running pipelines so shutdown can wait for them.
	wg sync.WaitGroup
}

type session struct {
	deploymentID int64
	cancel       context.CancelFunc
}

// Config bundles the orchestrator's tunables.
type Config struct {
	DeployTimeout   time.Duration
	GitTimeout      time.Duration
	ArchiveMaxBytes int64
}

// New constructs the deployment orchestrator.
func New(
	bots repository.BotRepository,
	deployments repository.DeploymentRepository,
	workspaces *source.Workspaces,
	builder *image.Builder,
	controller *container.Controller,
	engine runtime.Engine,
	envs EnvProvider,
	events EventSink,
	broadcast Broadcaster,
	logger *slog.Logger,
	cfg Config,
) *Service {
	if cfg.DeployTimeout <= 0 {
		cfg.DeployTimeout = 10 * time.Minute
	}
	if cfg.GitTimeout <= 0 {
		cfg.GitTimeout = time.Minute
	}
	if cfg.ArchiveMaxBytes <= 0 {
		cfg.ArchiveMaxBytes = 100 << 20
	}
	return &Service{
		bots:            bots,
		deployments:     deployments,
		workspaces:      workspaces,
		builder:         builder,
		controller:      controller,
		engine:          engine,
		envs:            envs,
		events:          events,
		broadcast:       broadcast,
		logger:          logger,
		deployTimeout:   cfg.DeployTimeout,
		gitTimeout:      cfg.GitTimeout,
		archiveMaxBytes: cfg.ArchiveMaxBytes,
		active:          map[string]*session{},
		fetch:           source.CheckoutRepo,
		now:             time.Now,
	}
}

// pipelineSource describes where a deployment's code comes from.
type pipelineSource struct {
	ref       string
	spoolPath string
}

// Deploy triggers a repository deployment of ref (empty means the
// remote default branch). It returns the pending deployment record;
// the pipeline runs in the background.
func (s *Service) Deploy(ctx context.Context, botName, ref string) (domain.Deployment, error) {
	bot, err := s.bots.GetBot(ctx, botName)
	if err != nil {
		return domain.Deployment{}, err
	}
	if strings.TrimSpace(bot.RepoURL) == "" {
		return domain.Deployment{}, fmt.Errorf("%w: bot %s has no repository configured", fault.ErrValidation, botName)
	}
	return s.begin(ctx, bot, pipelineSource{ref: strings.TrimSpace(ref)}, "")
}

// DeployFromArchive triggers a deployment from an uploaded zip stream.
// The stream is spooled and size-checked before any deployment record
// or lock exists, so an oversized upload has no side effects.
func (s *Service) DeployFromArchive(ctx context.Context, botName string, archive io.Reader) (domain.Deployment, error) {
	bot, err := s.bots.GetBot(ctx, botName)
	if err != nil {
		return domain.Deployment{}, err
	}
	spoolPath, sha, err := s.workspaces.SpoolArchive(archive, s.archiveMaxBytes)
	if err != nil {
		return domain.Deployment{}, err
	}
	dep, err := s.begin(ctx, bot, pipelineSource{spoolPath: spoolPath}, sha)
	if err != nil {
		source.DiscardSpool(spoolPath)
		return domain.Deployment{}, err
	}
	return dep, nil
}

// begin acquires the bot's deploy lock, creates the pending record and
// launches the pipeline.
func (s *Service) begin(ctx context.Context, bot domain.Bot, src pipelineSource, sourceRef string) (domain.Deployment, error) {
	runCtx, cancel := context.WithTimeout(context.Background(), s.deployTimeout)
	if !s.tryAcquire(bot.Name, cancel) {
		cancel()
		return domain.Deployment{}, fmt.Errorf("%w: bot %s", fault.ErrConflict, bot.Name)
	}

	dep := domain.Deployment{
		BotName:   bot.Name,
		SourceRef: sourceRef,
		Status:    domain.DeployStatusPending,
		StartedAt: s.now().UTC(),
	}
	if err := s.deployments.CreateDeployment(ctx, &dep); err != nil {
		cancel()
		s.release(bot.Name)
		return domain.Deployment{}, err
	}

	s.mu.Lock()
	if sess := s.active[bot.Name]; sess != nil {
		sess.deploymentID = dep.ID
	}
	s.mu.Unlock()

	s.event(bot.Name, dep.ID, "deployment queued")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer s.release(bot.Name)
		defer source.DiscardSpool(src.spoolPath)
		s.execute(runCtx, bot, dep, src)
	}()
	return dep, nil
}

// Cancel requests cooperative cancellation of the bot's running
// deployment. Fetch and build abort; a swap that has begun completes.
func (s *Service) Cancel(botName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.active[botName]
	if !ok {
		return fmt.Errorf("%w: no active deployment for bot %s", fault.ErrNotFound, botName)
	}
	sess.cancel()
	return nil
}

// Active reports the deployment ID currently holding the bot's lock.
func (s *Service) Active(botName string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.active[botName]
	if !ok {
		return 0, false
	}
	return sess.deploymentID, true
}

// Wait blocks until all running pipelines finish. Used on shutdown.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) execute(ctx context.Context, bot domain.Bot, dep domain.Deployment, src pipelineSource) {
	dir, err := s.stageFetch(ctx, bot, &dep, src)
	if err != nil {
		s.fail(dep, err)
		return
	}

	tag, err := s.stageBuild(ctx, bot, &dep, dir)
	if err != nil {
		s.fail(dep, err)
		return
	}

	if err := s.stageSwap(ctx, bot, &dep, tag); err != nil {
		s.fail(dep, err)
		return
	}

	dep.Status = domain.DeployStatusSucceeded
	finished := s.now().UTC()
	dep.FinishedAt = &finished
	if err := s.deployments.UpdateDeployment(context.Background(), dep); err != nil {
		s.logger.Error("deployment finalize failed", "bot", bot.Name, "deployment_id", dep.ID, "error", err)
	}
	s.event(bot.Name, dep.ID, "deployment succeeded")
	s.logger.Info("deployment succeeded", "bot", bot.Name, "deployment_id", dep.ID, "image", tag)
}

func (s *Service) stageFetch(ctx context.Context, bot domain.Bot, dep *domain.Deployment, src pipelineSource) (string, error) {
	s.transition(bot.Name, dep, domain.DeployStatusFetching)

	if src.spoolPath != "" {
		dir, err := s.workspaces.ExtractArchive(bot.Name, src.spoolPath, s.archiveMaxBytes)
		if err != nil {
			return "", err
		}
		return dir, nil
	}

	// The workspace survives between deployments so an existing checkout
	// is updated with a fetch rather than re-cloned.
	dir, err := s.workspaces.Ensure(bot.Name)
	if err != nil {
		return "", err
	}
	fetchCtx, cancel := context.WithTimeout(ctx, s.gitTimeout)
	defer cancel()
	sha, err := s.fetch(fetchCtx, bot.RepoURL, dir, src.ref)
	if err != nil {
		return "", err
	}
	dep.SourceRef = sha
	return dir, nil
}

func (s *Service) stageBuild(ctx context.Context, bot domain.Bot, dep *domain.Deployment, dir string) (string, error) {
	s.transition(bot.Name, dep, domain.DeployStatusBuilding)

	tag, err := s.builder.Build(ctx, bot, dep.ID, dir, func(line string) {
		s.stream(bot.Name, dep.ID, line)
	})
	if err != nil {
		return "", err
	}
	dep.ImageTag = tag
	return tag, nil
}

// stageSwap retires the previous instance and starts the new image.
// Once this stage begins, cancellation no longer applies: the swap runs
// to completion so the bot is never left without an instance.
func (s *Service) stageSwap(ctx context.Context, bot domain.Bot, dep *domain.Deployment, tag string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("deployment cancelled before swap: %w", err)
	}
	s.transition(bot.Name, dep, domain.DeployStatusSwapping)

	swapCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), swapTimeout)
	defer cancel()

	env, err := s.envs.DecryptedEnv(swapCtx, bot.Name)
	if err != nil {
		return err
	}
	cmd, err := image.ParseCommand(bot.StartCommand)
	if err != nil {
		return err
	}

	previous, err := s.controller.Status(swapCtx, bot.Name)
	if err != nil {
		return err
	}
	if err := s.controller.EnsureRunning(swapCtx, bot.Name, tag, dep.ID, env, cmd); err != nil {
		return err
	}
	// The replaced image is unreferenced now; removal is best effort.
	if previous.Image != "" && previous.Image != tag {
		if err := s.engine.RemoveImage(swapCtx, previous.Image); err != nil {
			s.logger.Warn("previous image cleanup failed", "bot", bot.Name, "image", previous.Image, "error", err)
		}
	}
	return nil
}

// transition persists and announces a stage change.
func (s *Service) transition(botName string, dep *domain.Deployment, status string) {
	dep.Status = status
	if err := s.deployments.UpdateDeployment(context.Background(), *dep); err != nil {
		s.logger.Error("deployment status update failed", "bot", botName, "deployment_id", dep.ID, "status", status, "error", err)
	}
	s.event(botName, dep.ID, "deployment "+status)
}

// fail finalizes a deployment record. The previous instance, if any,
// keeps running untouched.
func (s *Service) fail(dep domain.Deployment, cause error) {
	dep.Status = domain.DeployStatusFailed
	dep.Message = cause.Error()
	var buildErr *image.BuildError
	if errors.As(cause, &buildErr) {
		dep.LogExcerpt = buildErr.Excerpt()
	}
	finished := s.now().UTC()
	dep.FinishedAt = &finished
	if err := s.deployments.UpdateDeployment(context.Background(), dep); err != nil {
		s.logger.Error("deployment finalize failed", "bot", dep.BotName, "deployment_id", dep.ID, "error", err)
	}
	s.event(dep.BotName, dep.ID, "deployment failed: "+cause.Error())
	s.logger.Error("deployment failed", "bot", dep.BotName, "deployment_id", dep.ID, "error", cause)
}

// tryAcquire reserves the bot's deploy slot with a live cancel func, so
// a Cancel racing the record creation still aborts the pipeline.
func (s *Service) tryAcquire(botName string, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.active[botName]; held {
		return false
	}
	s.active[botName] = &session{cancel: cancel}
	return true
}

func (s *Service) release(botName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, botName)
}

func (s *Service) event(botName string, deploymentID int64, message string) {
	if s.events == nil {
		return
	}
	entry := domain.BotLog{
		ID:           uuid.NewString(),
		BotName:      botName,
		DeploymentID: deploymentID,
		Level:        "info",
		Message:      message,
		CreatedAt:    s.now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.events.Append(ctx, entry); err != nil {
		s.logger.Warn("timeline append failed", "bot", botName, "error", err)
	}
}

// stream pushes a live build output line to stream subscribers without
// persisting it.
func (s *Service) stream(botName string, deploymentID int64, line string) {
	if s.broadcast == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"bot":           botName,
		"deployment_id": deploymentID,
		"source":        "build",
		"message":       line,
	})
	if err != nil {
		return
	}
	s.broadcast.Broadcast(botName, payload)
}
