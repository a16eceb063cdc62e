// Package bot implements the command surface for bot management.
package bot

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
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
	"github.com/mrrifat/multibot/pkg/crypto"
)

const maxNameLength = 63

var nameExpr = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

var envKeyExpr = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// EventSink receives timeline entries for lifecycle actions.
type EventSink interface {
	Append(ctx context.Context, entry domain.BotLog) error
}

// Service coordinates bot registration, configuration and lifecycle.
type Service struct {
	bots        repository.BotRepository
	deployments repository.DeploymentRepository
	controller  *container.Controller
	workspaces  *source.Workspaces
	engine      runtime.Engine
	events      EventSink
	logger      *slog.Logger
	cryptoKey   string
	now         func() time.Time
}

// New constructs a bot service.
func New(
	bots repository.BotRepository,
	deployments repository.DeploymentRepository,
	controller *container.Controller,
	workspaces *source.Workspaces,
	engine runtime.Engine,
	events EventSink,
	logger *slog.Logger,
	cryptoKey string,
) *Service {
	return &Service{
		bots:        bots,
		deployments: deployments,
		controller:  controller,
		workspaces:  workspaces,
		engine:      engine,
		events:      events,
		logger:      logger,
		cryptoKey:   cryptoKey,
		now:         time.Now,
	}
}

// RegisterInput captures attributes of a new bot.
type RegisterInput struct {
	Name         string
	Runtime      string
	StartCommand string
	RepoURL      string
	Env          map[string]string
}

// Register validates and persists a new bot. Nothing is deployed yet.
func (s *Service) Register(ctx context.Context, in RegisterInput) (domain.Bot, error) {
	name := strings.TrimSpace(in.Name)
	if err := ValidateName(name); err != nil {
		return domain.Bot{}, err
	}
	command := strings.TrimSpace(in.StartCommand)
	if command == "" {
		return domain.Bot{}, fmt.Errorf("%w: start command required", fault.ErrValidation)
	}
	if _, err := image.ParseCommand(command); err != nil {
		return domain.Bot{}, err
	}
	rt := domain.Runtime(strings.TrimSpace(in.Runtime))
	if rt == "" {
		rt = domain.RuntimePython
	}
	if rt != domain.RuntimePython {
		return domain.Bot{}, fmt.Errorf("%w: unsupported runtime %q", fault.ErrValidation, rt)
	}

	now := s.now().UTC()
	bot := domain.Bot{
		Name:         name,
		Runtime:      rt,
		StartCommand: command,
		RepoURL:      strings.TrimSpace(in.RepoURL),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.bots.CreateBot(ctx, bot); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return domain.Bot{}, fmt.Errorf("%w: bot %q already exists", fault.ErrValidation, name)
		}
		return domain.Bot{}, err
	}
	if len(in.Env) > 0 {
		if err := s.SetEnvVars(ctx, name, in.Env); err != nil {
			return domain.Bot{}, err
		}
	}
	s.logger.Info("bot registered", "bot", name, "runtime", rt)
	return bot, nil
}

// Get fetches one bot.
func (s *Service) Get(ctx context.Context, name string) (domain.Bot, error) {
	return s.bots.GetBot(ctx, name)
}

// List returns all bots.
func (s *Service) List(ctx context.Context) ([]domain.Bot, error) {
	return s.bots.ListBots(ctx)
}

// SetEnvVars replaces the bot's whole environment mapping. Values are
// encrypted at rest; a restart or redeploy picks them up.
func (s *Service) SetEnvVars(ctx context.Context, name string, vars map[string]string) error {
	if _, err := s.bots.GetBot(ctx, name); err != nil {
		return err
	}
	now := s.now().UTC()
	encrypted := make([]domain.BotEnvVar, 0, len(vars))
	for key, value := range vars {
		if !envKeyExpr.MatchString(key) {
			return fmt.Errorf("%w: invalid environment variable name %q", fault.ErrValidation, key)
		}
		sealed, err := crypto.EncryptString(s.cryptoKey, value)
		if err != nil {
			return fmt.Errorf("encrypt env var %s: %w", key, err)
		}
		encrypted = append(encrypted, domain.BotEnvVar{
			BotName:   name,
			Key:       key,
			Value:     sealed,
			UpdatedAt: now,
		})
	}
	sort.Slice(encrypted, func(i, j int) bool { return encrypted[i].Key < encrypted[j].Key })
	if err := s.bots.ReplaceEnvVars(ctx, name, encrypted); err != nil {
		return err
	}
	s.logger.Info("env vars replaced", "bot", name, "count", len(encrypted))
	return nil
}

// EnvKeys lists the bot's environment variable names without values.
func (s *Service) EnvKeys(ctx context.Context, name string) ([]string, error) {
	vars, err := s.bots.ListEnvVars(ctx, name)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(vars))
	for _, v := range vars {
		keys = append(keys, v.Key)
	}
	return keys, nil
}

// DecryptedEnv returns KEY=VALUE pairs for container injection.
func (s *Service) DecryptedEnv(ctx context.Context, name string) ([]string, error) {
	vars, err := s.bots.ListEnvVars(ctx, name)
	if err != nil {
		return nil, err
	}
	env := make([]string, 0, len(vars))
	for _, v := range vars {
		plain, err := crypto.DecryptToString(s.cryptoKey, v.Value)
		if err != nil {
			return nil, fmt.Errorf("decrypt env var %s: %w", v.Key, err)
		}
		env = append(env, v.Key+"="+plain)
	}
	return env, nil
}

// Status reports a bot's derived state and deployment summary.
type Status struct {
	Bot            domain.Bot
	State          runtime.State
	ActiveImageTag string
	LastDeployment *domain.Deployment
}

// Status derives the bot's current state from the engine and the
// deployment history.
func (s *Service) Status(ctx context.Context, name string) (Status, error) {
	bot, err := s.bots.GetBot(ctx, name)
	if err != nil {
		return Status{}, err
	}
	instance, err := s.controller.Status(ctx, name)
	if err != nil {
		return Status{}, err
	}
	st := Status{Bot: bot, State: instance.State, ActiveImageTag: instance.Image}
	if deployments, err := s.deployments.ListDeployments(ctx, name, 1); err == nil && len(deployments) > 0 {
		st.LastDeployment = &deployments[0]
	}
	return st, nil
}

// Start brings a stopped bot back up. When no container exists the bot
// is recreated from its last succeeded deployment's image.
func (s *Service) Start(ctx context.Context, name string) error {
	bot, err := s.bots.GetBot(ctx, name)
	if err != nil {
		return err
	}
	err = s.controller.Start(ctx, name)
	if err == nil {
		s.event(ctx, name, 0, "bot started")
		return nil
	}
	if !errors.Is(err, fault.ErrNotFound) {
		return err
	}

	env, err := s.DecryptedEnv(ctx, name)
	if err != nil {
		return err
	}
	cmd, err := image.ParseCommand(bot.StartCommand)
	if err != nil {
		return err
	}
	return s.recreate(ctx, name, env, cmd)
}

// recreate brings a bot with no container back up from the image of its
// last succeeded deployment.
func (s *Service) recreate(ctx context.Context, name string, env, cmd []string) error {
	dep, err := s.deployments.LatestSucceededDeployment(ctx, name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: bot %s has never been deployed", fault.ErrNotFound, name)
		}
		return err
	}
	if err := s.controller.EnsureRunning(ctx, name, dep.ImageTag, dep.ID, env, cmd); err != nil {
		return err
	}
	s.event(ctx, name, dep.ID, "bot recreated from image "+dep.ImageTag)
	return nil
}

// Stop stops the bot's instance. Stopping an already stopped or absent
// bot is a no-op.
func (s *Service) Stop(ctx context.Context, name string) error {
	if _, err := s.bots.GetBot(ctx, name); err != nil {
		return err
	}
	if err := s.controller.Stop(ctx, name); err != nil {
		return err
	}
	s.event(ctx, name, 0, "bot stopped")
	return nil
}

// Restart recreates the instance from its current image so env edits
// take effect without a rebuild. A bot with no container falls back to
// the last succeeded deployment's image, like Start.
func (s *Service) Restart(ctx context.Context, name string) error {
	bot, err := s.bots.GetBot(ctx, name)
	if err != nil {
		return err
	}
	env, err := s.DecryptedEnv(ctx, name)
	if err != nil {
		return err
	}
	cmd, err := image.ParseCommand(bot.StartCommand)
	if err != nil {
		return err
	}
	err = s.controller.Restart(ctx, name, env, cmd)
	if err == nil {
		s.event(ctx, name, 0, "bot restarted")
		return nil
	}
	if !errors.Is(err, fault.ErrNotFound) {
		return err
	}
	return s.recreate(ctx, name, env, cmd)
}

// Delete tears down the bot's instance, image and workspace, then
// removes the record.
func (s *Service) Delete(ctx context.Context, name string) error {
	if _, err := s.bots.GetBot(ctx, name); err != nil {
		return err
	}
	if err := s.controller.Remove(ctx, name); err != nil {
		return err
	}
	// Image and workspace cleanup is best effort; the record removal is
	// what must not fail silently.
	if dep, err := s.deployments.LatestSucceededDeployment(ctx, name); err == nil {
		if err := s.engine.RemoveImage(ctx, dep.ImageTag); err != nil {
			s.logger.Warn("image cleanup failed", "bot", name, "image", dep.ImageTag, "error", err)
		}
	}
	if err := s.workspaces.CleanupBot(name); err != nil {
		s.logger.Warn("workspace cleanup failed", "bot", name, "error", err)
	}
	if err := s.bots.DeleteBot(ctx, name); err != nil {
		return err
	}
	s.logger.Info("bot deleted", "bot", name)
	return nil
}

func (s *Service) event(ctx context.Context, botName string, deploymentID int64, message string) {
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
	if err := s.events.Append(ctx, entry); err != nil {
		s.logger.Warn("timeline append failed", "bot", botName, "error", err)
	}
}

// ValidateName rejects names that cannot serve as container and image
// names.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: bot name required", fault.ErrValidation)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: bot name exceeds %d characters", fault.ErrValidation, maxNameLength)
	}
	if !nameExpr.MatchString(name) {
		return fmt.Errorf("%w: bot name %q must be lowercase alphanumeric with inner hyphens", fault.ErrValidation, name)
	}
	return nil
}
