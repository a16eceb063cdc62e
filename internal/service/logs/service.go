// Package logs serves container output and the persisted bot timeline.
package logs

import (
	"context"
	"encoding/json"
	"time"

	"log/slog"

	"github.com/mrrifat/multibot/internal/domain"
	"github.com/mrrifat/multibot/internal/repository"
	"github.com/mrrifat/multibot/internal/runtime"
	"github.com/mrrifat/multibot/internal/ws"
)

// Service handles log retrieval, persistence and streaming.
type Service struct {
	repo        repository.LogRepository
	engine      runtime.Engine
	hub         *ws.Hub
	logger      *slog.Logger
	tailDefault int
}

// New constructs a log service.
func New(repo repository.LogRepository, engine runtime.Engine, hub *ws.Hub, logger *slog.Logger, tailDefault int) Service {
	if tailDefault <= 0 {
		tailDefault = 200
	}
	return Service{repo: repo, engine: engine, hub: hub, logger: logger, tailDefault: tailDefault}
}

// Tail returns up to maxLines of the bot's most recent container
// output, oldest first. Stopped instances still serve their retained
// output; absent instances yield fault.ErrNotFound from the engine.
func (s Service) Tail(ctx context.Context, botName string, maxLines int) ([]runtime.LogLine, error) {
	if maxLines <= 0 {
		maxLines = s.tailDefault
	}
	return s.engine.TailLogs(ctx, runtime.ContainerNameFor(botName), maxLines)
}

// Follow streams the bot's container output until the instance stops
// or ctx is cancelled.
func (s Service) Follow(ctx context.Context, botName string) (<-chan runtime.LogLine, error) {
	return s.engine.FollowLogs(ctx, runtime.ContainerNameFor(botName))
}

// Append stores a timeline entry and broadcasts it to subscribers.
func (s Service) Append(ctx context.Context, entry domain.BotLog) error {
	entry.CreatedAt = entry.CreatedAt.UTC()
	if err := s.repo.AppendLog(ctx, entry); err != nil {
		return err
	}
	s.broadcast(entry)
	return nil
}

// Events returns the bot's newest timeline entries, oldest first.
func (s Service) Events(ctx context.Context, botName string, limit int) ([]domain.BotLog, error) {
	return s.repo.ListLogs(ctx, botName, limit)
}

func (s Service) broadcast(entry domain.BotLog) {
	data, err := MarshalEntry(entry)
	if err != nil {
		s.logger.Warn("failed to marshal log payload", "error", err)
		return
	}
	s.hub.Broadcast(entry.BotName, data)
}

// Hub returns the websocket hub (useful for HTTP handlers).
func (s Service) Hub() *ws.Hub {
	return s.hub
}

// MarshalEntry formats a timeline entry for streaming payloads.
func MarshalEntry(entry domain.BotLog) ([]byte, error) {
	payload := map[string]any{
		"id":            entry.ID,
		"bot":           entry.BotName,
		"deployment_id": entry.DeploymentID,
		"level":         entry.Level,
		"message":       entry.Message,
		"created_at":    entry.CreatedAt.Format(time.RFC3339Nano),
	}
	return json.Marshal(payload)
}
