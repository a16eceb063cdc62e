// Package repository defines persistence interfaces for the platform.
package repository

import (
	"context"

	"github.com/mrrifat/multibot/internal/domain"
)

// BotRepository persists bots and their environment variables.
type BotRepository interface {
	CreateBot(ctx context.Context, bot domain.Bot) error
	GetBot(ctx context.Context, name string) (domain.Bot, error)
	ListBots(ctx context.Context) ([]domain.Bot, error)
	UpdateBot(ctx context.Context, bot domain.Bot) error
	DeleteBot(ctx context.Context, name string) error
	ReplaceEnvVars(ctx context.Context, botName string, vars []domain.BotEnvVar) error
	ListEnvVars(ctx context.Context, botName string) ([]domain.BotEnvVar, error)
}

// DeploymentRepository persists deployment records. CreateDeployment
// assigns the per-bot monotonic ID.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, dep *domain.Deployment) error
	UpdateDeployment(ctx context.Context, dep domain.Deployment) error
	GetDeployment(ctx context.Context, botName string, id int64) (domain.Deployment, error)
	ListDeployments(ctx context.Context, botName string, limit int) ([]domain.Deployment, error)
	LatestSucceededDeployment(ctx context.Context, botName string) (domain.Deployment, error)
}

// LogRepository persists the per-bot event timeline.
type LogRepository interface {
	AppendLog(ctx context.Context, entry domain.BotLog) error
	ListLogs(ctx context.Context, botName string, limit int) ([]domain.BotLog, error)
}

// UserRepository persists dashboard accounts.
type UserRepository interface {
	CreateUser(ctx context.Context, user domain.User) error
	GetUserByEmail(ctx context.Context, email string) (domain.User, error)
}

// Store aggregates all repositories backed by one database.
type Store interface {
	BotRepository
	DeploymentRepository
	LogRepository
	UserRepository
	Healthy(ctx context.Context) error
}
