// Package postgres implements the repository interfaces on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mrrifat/multibot/internal/domain"
	"github.com/mrrifat/multibot/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.BotRepository        = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.LogRepository        = (*Repository)(nil)
	_ repository.UserRepository       = (*Repository)(nil)
	_ repository.Store                = (*Repository)(nil)
)

const uniqueViolation = "23505"

func isDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Healthy verifies database connectivity.
func (r *Repository) Healthy(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// CreateBot inserts a bot.
func (r *Repository) CreateBot(ctx context.Context, bot domain.Bot) error {
	const query = `INSERT INTO bots (name, runtime, start_command, repo_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, bot.Name, bot.Runtime, bot.StartCommand, bot.RepoURL, bot.CreatedAt, bot.UpdatedAt)
	if isDuplicate(err) {
		return fmt.Errorf("%w: bot %s", repository.ErrDuplicate, bot.Name)
	}
	return err
}

// GetBot fetches a bot by name.
func (r *Repository) GetBot(ctx context.Context, name string) (domain.Bot, error) {
	const query = `SELECT name, runtime, start_command, repo_url, created_at, updated_at FROM bots WHERE name = $1`
	row := r.pool.QueryRow(ctx, query, name)
	var b domain.Bot
	if err := row.Scan(&b.Name, &b.Runtime, &b.StartCommand, &b.RepoURL, &b.CreatedAt, &b.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Bot{}, repository.ErrNotFound
		}
		return domain.Bot{}, err
	}
	return b, nil
}

// ListBots returns all bots ordered by name.
func (r *Repository) ListBots(ctx context.Context) ([]domain.Bot, error) {
	const query = `SELECT name, runtime, start_command, repo_url, created_at, updated_at FROM bots ORDER BY name`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var bots []domain.Bot
	for rows.Next() {
		var b domain.Bot
		if err := rows.Scan(&b.Name, &b.Runtime, &b.StartCommand, &b.RepoURL, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

// UpdateBot updates a bot's mutable fields.
func (r *Repository) UpdateBot(ctx context.Context, bot domain.Bot) error {
	const query = `UPDATE bots SET runtime = $2, start_command = $3, repo_url = $4, updated_at = $5 WHERE name = $1`
	tag, err := r.pool.Exec(ctx, query, bot.Name, bot.Runtime, bot.StartCommand, bot.RepoURL, bot.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteBot removes a bot and, via cascade, its env vars, deployments
// and log entries.
func (r *Repository) DeleteBot(ctx context.Context, name string) error {
	const query = `DELETE FROM bots WHERE name = $1`
	tag, err := r.pool.Exec(ctx, query, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ReplaceEnvVars swaps the bot's whole environment mapping in one
// transaction.
func (r *Repository) ReplaceEnvVars(ctx context.Context, botName string, vars []domain.BotEnvVar) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM bot_env_vars WHERE bot_name = $1`, botName); err != nil {
		return err
	}
	const insert = `INSERT INTO bot_env_vars (bot_name, key, value, updated_at) VALUES ($1, $2, $3, $4)`
	for _, v := range vars {
		if _, err := tx.Exec(ctx, insert, botName, v.Key, v.Value, v.UpdatedAt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// ListEnvVars returns the bot's environment variables ordered by key.
func (r *Repository) ListEnvVars(ctx context.Context, botName string) ([]domain.BotEnvVar, error) {
	const query = `SELECT bot_name, key, value, updated_at FROM bot_env_vars WHERE bot_name = $1 ORDER BY key`
	rows, err := r.pool.Query(ctx, query, botName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var vars []domain.BotEnvVar
	for rows.Next() {
		var v domain.BotEnvVar
		if err := rows.Scan(&v.BotName, &v.Key, &v.Value, &v.UpdatedAt); err != nil {
			return nil, err
		}
		vars = append(vars, v)
	}
	return vars, rows.Err()
}

// CreateDeployment inserts a deployment and assigns the next monotonic
// ID for the bot. The bot row is locked so concurrent inserts cannot
// hand out the same ID.
func (r *Repository) CreateDeployment(ctx context.Context, dep *domain.Deployment) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var name string
	if err := tx.QueryRow(ctx, `SELECT name FROM bots WHERE name = $1 FOR UPDATE`, dep.BotName).Scan(&name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(id), 0) + 1 FROM deployments WHERE bot_name = $1`, dep.BotName,
	).Scan(&dep.ID); err != nil {
		return err
	}

	const insert = `INSERT INTO deployments (bot_name, id, source_ref, image_tag, status, message, log_excerpt, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	if _, err := tx.Exec(ctx, insert,
		dep.BotName, dep.ID, dep.SourceRef, dep.ImageTag, dep.Status, dep.Message, dep.LogExcerpt, dep.StartedAt, dep.FinishedAt,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpdateDeployment persists status transitions of a deployment.
func (r *Repository) UpdateDeployment(ctx context.Context, dep domain.Deployment) error {
	const query = `UPDATE deployments
		SET source_ref = $3, image_tag = $4, status = $5, message = $6, log_excerpt = $7, finished_at = $8
		WHERE bot_name = $1 AND id = $2`
	tag, err := r.pool.Exec(ctx, query,
		dep.BotName, dep.ID, dep.SourceRef, dep.ImageTag, dep.Status, dep.Message, dep.LogExcerpt, dep.FinishedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetDeployment fetches one deployment of a bot.
func (r *Repository) GetDeployment(ctx context.Context, botName string, id int64) (domain.Deployment, error) {
	const query = `SELECT bot_name, id, source_ref, image_tag, status, message, log_excerpt, started_at, finished_at
		FROM deployments WHERE bot_name = $1 AND id = $2`
	return r.scanDeployment(r.pool.QueryRow(ctx, query, botName, id))
}

// ListDeployments returns the bot's deployments, newest first.
func (r *Repository) ListDeployments(ctx context.Context, botName string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT bot_name, id, source_ref, image_tag, status, message, log_excerpt, started_at, finished_at
		FROM deployments WHERE bot_name = $1 ORDER BY id DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, botName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deployments []domain.Deployment
	for rows.Next() {
		var d domain.Deployment
		if err := rows.Scan(&d.BotName, &d.ID, &d.SourceRef, &d.ImageTag, &d.Status, &d.Message, &d.LogExcerpt, &d.StartedAt, &d.FinishedAt); err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

// LatestSucceededDeployment returns the bot's newest succeeded
// deployment.
func (r *Repository) LatestSucceededDeployment(ctx context.Context, botName string) (domain.Deployment, error) {
	const query = `SELECT bot_name, id, source_ref, image_tag, status, message, log_excerpt, started_at, finished_at
		FROM deployments WHERE bot_name = $1 AND status = $2 ORDER BY id DESC LIMIT 1`
	return r.scanDeployment(r.pool.QueryRow(ctx, query, botName, domain.DeployStatusSucceeded))
}

func (r *Repository) scanDeployment(row pgx.Row) (domain.Deployment, error) {
	var d domain.Deployment
	if err := row.Scan(&d.BotName, &d.ID, &d.SourceRef, &d.ImageTag, &d.Status, &d.Message, &d.LogExcerpt, &d.StartedAt, &d.FinishedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Deployment{}, repository.ErrNotFound
		}
		return domain.Deployment{}, err
	}
	return d, nil
}

// AppendLog inserts a timeline entry.
func (r *Repository) AppendLog(ctx context.Context, entry domain.BotLog) error {
	const query = `INSERT INTO bot_logs (id, bot_name, deployment_id, level, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, entry.ID, entry.BotName, entry.DeploymentID, entry.Level, entry.Message, entry.CreatedAt)
	return err
}

// ListLogs returns the bot's newest timeline entries, oldest first.
func (r *Repository) ListLogs(ctx context.Context, botName string, limit int) ([]domain.BotLog, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT id, bot_name, deployment_id, level, message, created_at FROM (
			SELECT id, bot_name, deployment_id, level, message, created_at
			FROM bot_logs WHERE bot_name = $1 ORDER BY created_at DESC LIMIT $2
		) recent ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query, botName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []domain.BotLog
	for rows.Next() {
		var e domain.BotLog
		if err := rows.Scan(&e.ID, &e.BotName, &e.DeploymentID, &e.Level, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CreateUser inserts a user.
func (r *Repository) CreateUser(ctx context.Context, user domain.User) error {
	const query = `INSERT INTO users (id, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, user.ID, user.Email, user.PasswordHash, user.CreatedAt)
	if isDuplicate(err) {
		return fmt.Errorf("%w: user %s", repository.ErrDuplicate, user.Email)
	}
	return err
}

// GetUserByEmail fetches a user by email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	const query = `SELECT id, email, password_hash, created_at FROM users WHERE email = $1`
	row := r.pool.QueryRow(ctx, query, email)
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, repository.ErrNotFound
		}
		return domain.User{}, err
	}
	return u, nil
}
