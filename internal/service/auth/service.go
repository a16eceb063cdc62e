// Package auth manages operator accounts and session tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/mrrifat/multibot/internal/domain"
	"github.com/mrrifat/multibot/internal/fault"
	"github.com/mrrifat/multibot/internal/repository"
	"github.com/mrrifat/multibot/pkg/crypto"
	"github.com/mrrifat/multibot/pkg/jwt"
)

// ErrInvalidCredentials is returned for unknown accounts and wrong
// passwords alike.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Service verifies operators and issues session tokens.
type Service struct {
	users    repository.UserRepository
	logger   *slog.Logger
	secret   string
	tokenTTL time.Duration
	now      func() time.Time
}

// New constructs an auth service.
func New(users repository.UserRepository, logger *slog.Logger, secret string, tokenTTL time.Duration) Service {
	return Service{users: users, logger: logger, secret: secret, tokenTTL: tokenTTL, now: time.Now}
}

// EnsureAdmin seeds the default operator account when it is missing.
func (s Service) EnsureAdmin(ctx context.Context, email, password string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return fmt.Errorf("%w: admin email and password required", fault.ErrValidation)
	}
	if _, err := s.users.GetUserByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	hash, err := crypto.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	user := domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil
		}
		return err
	}
	s.logger.Info("admin account seeded", "email", email)
	return nil
}

// Login verifies credentials and returns a signed session token.
func (s Service) Login(ctx context.Context, email, password string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}
	if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
		return "", ErrInvalidCredentials
	}
	token, err := jwt.GenerateToken(user.ID, user.Email, s.secret, s.tokenTTL)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return token, nil
}

// Verify parses and validates a session token.
func (s Service) Verify(token string) (*jwt.Claims, error) {
	claims, err := jwt.Parse(token, s.secret)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	return claims, nil
}
