package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mrrifat/multibot/internal/domain"
	"github.com/mrrifat/multibot/internal/repository"
)

type fakeUsers struct {
	mu    sync.Mutex
	users map[string]domain.User
}

func (f *fakeUsers) CreateUser(_ context.Context, user domain.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[user.Email]; ok {
		return repository.ErrDuplicate
	}
	f.users[user.Email] = user
	return nil
}

func (f *fakeUsers) GetUserByEmail(_ context.Context, email string) (domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[email]
	if !ok {
		return domain.User{}, repository.ErrNotFound
	}
	return user, nil
}

func newService(t *testing.T) (Service, *fakeUsers) {
	t.Helper()
	users := &fakeUsers{users: map[string]domain.User{}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(users, logger, "unit-secret", time.Hour), users
}

func TestEnsureAdminSeedsOnce(t *testing.T) {
	svc, users := newService(t)
	ctx := context.Background()

	if err := svc.EnsureAdmin(ctx, "Admin@Example.com", "hunter2"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	first := users.users["admin@example.com"]
	if err := svc.EnsureAdmin(ctx, "admin@example.com", "different"); err != nil {
		t.Fatalf("second seed: %v", err)
	}
	if users.users["admin@example.com"].ID != first.ID {
		t.Fatalf("admin reseeded over existing account")
	}
}

func TestLoginRoundTrip(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	if err := svc.EnsureAdmin(ctx, "admin@example.com", "hunter2"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	token, err := svc.Login(ctx, "admin@example.com", "hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	claims, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Email != "admin@example.com" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	if err := svc.EnsureAdmin(ctx, "admin@example.com", "hunter2"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := svc.Login(ctx, "admin@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := svc.Login(ctx, "ghost@example.com", "hunter2"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown user, got %v", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	svc, _ := newService(t)
	if _, err := svc.Verify("not-a-token"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
}
