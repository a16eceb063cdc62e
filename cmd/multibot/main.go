package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mrrifat/multibot/internal/app/migrate"
	"github.com/mrrifat/multibot/internal/container"
	httpx "github.com/mrrifat/multibot/internal/http"
	"github.com/mrrifat/multibot/internal/image"
	"github.com/mrrifat/multibot/internal/repository/postgres"
	"github.com/mrrifat/multibot/internal/runtime/docker"
	"github.com/mrrifat/multibot/internal/service/auth"
	"github.com/mrrifat/multibot/internal/service/bot"
	"github.com/mrrifat/multibot/internal/service/deploy"
	"github.com/mrrifat/multibot/internal/service/logs"
	"github.com/mrrifat/multibot/internal/source"
	"github.com/mrrifat/multibot/internal/ws"
	"github.com/mrrifat/multibot/pkg/config"
	"github.com/mrrifat/multibot/pkg/logger"
)

func main() {
	cfg := config.LoadServerConfig()
	log := logger.New("multibot", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	engine, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to connect to docker", "error", err)
		os.Exit(1)
	}
	defer engine.Close()
	if err := engine.Ping(ctx); err != nil {
		log.Error("docker ping failed", "error", err)
		os.Exit(1)
	}

	workspaces, err := source.NewWorkspaces(cfg.Workdir)
	if err != nil {
		log.Error("failed to prepare workspace root", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	hub := ws.NewHub()

	logSvc := logs.New(repo, engine, hub, log, cfg.LogTailDefault)
	controller := container.NewController(engine, log, cfg.StopGrace)
	botSvc := bot.New(repo, repo, controller, workspaces, engine, logSvc, log, cfg.EnvEncryptionKey)
	builder := image.NewBuilder(engine, log)
	deploySvc := deploy.New(repo, repo, workspaces, builder, controller, engine, botSvc, logSvc, hub, log, deploy.Config{
		DeployTimeout:   cfg.DeployTimeout,
		GitTimeout:      cfg.GitTimeout,
		ArchiveMaxBytes: cfg.ArchiveMaxBytes,
	})
	authSvc := auth.New(repo, log, cfg.JWTSecret, cfg.AccessTokenTTL)
	if err := authSvc.EnsureAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
		log.Error("failed to seed admin account", "error", err)
		os.Exit(1)
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, authSvc, botSvc, deploySvc, logSvc, repo, limiter, pool.Ping, engine.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		deploySvc.Wait()
		log.Info("server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
