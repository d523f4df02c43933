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

	"github.com/omdev04/nodepilot/internal/app/migrate"
	"github.com/omdev04/nodepilot/internal/gitops"
	httpx "github.com/omdev04/nodepilot/internal/http"
	"github.com/omdev04/nodepilot/internal/orchestrator"
	"github.com/omdev04/nodepilot/internal/repository/postgres"
	"github.com/omdev04/nodepilot/internal/snapshot"
	"github.com/omdev04/nodepilot/internal/supervisor"
	"github.com/omdev04/nodepilot/internal/ws"
	"github.com/omdev04/nodepilot/pkg/config"
	"github.com/omdev04/nodepilot/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New("nodepilotd", logger.ParseLevel(config.GetString("LOG_LEVEL", "info")))

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

	for _, dir := range []string{cfg.ProjectsRoot, cfg.BackupsRoot, cfg.ProcessLogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Error("failed to prepare data directory", "dir", dir, "error", err)
			os.Exit(1)
		}
	}

	repo := postgres.New(pool)
	super := supervisor.New(cfg.SupervisorSock, log)
	defer super.Close()

	git := gitops.New(nil, log, nil, gitops.Timeouts{
		Clone: cfg.CloneTimeout,
		Fetch: cfg.FetchTimeout,
		Pull:  cfg.PullTimeout,
	})
	snaps := snapshot.New(cfg.BackupsRoot, log)

	hub := ws.NewHub()
	orch := orchestrator.New(cfg, log, repo, repo, repo, super, git, snaps, nil, ws.NewStream(hub))
	go orch.StartCleanupLoop(ctx)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, orch, repo, repo, super, hub, limiter, cfg.WebhookSecret, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("orchestrator server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("orchestrator server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
