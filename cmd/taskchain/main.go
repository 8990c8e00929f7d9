package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/loonghao/taskchain/internal/engine"
	"github.com/loonghao/taskchain/internal/invoker"
	"github.com/loonghao/taskchain/internal/janitor"
	"github.com/loonghao/taskchain/internal/logging"
	"github.com/loonghao/taskchain/internal/store"
	"github.com/loonghao/taskchain/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		slog.Error("taskchain exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: logging.ParseLevel(cfg.LogLevel),
		}),
	))
	slog.SetDefault(logger)

	if dir := dbDir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	ts, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer ts.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ts.Migrate(ctx); err != nil {
		return err
	}

	handlers := invoker.NewRegistry()
	if err := invoker.RegisterBuiltins(handlers, invoker.HTTPConfig{}); err != nil {
		return err
	}
	handlers.SetFallback(&invoker.EchoHandler{})

	registry := engine.NewRegistry()
	executor, err := engine.NewChainExecutor(ts, registry, handlers,
		engine.ExecutorConfig{PoolSize: cfg.PoolSize}, logger)
	if err != nil {
		return err
	}
	defer executor.Shutdown()

	manager, err := engine.NewManager(executor, registry, ts, logger)
	if err != nil {
		return err
	}

	jan, err := janitor.NewJanitor(manager, janitor.Config{
		Schedule: cfg.SweepSchedule,
		MaxAge:   time.Duration(cfg.RetentionMins) * time.Minute,
	}, logger)
	if err != nil {
		return err
	}
	if err := jan.Start(ctx); err != nil {
		return err
	}
	defer jan.Stop()

	srv := mcp.NewChainServer(mcp.ChainServerDeps{
		Manager: manager,
		Logger:  logger,
	})

	logger.Info("taskchain server starting", "db", cfg.DBPath, "pool_size", cfg.PoolSize)
	return srv.Serve(ctx)
}

// dbDir returns the directory that must exist for a file-backed DSN,
// or "" for remote DSNs.
func dbDir(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if path == dsn && strings.Contains(dsn, "://") {
		return ""
	}
	return filepath.Dir(path)
}
