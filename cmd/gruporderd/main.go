// Command gruporderd runs the group ordering broker: the REST API, the
// realtime websocket hub and the catalog proxy, backed by PostgreSQL.
//
// Configuration comes from the environment, optionally seeded from a
// .env file:
//
//	GRUPORDER_DSN          PostgreSQL DSN (required)
//	GRUPORDER_ADDR         listen address, default :8080
//	GRUPORDER_GOFOOD_TOKEN catalog provider bearer token (optional)
//	GRUPORDER_LOG_LEVEL    level name, default info
//	GRUPORDER_LOG_FORMAT   "json" (zerolog) or "text" (slog), default json
//	GRUPORDER_LOG_FILE     log file path, default stdout (json format only)
package main

import (
	"context"
	"fmt"
	stdslog "log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/gruporder/gruporder/pkg/catalog"
	"github.com/gruporder/gruporder/pkg/logger"
	slogx "github.com/gruporder/gruporder/pkg/logger/slog"
	"github.com/gruporder/gruporder/pkg/server"
	"github.com/gruporder/gruporder/pkg/store"
	"github.com/gruporder/gruporder/pkg/store/gormstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gruporderd:", err)
		os.Exit(1)
	}
}

func run() error {
	// Missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	dsn := os.Getenv("GRUPORDER_DSN")
	if dsn == "" {
		return fmt.Errorf("GRUPORDER_DSN is required")
	}
	addr := envOr("GRUPORDER_ADDR", ":8080")

	log, closeLog, err := buildLogger()
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gs, err := gormstore.New(dsn)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer gs.Close()
	if err := gs.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	var fetcher *catalog.Fetcher
	if token := os.Getenv("GRUPORDER_GOFOOD_TOKEN"); token != "" {
		fetcher = catalog.NewFetcher(token, log)
	} else {
		log.Warn("GRUPORDER_GOFOOD_TOKEN is not set, catalog fetching disabled")
	}

	app := server.NewApp(server.Config{
		Addr:    addr,
		Store:   store.NewTimeoutStore(gs, store.DefaultWriteTimeout),
		Fetcher: fetcher,
		Logger:  log,
	})
	return app.Run(ctx)
}

// buildLogger picks the logging backend from the environment: zerolog
// JSON by default, the slog text handler for human-readable output.
func buildLogger() (logger.Logger, func(), error) {
	level, err := zerolog.ParseLevel(envOr("GRUPORDER_LOG_LEVEL", "info"))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid GRUPORDER_LOG_LEVEL: %w", err)
	}

	if envOr("GRUPORDER_LOG_FORMAT", "json") == "text" {
		handler := stdslog.NewTextHandler(os.Stdout, &stdslog.HandlerOptions{Level: slogLevel(level)})
		return slogx.New(handler), func() {}, nil
	}

	build := logger.New().WithLevel(level)
	if path := os.Getenv("GRUPORDER_LOG_FILE"); path != "" {
		build = build.FromPath(path)
	}
	log, err := build.Make()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	closeLog := func() {}
	if log.LogFile != nil {
		closeLog = func() { _ = log.LogFile.Close() }
	}
	return log, closeLog, nil
}

func slogLevel(level zerolog.Level) stdslog.Level {
	switch {
	case level <= zerolog.DebugLevel:
		return stdslog.LevelDebug
	case level == zerolog.InfoLevel:
		return stdslog.LevelInfo
	case level == zerolog.WarnLevel:
		return stdslog.LevelWarn
	default:
		return stdslog.LevelError
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
