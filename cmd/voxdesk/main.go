package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/voxdesk"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	logger := newLogger()
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := voxdesk.New(
		voxdesk.WithVersion(version),
		voxdesk.WithLogger(logger),
	)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	if err := app.Run(ctx); err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

// newLogger loads .env before reading VOXDESK_LOG_LEVEL so the file can set
// the level. A missing file is fine.
func newLogger() *slog.Logger {
	_ = godotenv.Load()
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: voxdesk.ParseLogLevel(os.Getenv("VOXDESK_LOG_LEVEL")),
	}))
}
