package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/nanoclaw/internal/config"
	"github.com/basket/nanoclaw/internal/orchestrator"
	"github.com/basket/nanoclaw/internal/telemetry"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "nanoclaw: failed to read .env: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, err, orchestrator.ExitConfigError)
	}

	logger, closer, err := telemetry.NewLogger(cfg.DataDir, "info", false)
	if err != nil {
		fatalStartup(nil, err, orchestrator.ExitConfigError)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	orch, err := orchestrator.New(ctx, cfg, logger)
	if err != nil {
		code := orchestrator.ExitConfigError
		var startupErr *orchestrator.StartupError
		if errors.As(err, &startupErr) {
			code = startupErr.Code
		}
		fatalStartup(logger, err, code)
	}

	if err := orch.Run(ctx, 30*time.Second); err != nil {
		logger.Error("nanoclaw: run exited with error", "error", err)
		os.Exit(int(orchestrator.ExitConfigError))
	}
}

func fatalStartup(logger *slog.Logger, err error, code orchestrator.ExitCode) {
	if logger != nil {
		logger.Error("nanoclaw: startup failed", "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "nanoclaw: startup failed: %v\n", err)
	}
	os.Exit(int(code))
}
