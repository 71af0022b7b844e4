package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marektomas-cz/script-executor/pkg/config"
	"github.com/marektomas-cz/script-executor/pkg/observability"
)

// runServe runs the broker until SIGINT or SIGTERM.
func runServe(stderr io.Writer) int {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := buildStack(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 70
	}
	defer st.close()

	obs, err := observability.New(ctx, cfg.Otel, version, logger)
	if err != nil {
		// Telemetry is not worth refusing to serve over.
		logger.Warn("telemetry disabled", "error", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = obs.Shutdown(shutdownCtx)
		}()
	}

	go st.dog.Run(ctx)

	if err := st.server.ListenAndServe(ctx); err != nil {
		logger.Error("server stopped", "error", err)
		return 70
	}
	logger.Info("shutdown complete")
	return 0
}
