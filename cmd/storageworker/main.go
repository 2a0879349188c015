// Command storageworker runs the storage worker: the sole writer to the
// result store. It consumes every lifecycle channel and applies the
// corresponding conditional transition, offloading oversized stdout/stderr
// to the artifact store.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/coderunner/evalplatform/internal/adapter/bus/kafkabus"
	"github.com/coderunner/evalplatform/internal/adapter/observability"
	"github.com/coderunner/evalplatform/internal/adapter/repo/postgres"
	"github.com/coderunner/evalplatform/internal/app/storageworker"
	"github.com/coderunner/evalplatform/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	store := postgres.NewEvaluationRepo(pool)
	artifacts := postgres.NewArtifactRepo(pool)

	bus, err := kafkabus.New(cfg.KafkaBrokers, "evalplatform-storageworker")
	if err != nil {
		slog.Error("kafka bus connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer bus.Close()

	worker := storageworker.New(store, artifacts, bus, cfg.OutputPreviewBytes)

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("storage worker starting")
	if err := worker.Run(runCtx); err != nil && runCtx.Err() == nil {
		slog.Error("storage worker exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("storage worker stopped")
}
