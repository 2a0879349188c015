// Command gateway starts the submission gateway HTTP server: it accepts
// evaluation submissions, serves status/listing/cancellation, and streams
// lifecycle events over SSE. It never touches the execution substrate
// directly — that's the dispatch worker's job.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coderunner/evalplatform/internal/adapter/broker/legacyfifo"
	"github.com/coderunner/evalplatform/internal/adapter/broker/redisbroker"
	"github.com/coderunner/evalplatform/internal/adapter/bus/kafkabus"
	httpserver "github.com/coderunner/evalplatform/internal/adapter/httpserver"
	"github.com/coderunner/evalplatform/internal/adapter/observability"
	"github.com/coderunner/evalplatform/internal/adapter/repo/postgres"
	"github.com/coderunner/evalplatform/internal/adapter/signaler"
	"github.com/coderunner/evalplatform/internal/app"
	"github.com/coderunner/evalplatform/internal/config"
	"github.com/coderunner/evalplatform/internal/service/ratelimiter"
	"github.com/coderunner/evalplatform/internal/usecase"
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

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid redis url", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	broker := redisbroker.New(rdb, cfg.RedisAckTokenSecret, cfg.DeadLetterChannel, cfg.LeaseVisibility(), cfg.MaxRetries)

	bus, err := kafkabus.New(cfg.KafkaBrokers, "evalplatform-gateway")
	if err != nil {
		slog.Error("kafka bus connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer bus.Close()

	cancelSignaler := signaler.New(bus)

	evalSvc := usecase.NewEvaluateService(store, broker, bus, cancelSignaler)
	if cfg.LegacyFIFOURL != "" {
		mirror, err := legacyfifo.New(cfg.LegacyFIFOURL)
		if err != nil {
			slog.Error("legacy fifo mirror connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer mirror.Close()
		evalSvc.Mirror = mirror
	}
	resultSvc := usecase.NewResultService(store)

	storeCheck, brokerCheck, busCheck, substrateCheck := app.BuildReadinessChecks(store, broker, bus, nil)

	rateLimiter := ratelimiter.NewRedisLuaLimiter(rdb, pool, map[string]ratelimiter.BucketConfig{})
	if err := rateLimiter.WarmFromPostgres(ctx); err != nil {
		slog.Error("rate limiter failed to warm buckets from postgres", slog.Any("error", err))
	}

	srv := &httpserver.Server{
		Cfg:            cfg,
		Evaluate:       evalSvc,
		Results:        resultSvc,
		Bus:            bus,
		StoreCheck:     storeCheck,
		BrokerCheck:    brokerCheck,
		BusCheck:       busCheck,
		SubstrateCheck: substrateCheck,
		RateLimiter:    rateLimiter,
	}

	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
