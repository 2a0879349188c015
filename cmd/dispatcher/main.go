// Command dispatcher runs the dispatch worker: it leases tasks off the
// broker, provisions sandbox jobs on the execution substrate, and turns
// substrate lifecycle events into bus events. It holds no HTTP surface.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/coderunner/evalplatform/internal/adapter/broker/redisbroker"
	"github.com/coderunner/evalplatform/internal/adapter/bus/kafkabus"
	"github.com/coderunner/evalplatform/internal/adapter/observability"
	dockersubstrate "github.com/coderunner/evalplatform/internal/adapter/substrate/docker"
	mocksubstrate "github.com/coderunner/evalplatform/internal/adapter/substrate/mock"
	"github.com/coderunner/evalplatform/internal/app/dispatch"
	"github.com/coderunner/evalplatform/internal/config"
	"github.com/coderunner/evalplatform/internal/domain"
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

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid redis url", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	broker := redisbroker.New(rdb, cfg.RedisAckTokenSecret, cfg.DeadLetterChannel, cfg.LeaseVisibility(), cfg.MaxRetries)

	bus, err := kafkabus.New(cfg.KafkaBrokers, "evalplatform-dispatcher")
	if err != nil {
		slog.Error("kafka bus connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer bus.Close()

	var substrate domain.ExecutionSubstrate
	switch cfg.SubstrateKind {
	case "mock":
		substrate = mocksubstrate.New(0)
	default:
		profiles, err := config.LoadSandboxProfiles(cfg.SandboxProfiles)
		if err != nil {
			slog.Error("failed to load sandbox profiles", slog.Any("error", err))
			os.Exit(1)
		}
		dockerSub, err := dockersubstrate.New(cfg.DockerHost, cfg.SandboxImagePref, profiles)
		if err != nil {
			slog.Error("docker substrate connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer dockerSub.Close()
		substrate = dockerSub
	}

	worker := dispatch.New(broker, bus, substrate, dispatch.Config{
		WorkerID:       "dispatcher-" + uuid.New().String(),
		Slots:          cfg.WorkerSlots,
		MaxTimeout:     cfg.MaxTimeout(),
		WatchdogSlack:  cfg.WatchdogSlack,
		SandboxProfile: cfg.SandboxProfile,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("dispatch worker starting", slog.Int("slots", cfg.WorkerSlots), slog.String("substrate", cfg.SubstrateKind))
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("dispatch worker exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("dispatch worker stopped")
}
