package kafkabus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/coderunner/evalplatform/internal/domain"
)

// Bus implements domain.EventBus on Kafka/Redpanda. Each channel name
// (e.g. "evaluation.queued") is its own topic; Publish uses a shared
// producer client, Subscribe spins up a dedicated consumer-group client per
// call so every subscriber gets independent at-least-once fan-out.
type Bus struct {
	brokers []string
	group   string

	mu        sync.Mutex
	producer  *kgo.Client
	tracerOpt kgo.Opt

	pollManager *AdaptivePollingManager
}

// New constructs a Bus. groupPrefix namespaces the consumer groups this
// process creates when Subscribe is called, so two subscribers in the same
// process (e.g. the storage worker and a local test harness) don't
// accidentally share one group and split the same channel's events.
func New(brokers []string, groupPrefix string) (*Bus, error) {
	tracerOpt := kgo.WithHooks(kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider())),
	)).Hooks()...)

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
		tracerOpt,
	)
	if err != nil {
		return nil, fmt.Errorf("op=kafkabus.New: %w", err)
	}

	return &Bus{
		brokers:     brokers,
		group:       groupPrefix,
		producer:    producer,
		tracerOpt:   tracerOpt,
		pollManager: NewAdaptivePollingManager(time.Hour),
	}, nil
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.producer != nil {
		b.producer.Close()
	}
	b.pollManager.Stop()
}

// Publish is a best-effort durable publish: a single record per event,
// keyed by eval_id, synchronously produced so a returned error is a real failure the
// caller must not treat as success.
func (b *Bus) Publish(ctx domain.Context, channel string, event domain.LifecycleEvent) error {
	if err := createTopicIfNotExists(ctx, b.producer, channel, 3, 1); err != nil {
		slog.Warn("topic ensure failed, publishing anyway", slog.String("channel", channel), slog.Any("error", err))
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("op=kafkabus.Publish: %w", err)
	}

	record := &kgo.Record{
		Topic: channel,
		Key:   []byte(event.EvalID),
		Value: payload,
	}

	results := b.producer.ProduceSync(ctx, record)
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("op=kafkabus.Publish channel=%s eval_id=%s: %w", channel, event.EvalID, err)
	}
	return nil
}

// Subscribe starts a dedicated consumer-group client for channel and
// streams decoded events until ctx is cancelled. No backfill guarantee:
// the group starts reading from the log end at creation time.
func (b *Bus) Subscribe(ctx domain.Context, channel string) (<-chan domain.LifecycleEvent, <-chan error, error) {
	groupID := fmt.Sprintf("%s-%s", b.group, channel)

	client, err := kgo.NewClient(
		kgo.SeedBrokers(b.brokers...),
		kgo.ConsumeTopics(channel),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		b.tracerOpt,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("op=kafkabus.Subscribe channel=%s: %w", channel, err)
	}

	events := make(chan domain.LifecycleEvent, 64)
	errs := make(chan error, 1)
	poller := b.pollManager.GetPoller(channel, 200*time.Millisecond)

	go func() {
		defer close(events)
		defer close(errs)
		defer client.Close()

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			fetches := client.PollFetches(ctx)
			if fetches.IsClientClosed() {
				return
			}
			if errsFetch := fetches.Errors(); len(errsFetch) > 0 {
				poller.RecordFailure()
				for _, e := range errsFetch {
					slog.Error("kafkabus fetch error", slog.String("channel", channel), slog.Any("error", e.Err))
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(poller.GetNextInterval()):
				}
				continue
			}
			poller.RecordSuccess()

			empty := true
			fetches.EachRecord(func(r *kgo.Record) {
				empty = false
				var event domain.LifecycleEvent
				if err := json.Unmarshal(r.Value, &event); err != nil {
					slog.Error("kafkabus decode error", slog.String("channel", channel), slog.Any("error", err))
					return
				}
				select {
				case events <- event:
				case <-ctx.Done():
				}
			})
			if empty {
				select {
				case <-ctx.Done():
					return
				case <-time.After(poller.GetNextInterval()):
				}
			}
		}
	}()

	return events, errs, nil
}
