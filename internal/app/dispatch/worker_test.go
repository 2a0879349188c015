package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderunner/evalplatform/internal/adapter/signaler"
	mocksubstrate "github.com/coderunner/evalplatform/internal/adapter/substrate/mock"
	"github.com/coderunner/evalplatform/internal/domain"
)

type fakeBroker struct {
	mu     sync.Mutex
	queue  []domain.Task
	acked  map[domain.AckToken]bool
	nacked []domain.AckToken
}

func newFakeBroker() *fakeBroker { return &fakeBroker{acked: make(map[domain.AckToken]bool)} }

func (b *fakeBroker) Enqueue(ctx domain.Context, task domain.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, task)
	return nil
}

func (b *fakeBroker) Lease(ctx domain.Context, consumerID string, classesInOrder []domain.Priority) (domain.Task, domain.AckToken, bool, error) {
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		if len(b.queue) > 0 {
			task := b.queue[0]
			b.queue = b.queue[1:]
			b.mu.Unlock()
			return task, domain.AckToken(task.EvalID), true, nil
		}
		b.mu.Unlock()
		select {
		case <-ctx.Done():
			return domain.Task{}, "", false, nil
		case <-time.After(5 * time.Millisecond):
		}
	}
	return domain.Task{}, "", false, nil
}

func (b *fakeBroker) Ack(ctx domain.Context, token domain.AckToken) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked[token] = true
	return nil
}

func (b *fakeBroker) Extend(ctx domain.Context, token domain.AckToken, duration time.Duration) error {
	return nil
}

func (b *fakeBroker) Nack(ctx domain.Context, token domain.AckToken, retryable bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nacked = append(b.nacked, token)
	return nil
}

func (b *fakeBroker) Revoke(ctx domain.Context, evalID string) error { return nil }

func (b *fakeBroker) isAcked(token domain.AckToken) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked[token]
}

type fakeBus struct {
	mu       sync.Mutex
	channels map[string]chan domain.LifecycleEvent
}

func newFakeBus() *fakeBus { return &fakeBus{channels: make(map[string]chan domain.LifecycleEvent)} }

func (b *fakeBus) chanFor(channel string) chan domain.LifecycleEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[channel]
	if !ok {
		ch = make(chan domain.LifecycleEvent, 64)
		b.channels[channel] = ch
	}
	return ch
}

func (b *fakeBus) Subscribe(ctx domain.Context, channel string) (<-chan domain.LifecycleEvent, <-chan error, error) {
	return b.chanFor(channel), make(chan error), nil
}

func (b *fakeBus) Publish(ctx domain.Context, channel string, event domain.LifecycleEvent) error {
	b.chanFor(channel) <- event
	return nil
}

func TestWorker_SuccessfulJobPublishesAssignedRunningCompleted(t *testing.T) {
	broker := newFakeBroker()
	bus := newFakeBus()
	substrate := mocksubstrate.New(10 * time.Millisecond)
	w := New(broker, bus, substrate, Config{WorkerID: "dispatch-1", Slots: 1, MaxTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	require.NoError(t, broker.Enqueue(ctx, domain.Task{EvalID: "eval-ok", Code: "echo hi", Language: "sh", TimeoutMS: 500}))

	assigned := <-bus.chanFor("evaluation.assigned")
	assert.Equal(t, "eval-ok", assigned.EvalID)
	assert.Equal(t, domain.EventAssigned, assigned.Kind)

	running := <-bus.chanFor("evaluation.running")
	assert.Equal(t, "eval-ok", running.EvalID)

	completed := <-bus.chanFor("evaluation.completed")
	assert.Equal(t, domain.EventSucceeded, completed.Kind)
	require.NotNil(t, completed.Payload.ExitCode)
	assert.Equal(t, 0, *completed.Payload.ExitCode)
	assert.Contains(t, completed.Payload.Stdout, "echo hi")

	require.Eventually(t, func() bool { return broker.isAcked("eval-ok") }, time.Second, 10*time.Millisecond)
}

func TestWorker_FailingCommandPublishesFailedEvent(t *testing.T) {
	broker := newFakeBroker()
	bus := newFakeBus()
	substrate := mocksubstrate.New(10 * time.Millisecond)
	w := New(broker, bus, substrate, Config{WorkerID: "dispatch-1", Slots: 1, MaxTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	require.NoError(t, broker.Enqueue(ctx, domain.Task{EvalID: "eval-fail", Code: "will fail", Language: "sh", TimeoutMS: 500}))

	<-bus.chanFor("evaluation.assigned")
	<-bus.chanFor("evaluation.running")
	completed := <-bus.chanFor("evaluation.completed")
	assert.Equal(t, domain.EventFailed, completed.Kind)
	assert.Equal(t, domain.ErrorKindExecutionError, completed.Payload.ErrorKind)
	require.NotNil(t, completed.Payload.ExitCode)
	assert.Equal(t, 1, *completed.Payload.ExitCode)
}

func TestWorker_CancelSignalTerminatesHungJobAndAcks(t *testing.T) {
	broker := newFakeBroker()
	bus := newFakeBus()
	substrate := mocksubstrate.New(5 * time.Millisecond)
	w := New(broker, bus, substrate, Config{WorkerID: "dispatch-1", Slots: 1, MaxTimeout: 10 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	require.NoError(t, broker.Enqueue(ctx, domain.Task{EvalID: "eval-hang", Code: "hang forever", Language: "sh", TimeoutMS: 10000}))

	<-bus.chanFor("evaluation.assigned")
	<-bus.chanFor("evaluation.running")

	require.NoError(t, bus.Publish(ctx, signaler.CancelChannel, domain.LifecycleEvent{EvalID: "eval-hang"}))

	cancelled := <-bus.chanFor("evaluation.cancelled")
	assert.Equal(t, domain.EventCancelled, cancelled.Kind)
	assert.Equal(t, domain.ErrorKindCancelled, cancelled.Payload.ErrorKind)

	require.Eventually(t, func() bool { return broker.isAcked("eval-hang") }, time.Second, 10*time.Millisecond)
}

func TestWorker_WatchdogTerminatesAndReportsTimedOutOnHungJob(t *testing.T) {
	broker := newFakeBroker()
	bus := newFakeBus()
	substrate := mocksubstrate.New(5 * time.Millisecond)
	w := New(broker, bus, substrate, Config{
		WorkerID:      "dispatch-1",
		Slots:         1,
		MaxTimeout:    20 * time.Millisecond,
		WatchdogEvery: 15 * time.Millisecond,
		WatchdogSlack: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	require.NoError(t, broker.Enqueue(ctx, domain.Task{EvalID: "eval-stuck", Code: "hang please", Language: "sh", TimeoutMS: 20}))

	<-bus.chanFor("evaluation.assigned")
	<-bus.chanFor("evaluation.running")

	timedOut := <-bus.chanFor("evaluation.timed_out")
	assert.Equal(t, domain.EventTimedOut, timedOut.Kind)
	assert.Equal(t, domain.ErrorKindTimedOut, timedOut.Payload.ErrorKind)

	require.Eventually(t, func() bool { return broker.isAcked("eval-stuck") }, time.Second, 10*time.Millisecond)
}
