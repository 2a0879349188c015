package storageworker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderunner/evalplatform/internal/domain"
)

type fakeBus struct {
	mu       sync.Mutex
	channels map[string]chan domain.LifecycleEvent
}

func newFakeBus() *fakeBus { return &fakeBus{channels: make(map[string]chan domain.LifecycleEvent)} }

func (b *fakeBus) Subscribe(ctx domain.Context, channel string) (<-chan domain.LifecycleEvent, <-chan error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[channel]
	if !ok {
		ch = make(chan domain.LifecycleEvent, 16)
		b.channels[channel] = ch
	}
	return ch, make(chan error), nil
}

func (b *fakeBus) Publish(ctx domain.Context, channel string, event domain.LifecycleEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[channel]
	if !ok {
		ch = make(chan domain.LifecycleEvent, 16)
		b.channels[channel] = ch
	}
	ch <- event
	return nil
}

type fakeStore struct {
	mu          sync.Mutex
	evaluations map[string]domain.Evaluation
}

func newFakeStore(seed ...domain.Evaluation) *fakeStore {
	s := &fakeStore{evaluations: make(map[string]domain.Evaluation)}
	for _, e := range seed {
		s.evaluations[e.EvalID] = e
	}
	return s
}

func (s *fakeStore) Create(ctx domain.Context, eval domain.Evaluation) (domain.Evaluation, bool, error) {
	return domain.Evaluation{}, false, nil
}

func (s *fakeStore) Transition(ctx domain.Context, evalID string, fromStatusSet []domain.Status, to domain.Status, patch domain.TransitionPatch, eventSeq int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.evaluations[evalID]
	if !ok {
		return false, nil
	}
	if e.Seq >= eventSeq {
		return false, nil
	}
	allowed := false
	for _, from := range fromStatusSet {
		if e.Status == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}

	e.Status = to
	e.Seq = eventSeq
	e.WorkerID = patch.WorkerID
	e.ExitCode = patch.ExitCode
	e.ErrorKind = patch.ErrorKind
	e.Stdout = patch.Stdout
	e.StdoutOverflow = patch.StdoutOverflow
	e.StdoutRef = patch.StdoutRef
	e.Stderr = patch.Stderr
	e.StderrOverflow = patch.StderrOverflow
	e.StderrRef = patch.StderrRef
	s.evaluations[evalID] = e
	return true, nil
}

func (s *fakeStore) Get(ctx domain.Context, evalID string) (domain.Evaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.evaluations[evalID]
	if !ok {
		return domain.Evaluation{}, domain.ErrNotFound
	}
	return e, nil
}

func (s *fakeStore) List(ctx domain.Context, filter domain.ListFilter, cursor string, limit int) (domain.Page, error) {
	return domain.Page{}, nil
}

func (s *fakeStore) FindByIdempotencyKey(ctx domain.Context, key string) (domain.Evaluation, error) {
	return domain.Evaluation{}, domain.ErrNotFound
}

type fakeArtifacts struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newFakeArtifacts() *fakeArtifacts { return &fakeArtifacts{blobs: make(map[string][]byte)} }

func (a *fakeArtifacts) Put(ctx domain.Context, evalID string, stream domain.LogStream, data []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ref := evalID + ":" + string(stream)
	a.blobs[ref] = data
	return ref, nil
}

func (a *fakeArtifacts) Get(ctx domain.Context, ref string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.blobs[ref]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return data, nil
}

func TestWorker_AppliesQueuedToRunningTransitions(t *testing.T) {
	store := newFakeStore(domain.Evaluation{EvalID: "eval-1", Status: domain.StatusQueued, Seq: 0})
	bus := newFakeBus()
	artifacts := newFakeArtifacts()
	w := New(store, artifacts, bus, 1024)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = w.Run(ctx) }()
	time.Sleep(20 * time.Millisecond) // let Subscribe calls register channels

	require.NoError(t, bus.Publish(ctx, "evaluation.assigned", domain.LifecycleEvent{
		EvalID: "eval-1", Kind: domain.EventAssigned, Seq: 1,
	}))

	require.Eventually(t, func() bool {
		e, err := store.Get(ctx, "eval-1")
		return err == nil && e.Status == domain.StatusProvisioning
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, bus.Publish(ctx, "evaluation.running", domain.LifecycleEvent{
		EvalID: "eval-1", Kind: domain.EventRunning, Seq: 2,
	}))

	require.Eventually(t, func() bool {
		e, err := store.Get(ctx, "eval-1")
		return err == nil && e.Status == domain.StatusRunning
	}, time.Second, 10*time.Millisecond)
}

func TestWorker_OverflowOutputStoredAsArtifact(t *testing.T) {
	store := newFakeStore(domain.Evaluation{EvalID: "eval-2", Status: domain.StatusRunning, Seq: 2})
	bus := newFakeBus()
	artifacts := newFakeArtifacts()
	w := New(store, artifacts, bus, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = w.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	code := 0
	require.NoError(t, bus.Publish(ctx, "evaluation.completed", domain.LifecycleEvent{
		EvalID: "eval-2", Kind: domain.EventSucceeded, Seq: 3,
		Payload: domain.EventPayload{ExitCode: &code, Stdout: "this is much longer than eight bytes"},
	}))

	require.Eventually(t, func() bool {
		e, err := store.Get(ctx, "eval-2")
		return err == nil && e.Status == domain.StatusSucceeded
	}, time.Second, 10*time.Millisecond)

	e, err := store.Get(ctx, "eval-2")
	require.NoError(t, err)
	assert.True(t, e.StdoutOverflow)
	assert.NotEmpty(t, e.StdoutRef)
	assert.Len(t, e.Stdout, 8)

	full, err := artifacts.Get(ctx, e.StdoutRef)
	require.NoError(t, err)
	assert.Equal(t, "this is much longer than eight bytes", string(full))
}

func TestWorker_StaleSeqRejected(t *testing.T) {
	store := newFakeStore(domain.Evaluation{EvalID: "eval-3", Status: domain.StatusSucceeded, Seq: 5})
	bus := newFakeBus()
	artifacts := newFakeArtifacts()
	w := New(store, artifacts, bus, 1024)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = w.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, bus.Publish(ctx, "evaluation.cancelled", domain.LifecycleEvent{
		EvalID: "eval-3", Kind: domain.EventCancelled, Seq: 1,
	}))

	time.Sleep(50 * time.Millisecond)
	e, err := store.Get(ctx, "eval-3")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, e.Status)
}
