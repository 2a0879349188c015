// Package dispatch is the dispatch worker (§4.E): it leases tasks off the
// broker, provisions a sandbox job per lease, and turns the execution
// substrate's watch stream into lifecycle events. It never writes the
// result store directly — that is the storage worker's job — and it
// never trusts its own in-memory bookkeeping as ground truth: every
// terminal outcome is reconfirmed against the substrate before it is
// published, so a crashed and restarted worker loses nothing but time.
package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	adapterobs "github.com/coderunner/evalplatform/internal/adapter/observability"
	"github.com/coderunner/evalplatform/internal/adapter/signaler"
	"github.com/coderunner/evalplatform/internal/domain"
	"github.com/coderunner/evalplatform/pkg/textx"
)

// slot tracks one in-flight lease's bookkeeping. It is a hint the watcher
// uses to avoid an extra Inspect round-trip and to find the right lease
// to Ack/terminate; it is never trusted over the substrate itself.
type slot struct {
	evalID      string
	token       domain.AckToken
	priority    domain.Priority
	language    string
	leasedAt    time.Time
	deadline    time.Time
	seenRunning bool
	done        chan struct{}
	once        sync.Once
}

// Worker is one dispatch worker instance running concurrency slots
// leases of work.
type Worker struct {
	broker    domain.TaskBroker
	bus       domain.EventBus
	substrate domain.ExecutionSubstrate

	workerID       string
	slots          int
	maxTimeout     time.Duration
	watchdogEvery  time.Duration
	watchdogSlack  time.Duration
	sandboxProfile string

	mu       sync.Mutex
	byJobID  map[string]*slot
	leaseSem chan struct{}
}

// Config holds the tunables a dispatch worker is constructed with.
type Config struct {
	WorkerID       string
	Slots          int
	MaxTimeout     time.Duration
	WatchdogEvery  time.Duration
	WatchdogSlack  time.Duration
	SandboxProfile string
}

// New constructs a dispatch Worker.
func New(broker domain.TaskBroker, bus domain.EventBus, substrate domain.ExecutionSubstrate, cfg Config) *Worker {
	if cfg.Slots <= 0 {
		cfg.Slots = 1
	}
	if cfg.WatchdogEvery <= 0 {
		cfg.WatchdogEvery = 15 * time.Second
	}
	if cfg.WatchdogSlack <= 0 {
		cfg.WatchdogSlack = 10 * time.Second
	}
	if cfg.SandboxProfile == "" {
		cfg.SandboxProfile = "default"
	}
	return &Worker{
		broker:         broker,
		bus:            bus,
		substrate:      substrate,
		workerID:       cfg.WorkerID,
		slots:          cfg.Slots,
		maxTimeout:     cfg.MaxTimeout,
		watchdogEvery:  cfg.WatchdogEvery,
		watchdogSlack:  cfg.WatchdogSlack,
		sandboxProfile: cfg.SandboxProfile,
		byJobID:        make(map[string]*slot),
	}
}

// Run drives the worker's substrate watcher, cancel-signal listener,
// watchdog sweep, and concurrency slots until ctx is cancelled.
func (w *Worker) Run(ctx domain.Context) error {
	events, substrateErrs, err := w.substrate.WatchJobs(ctx, "evalplatform.eval_id")
	if err != nil {
		return fmt.Errorf("op=dispatch.Run watch: %w", err)
	}

	cancelEvents, cancelErrs, err := w.bus.Subscribe(ctx, signaler.CancelChannel)
	if err != nil {
		return fmt.Errorf("op=dispatch.Run subscribe cancel: %w", err)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.watchSubstrate(ctx, events, substrateErrs)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.watchCancelSignals(ctx, cancelEvents, cancelErrs)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.watchdogLoop(ctx)
	}()

	for i := 0; i < w.slots; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.runSlot(ctx)
		}()
	}

	wg.Wait()
	return nil
}

func (w *Worker) runSlot(ctx domain.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, token, ok, err := w.broker.Lease(ctx, w.workerID, []domain.Priority{domain.PriorityHigh, domain.PriorityNormal, domain.PriorityLow})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("dispatch worker lease failed", slog.Any("error", err))
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			continue
		}

		w.processTask(ctx, task, token)
	}
}

func (w *Worker) processTask(ctx domain.Context, task domain.Task, token domain.AckToken) {
	tracer := otel.Tracer("dispatch")
	ctx, span := tracer.Start(ctx, "dispatch.processTask")
	defer span.End()
	span.SetAttributes(attribute.String("eval_id", task.EvalID), attribute.String("worker_id", w.workerID))

	w.publish(ctx, domain.EventAssigned, task.EvalID, 1, domain.EventPayload{WorkerID: w.workerID})

	leasedAt := time.Now()
	adapterobs.StartProcessingJob(string(task.Priority))

	timeout := time.Duration(task.TimeoutMS) * time.Millisecond
	if timeout <= 0 || (w.maxTimeout > 0 && timeout > w.maxTimeout) {
		timeout = w.maxTimeout
	}

	jobID, err := w.substrate.CreateJob(ctx, task.EvalID, task.Code, task.Language, timeout, domain.ResourceLimits{}, w.sandboxProfile)
	if err != nil {
		span.RecordError(err)
		slog.Error("dispatch worker failed to create sandbox job", slog.String("eval_id", task.EvalID), slog.Any("error", err))
		adapterobs.FailJob(string(task.Priority))
		adapterobs.ObserveLeaseDuration(string(task.Priority), time.Since(leasedAt))
		w.publish(ctx, domain.EventFailed, task.EvalID, 3, domain.EventPayload{
			WorkerID:  w.workerID,
			ErrorKind: domain.ErrorKindSubstrateRejected,
		})
		if ackErr := w.broker.Ack(ctx, token); ackErr != nil {
			slog.Error("dispatch worker failed to ack after create failure", slog.String("eval_id", task.EvalID), slog.Any("error", ackErr))
		}
		return
	}

	s := &slot{
		evalID:   task.EvalID,
		token:    token,
		priority: task.Priority,
		language: task.Language,
		leasedAt: leasedAt,
		deadline: time.Now().Add(timeout + w.watchdogSlack),
		done:     make(chan struct{}),
	}
	w.mu.Lock()
	w.byJobID[jobID] = s
	w.mu.Unlock()

	select {
	case <-s.done:
	case <-ctx.Done():
		// Shutting down: leave the lease unacked so it is redelivered to
		// whichever worker survives.
	}
}

func (w *Worker) watchSubstrate(ctx domain.Context, events <-chan domain.SandboxLifecycleEvent, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			if err != nil {
				slog.Error("dispatch worker substrate watch error", slog.Any("error", err))
			}
		case evt, ok := <-events:
			if !ok {
				return
			}
			w.handleSubstrateEvent(ctx, evt)
		}
	}
}

// handleSubstrateEvent never trusts evt alone: it reconfirms against
// Inspect so a restarted worker with no in-memory slots still produces a
// correct lifecycle event instead of silently dropping the job on the
// floor.
func (w *Worker) handleSubstrateEvent(ctx domain.Context, evt domain.SandboxLifecycleEvent) {
	w.mu.Lock()
	s, tracked := w.byJobID[evt.JobID]
	w.mu.Unlock()

	handle, err := w.substrate.Inspect(ctx, evt.JobID)
	evalID := ""
	switch {
	case err == nil:
		evalID = handle.EvalID
	case tracked:
		evalID = s.evalID
	default:
		slog.Warn("dispatch worker saw event for unknown job", slog.String("job_id", evt.JobID))
		return
	}
	if evalID == "" {
		slog.Warn("dispatch worker could not resolve eval_id for job", slog.String("job_id", evt.JobID))
		return
	}

	switch evt.Phase {
	case domain.SandboxRunning:
		if tracked && !s.seenRunning {
			s.seenRunning = true
			w.publish(ctx, domain.EventRunning, evalID, 2, domain.EventPayload{WorkerID: w.workerID})
		}
	case domain.SandboxSucceeded, domain.SandboxFailed:
		// A job that exits before a Running phase is observed still gets
		// its running event, so the terminal event never skips it.
		if tracked && !s.seenRunning {
			s.seenRunning = true
			w.publish(ctx, domain.EventRunning, evalID, 2, domain.EventPayload{WorkerID: w.workerID})
		}
		w.finishJob(ctx, evt.JobID, evalID, s, evt.Phase, evt.ExitCode)
	}
}

func (w *Worker) finishJob(ctx domain.Context, jobID, evalID string, s *slot, phase domain.SandboxPhase, exitCode *int) {
	payload := domain.EventPayload{WorkerID: w.workerID, ExitCode: exitCode}

	stdout, errOut := w.substrate.ReadLogs(ctx, jobID, domain.LogStdout)
	stderr, errErr := w.substrate.ReadLogs(ctx, jobID, domain.LogStderr)
	if errOut != nil || errErr != nil {
		payload.ErrorKind = domain.ErrorKindLogsUnavailable
	} else {
		// Sandbox output is untrusted: strip control characters (ANSI
		// escapes, embedded nulls) before it is published and persisted.
		payload.Stdout = textx.SanitizeText(string(stdout))
		payload.Stderr = textx.SanitizeText(string(stderr))
	}

	kind := domain.EventFailed
	if phase == domain.SandboxSucceeded {
		kind = domain.EventSucceeded
		if payload.ErrorKind == "" {
			payload.ErrorKind = domain.ErrorKindNone
		}
	} else if payload.ErrorKind == "" {
		payload.ErrorKind = domain.ErrorKindExecutionError
	}

	w.completeSlot(ctx, jobID, s, kind, evalID, payload)
}

func (w *Worker) watchCancelSignals(ctx domain.Context, events <-chan domain.LifecycleEvent, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			if err != nil {
				slog.Error("dispatch worker cancel signal subscription error", slog.Any("error", err))
			}
		case evt, ok := <-events:
			if !ok {
				return
			}
			w.handleCancelSignal(ctx, evt.EvalID)
		}
	}
}

// handleCancelSignal terminates the substrate job for evalID if this
// worker currently holds its lease. If the natural terminal event races
// in first, completeSlot's once-guard keeps this a no-op; the result
// store's own Transition staleness check is the final arbiter either
// way.
func (w *Worker) handleCancelSignal(ctx domain.Context, evalID string) {
	w.mu.Lock()
	var jobID string
	var s *slot
	for jid, candidate := range w.byJobID {
		if candidate.evalID == evalID {
			jobID, s = jid, candidate
			break
		}
	}
	w.mu.Unlock()
	if s == nil {
		return
	}

	if err := w.substrate.Terminate(ctx, jobID); err != nil {
		slog.Error("dispatch worker failed to terminate cancelled job", slog.String("eval_id", evalID), slog.Any("error", err))
	}

	w.completeSlot(ctx, jobID, s, domain.EventCancelled, evalID, domain.EventPayload{
		WorkerID:  w.workerID,
		ErrorKind: domain.ErrorKindCancelled,
	})
}

func (w *Worker) watchdogLoop(ctx domain.Context) {
	ticker := time.NewTicker(w.watchdogEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweepOnce(ctx)
		}
	}
}

// sweepOnce reconfirms every slot past its deadline directly against the
// substrate, grounded on the same "page, compare to cutoff, act" shape as
// the result store's own stuck-record sweeper. It never declares a job
// lost on the worker's own say-so: a not-found is the only case treated
// as substrate_lost, and a job still running is terminated before being
// declared timed out.
func (w *Worker) sweepOnce(ctx domain.Context) {
	now := time.Now()
	w.mu.Lock()
	var overdue []struct {
		jobID string
		s     *slot
	}
	for jobID, s := range w.byJobID {
		if now.After(s.deadline) {
			overdue = append(overdue, struct {
				jobID string
				s     *slot
			}{jobID, s})
		}
	}
	w.mu.Unlock()

	for _, item := range overdue {
		handle, err := w.substrate.Inspect(ctx, item.jobID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			w.completeSlot(ctx, item.jobID, item.s, domain.EventFailed, item.s.evalID, domain.EventPayload{
				WorkerID:  w.workerID,
				ErrorKind: domain.ErrorKindSubstrateLost,
			})
		case err != nil:
			slog.Error("dispatch worker watchdog inspect failed", slog.String("job_id", item.jobID), slog.Any("error", err))
		case handle.Phase.Terminal():
			w.handleSubstrateEvent(ctx, domain.SandboxLifecycleEvent{JobID: item.jobID, Phase: handle.Phase, ExitCode: handle.ExitCode})
		default:
			if err := w.substrate.Terminate(ctx, item.jobID); err != nil {
				slog.Error("dispatch worker watchdog terminate failed", slog.String("job_id", item.jobID), slog.Any("error", err))
			}
			w.completeSlot(ctx, item.jobID, item.s, domain.EventTimedOut, item.s.evalID, domain.EventPayload{
				WorkerID:  w.workerID,
				ErrorKind: domain.ErrorKindTimedOut,
			})
		}
	}
}

// completeSlot publishes exactly one terminal event per slot: s.once
// guards against the natural substrate terminal, a cancel signal, and a
// watchdog reconfirmation all racing for the same job.
func (w *Worker) completeSlot(ctx domain.Context, jobID string, s *slot, kind domain.EventKind, evalID string, payload domain.EventPayload) {
	if s == nil {
		w.publish(ctx, kind, evalID, 3, payload)
		return
	}
	s.once.Do(func() {
		w.recordOutcome(s, kind, payload.ExitCode)
		w.publish(ctx, kind, evalID, 3, payload)
		if err := w.broker.Ack(ctx, s.token); err != nil {
			slog.Error("dispatch worker failed to ack terminal lease", slog.String("eval_id", evalID), slog.Any("error", err))
		}
		close(s.done)
		w.mu.Lock()
		delete(w.byJobID, jobID)
		w.mu.Unlock()
	})
}

// recordOutcome records the evaluation-domain metrics for one terminal slot:
// wall-clock duration and exit code by outcome, the lease-hold duration by
// priority class, and the completed/failed job counters.
func (w *Worker) recordOutcome(s *slot, kind domain.EventKind, exitCode *int) {
	duration := time.Since(s.leasedAt)
	outcome := "failed"
	if kind == domain.EventSucceeded {
		outcome = "succeeded"
	}
	adapterobs.ObserveEvaluationOutcome(outcome, s.language, duration, exitCode)
	adapterobs.ObserveLeaseDuration(string(s.priority), duration)
	if kind == domain.EventSucceeded {
		adapterobs.CompleteJob(string(s.priority))
	} else {
		adapterobs.FailJob(string(s.priority))
	}
}

func (w *Worker) publish(ctx domain.Context, kind domain.EventKind, evalID string, seq int64, payload domain.EventPayload) {
	err := w.bus.Publish(ctx, kind.Channel(), domain.LifecycleEvent{
		EvalID:  evalID,
		Kind:    kind,
		Seq:     seq,
		TS:      time.Now(),
		Payload: payload,
	})
	if err != nil {
		slog.Error("dispatch worker publish failed", slog.String("eval_id", evalID), slog.String("kind", string(kind)), slog.Any("error", err))
	}
}
