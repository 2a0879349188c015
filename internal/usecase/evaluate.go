// Package usecase contains application business logic services.
package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/coderunner/evalplatform/internal/domain"
	obsctx "github.com/coderunner/evalplatform/internal/observability"
)

// SubmitRequest is the validated input to EvaluateService.Submit.
type SubmitRequest struct {
	Code           string
	Language       string
	Priority       domain.Priority
	TimeoutMS      int64
	IdempotencyKey string
	TraceID        string
}

// SubmitResult is returned to the gateway handler on a successful submission.
type SubmitResult struct {
	EvalID        string
	QueuePosition int
	Deduplicated  bool
}

// ReadinessCheck is a single probe result surfaced by /readyz.
type ReadinessCheck struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Details string `json:"details"`
}

// LegacyMirror is a best-effort sidecar that copies every accepted task onto
// the platform's predecessor queue for migration-parity auditing. It is
// never leased for execution, so its failure must never fail a submission.
type LegacyMirror interface {
	Enqueue(ctx domain.Context, task domain.Task) (id string, err error)
}

// EvaluateService accepts submissions, assigns eval_ids, persists the initial
// record, enqueues the task, and emits the queued lifecycle event (§4.F).
type EvaluateService struct {
	Store  domain.ResultStore
	Broker domain.TaskBroker
	Bus    domain.EventBus
	Signal domain.CancelSignaler
	// Mirror is optional; nil disables legacy-queue mirroring entirely.
	Mirror LegacyMirror
}

// NewEvaluateService constructs an EvaluateService with its dependencies.
func NewEvaluateService(store domain.ResultStore, broker domain.TaskBroker, bus domain.EventBus, signal domain.CancelSignaler) EvaluateService {
	return EvaluateService{Store: store, Broker: broker, Bus: bus, Signal: signal}
}

// Submit assigns an eval_id, creates the initial record,
// enqueues the task, and emits the "queued" lifecycle event. Idempotent on
// req.IdempotencyKey: a resubmission with the same key returns the original
// eval_id without creating a second record or task.
func (s EvaluateService) Submit(ctx domain.Context, req SubmitRequest) (SubmitResult, error) {
	tr := otel.Tracer("usecase.evaluate")
	ctx, span := tr.Start(ctx, "EvaluateService.Submit")
	defer span.End()

	lg := obsctx.LoggerFromContext(ctx)
	lg.Info("submit evaluation request",
		slog.String("language", req.Language),
		slog.String("priority", string(req.Priority)),
		slog.String("idempotency_key", req.IdempotencyKey),
		slog.String("request_id", obsctx.RequestIDFromContext(ctx)))

	if req.IdempotencyKey != "" {
		if existing, err := s.Store.FindByIdempotencyKey(ctx, req.IdempotencyKey); err == nil && existing.EvalID != "" {
			lg.Info("submit idempotent hit", slog.String("eval_id", existing.EvalID))
			return SubmitResult{EvalID: existing.EvalID, Deduplicated: true}, nil
		}
	}

	evalID := uuid.New().String()
	now := time.Now().UTC()
	eval := domain.Evaluation{
		EvalID:           evalID,
		Code:             req.Code,
		Language:         req.Language,
		Priority:         req.Priority,
		TimeoutMS:        req.TimeoutMS,
		Status:           domain.StatusQueued,
		Seq:              1,
		IdempotencyKey:   req.IdempotencyKey,
		SubmittedAt:      now,
		LastTransitionAt: now,
	}

	existing, alreadyExisted, err := s.Store.Create(ctx, eval)
	if err != nil {
		lg.Error("submit failed to create record", slog.Any("error", err))
		return SubmitResult{}, fmt.Errorf("op=evaluate.Submit eval_id=%s: %w", evalID, err)
	}
	if alreadyExisted {
		lg.Info("submit create raced with an existing record", slog.String("eval_id", existing.EvalID))
		return SubmitResult{EvalID: existing.EvalID, Deduplicated: true}, nil
	}

	task := domain.Task{
		EvalID:      evalID,
		Code:        req.Code,
		Language:    req.Language,
		Priority:    req.Priority,
		TimeoutMS:   req.TimeoutMS,
		SubmittedAt: now,
		TraceID:     req.TraceID,
	}
	if err := s.Broker.Enqueue(ctx, task); err != nil {
		lg.Error("submit failed to enqueue task", slog.String("eval_id", evalID), slog.Any("error", err))
		return SubmitResult{}, fmt.Errorf("op=evaluate.Submit eval_id=%s: %w", evalID, err)
	}

	if s.Mirror != nil {
		if _, err := s.Mirror.Enqueue(ctx, task); err != nil {
			lg.Error("submit failed to mirror task onto legacy queue", slog.String("eval_id", evalID), slog.Any("error", err))
		}
	}

	event := domain.LifecycleEvent{EvalID: evalID, Kind: domain.EventQueued, Seq: 1, TS: now}
	if err := s.Bus.Publish(ctx, domain.EventQueued.Channel(), event); err != nil {
		// The task is already enqueued and durable; a missed "queued" event
		// only delays the submitter's first stream update, it doesn't lose
		// the evaluation. Log and proceed.
		lg.Error("submit failed to publish queued event", slog.String("eval_id", evalID), slog.Any("error", err))
	}

	lg.Info("submit accepted", slog.String("eval_id", evalID))
	return SubmitResult{EvalID: evalID}, nil
}

// Cancel signals the dispatch worker holding evalID's lease, if any; that
// worker terminates the sandbox job and publishes the cancelled lifecycle
// event. Cancel itself publishes no event, makes no store transition and
// does not revoke the broker task, so an evaluation no worker has leased
// yet is not cancelled by it. Returns once the signal has been sent, not
// once the sandbox job is confirmed terminated (§4.F).
func (s EvaluateService) Cancel(ctx domain.Context, evalID string) error {
	lg := obsctx.LoggerFromContext(ctx)

	eval, err := s.Store.Get(ctx, evalID)
	if err != nil {
		return fmt.Errorf("op=evaluate.Cancel eval_id=%s: %w", evalID, err)
	}
	if eval.Status.Terminal() {
		return fmt.Errorf("op=evaluate.Cancel eval_id=%s: %w", evalID, domain.ErrConflict)
	}

	if err := s.Signal.SignalCancel(ctx, evalID); err != nil {
		lg.Error("cancel failed to signal dispatch worker", slog.String("eval_id", evalID), slog.Any("error", err))
		return fmt.Errorf("op=evaluate.Cancel eval_id=%s: %w", evalID, err)
	}

	lg.Info("cancel signal sent", slog.String("eval_id", evalID))
	return nil
}
