// Package storageworker is the sole writer to the result store: it
// consumes every lifecycle channel and applies the corresponding
// conditional transition, so every other component can be a best-effort
// event emitter while the store's invariants are enforced in one place.
package storageworker

import (
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/coderunner/evalplatform/internal/domain"
)

var allStatuses = []domain.Status{
	domain.StatusQueued, domain.StatusProvisioning, domain.StatusRunning,
	domain.StatusSucceeded, domain.StatusFailed, domain.StatusCancelled, domain.StatusTimedOut,
}

// channels is every distinct bus channel a lifecycle event can land on;
// EventSucceeded and EventFailed share "evaluation.completed" (see
// domain.EventKind.Channel), so this list is shorter than the event kind
// enum.
var channels = []string{
	"evaluation.queued",
	"evaluation.assigned",
	"evaluation.running",
	"evaluation.completed",
	"evaluation.cancelled",
	"evaluation.timed_out",
}

func fromStatusesFor(to domain.Status) []domain.Status {
	froms := make([]domain.Status, 0, len(allStatuses))
	for _, s := range allStatuses {
		if domain.LegalTransition(s, to) {
			froms = append(froms, s)
		}
	}
	return froms
}

// Worker consumes lifecycle events and transitions the result store.
type Worker struct {
	store        domain.ResultStore
	artifacts    domain.ArtifactStore
	bus          domain.EventBus
	previewBytes int64
}

// New constructs a Worker. previewBytes is OUTPUT_PREVIEW_BYTES: captured
// output longer than this is truncated inline and the full bytes handed
// off to artifacts, with a reference recorded on the evaluation.
func New(store domain.ResultStore, artifacts domain.ArtifactStore, bus domain.EventBus, previewBytes int64) *Worker {
	return &Worker{store: store, artifacts: artifacts, bus: bus, previewBytes: previewBytes}
}

// Run subscribes to every lifecycle channel and processes events until ctx
// is cancelled. Each channel's events are handled concurrently with each
// other; handling is independent per event and idempotent via Transition's
// sequence guard, so there is no ordering requirement across channels.
func (w *Worker) Run(ctx domain.Context) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(channels))

	for _, channel := range channels {
		events, subErrs, err := w.bus.Subscribe(ctx, channel)
		if err != nil {
			return fmt.Errorf("op=storageworker.Run subscribe channel=%s: %w", channel, err)
		}

		wg.Add(1)
		go func(channel string, events <-chan domain.LifecycleEvent, subErrs <-chan error) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case err, ok := <-subErrs:
					if !ok {
						return
					}
					if err != nil {
						slog.Error("storage worker subscription error", slog.String("channel", channel), slog.Any("error", err))
						select {
						case errs <- err:
						default:
						}
					}
				case event, ok := <-events:
					if !ok {
						return
					}
					w.handleEvent(ctx, event)
				}
			}
		}(channel, events, subErrs)
	}

	wg.Wait()
	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}

func (w *Worker) handleEvent(ctx domain.Context, event domain.LifecycleEvent) {
	tracer := otel.Tracer("storageworker")
	ctx, span := tracer.Start(ctx, "storageworker.handleEvent")
	defer span.End()
	span.SetAttributes(
		attribute.String("eval_id", event.EvalID),
		attribute.String("event.kind", string(event.Kind)),
		attribute.Int64("event.seq", event.Seq),
	)

	if event.Kind == domain.EventQueued {
		// The gateway's Create call already inserted the queued record;
		// nothing further to transition here.
		return
	}

	to := event.Kind.TargetStatus()
	if to == "" {
		slog.Warn("storage worker received unknown event kind", slog.String("kind", string(event.Kind)))
		return
	}

	patch := w.buildPatch(ctx, event)

	applied, err := w.store.Transition(ctx, event.EvalID, fromStatusesFor(to), to, patch, event.Seq)
	if err != nil {
		span.RecordError(err)
		slog.Error("storage worker transition failed", slog.String("eval_id", event.EvalID), slog.String("to", string(to)), slog.Any("error", err))
		return
	}
	if !applied {
		// Legally rejected as stale or illegal: terminal outcome for this
		// event, not a retry signal.
		slog.Debug("storage worker transition rejected", slog.String("eval_id", event.EvalID), slog.String("to", string(to)), slog.Int64("seq", event.Seq))
	}
}

func (w *Worker) buildPatch(ctx domain.Context, event domain.LifecycleEvent) domain.TransitionPatch {
	patch := domain.TransitionPatch{
		WorkerID:  event.Payload.WorkerID,
		ExitCode:  event.Payload.ExitCode,
		ErrorKind: event.Payload.ErrorKind,
	}

	patch.Stdout, patch.StdoutOverflow, patch.StdoutRef = w.maybeOverflow(ctx, event.EvalID, domain.LogStdout, event.Payload.Stdout)
	patch.Stderr, patch.StderrOverflow, patch.StderrRef = w.maybeOverflow(ctx, event.EvalID, domain.LogStderr, event.Payload.Stderr)

	return patch
}

func (w *Worker) maybeOverflow(ctx domain.Context, evalID string, stream domain.LogStream, data string) (preview string, overflow bool, ref string) {
	if int64(len(data)) <= w.previewBytes {
		return data, false, ""
	}

	full := []byte(data)
	storedRef, err := w.artifacts.Put(ctx, evalID, stream, full)
	if err != nil {
		slog.Error("storage worker failed to store overflow artifact", slog.String("eval_id", evalID), slog.String("stream", string(stream)), slog.Any("error", err))
		return data[:w.previewBytes], true, ""
	}
	return data[:w.previewBytes], true, storedRef
}
