// Package legacyfifo mirrors every enqueued task onto the platform's
// predecessor Redis-backed FIFO queue for migration-parity auditing. It is
// never leased for execution: the priority broker (internal/adapter/broker/
// redisbroker) remains the sole path to the dispatch worker, so at most one
// sandbox job ever runs per eval_id regardless of the mirror.
package legacyfifo

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/coderunner/evalplatform/internal/adapter/observability"
	"github.com/coderunner/evalplatform/internal/domain"
)

// TaskMirrored is the asynq task type name used for mirrored envelopes.
const TaskMirrored = "evaluation_mirrored"

// Mirror enqueues a copy of every accepted task onto the legacy queue. It
// has no Lease counterpart: nothing ever dequeues from it for execution,
// so there is no risk of a second dispatcher racing the priority broker.
type Mirror struct {
	client *asynq.Client
}

// New constructs a Mirror. redisURL is the same Redis instance or a
// dedicated legacy instance, per operator choice.
func New(redisURL string) (*Mirror, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=legacyfifo.New: %w", err)
	}
	return &Mirror{client: asynq.NewClient(opt)}, nil
}

// Close releases the underlying asynq client's connections.
func (m *Mirror) Close() error {
	return m.client.Close()
}

// Enqueue mirrors task onto the legacy FIFO queue. Failure here is
// non-fatal to the submission path: migration-parity auditing must never
// be able to block a real evaluation's acceptance, so callers should log
// and continue rather than fail the gateway request on a mirror error.
func (m *Mirror) Enqueue(ctx domain.Context, task domain.Task) (string, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("op=legacyfifo.Enqueue: %w", err)
	}
	t := asynq.NewTask(TaskMirrored, payload)
	info, err := m.client.EnqueueContext(ctx, t, asynq.MaxRetry(0), asynq.Retention(24*time.Hour))
	if err != nil {
		return "", fmt.Errorf("op=legacyfifo.Enqueue eval_id=%s: %w", task.EvalID, err)
	}
	observability.EnqueueJob("evaluation_mirrored")
	return info.ID, nil
}
