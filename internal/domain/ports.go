package domain

import "time"

// EventBus is the publish/subscribe channel for lifecycle events (§4.A).
// At-least-once delivery; per-eval_id ordering is NOT guaranteed at the
// transport, so subscribers MUST reconcile by Seq.
type EventBus interface {
	// Publish is a best-effort durable publish. Callers MUST NOT treat a
	// returned error as success.
	Publish(ctx Context, channel string, event LifecycleEvent) error
	// Subscribe returns a lazy stream of events published on channel after
	// subscription start. No backfill guarantee. The returned channel is
	// closed when ctx is cancelled or the subscription otherwise ends;
	// errs carries terminal subscription failures.
	Subscribe(ctx Context, channel string) (events <-chan LifecycleEvent, errs <-chan error, err error)
}

// AckToken is an opaque, signed reference to a leased task returned by
// TaskBroker.Lease. It is never parsed by callers outside the broker
// adapter; it is threaded through Ack/Extend/Nack verbatim.
type AckToken string

// TaskBroker is the durable, prioritized, at-least-once task queue (§4.B).
type TaskBroker interface {
	// Enqueue appends task to its priority class. Idempotent on
	// task.EvalID: a duplicate enqueue returns success without
	// double-scheduling.
	Enqueue(ctx Context, task Task) error
	// Lease blocks up to a bounded interval polling classes in the given
	// order (high before normal before low). Returns ok=false on timeout
	// with no work available.
	Lease(ctx Context, consumerID string, classesInOrder []Priority) (task Task, token AckToken, ok bool, err error)
	// Ack removes the task permanently. Only legal once the task's
	// terminal lifecycle event has been published (I6).
	Ack(ctx Context, token AckToken) error
	// Extend pushes back the lease's visibility deadline by duration.
	Extend(ctx Context, token AckToken, duration time.Duration) error
	// Nack restores the task with an incremented retry count and
	// exponential backoff when retryable; otherwise moves it to
	// dead-letter.
	Nack(ctx Context, token AckToken, retryable bool) error
	// Revoke best-effort removes a not-yet-leased task, keyed by eval_id.
	Revoke(ctx Context, evalID string) error
}

// TransitionPatch carries the fields a conditional transition applies to an
// evaluation record. Zero-valued fields are not necessarily "no change" —
// callers populate only fields relevant to the target status.
type TransitionPatch struct {
	WorkerID       string
	ExitCode       *int
	ErrorKind      ErrorKind
	Stdout         string
	StdoutOverflow bool
	StdoutRef      string
	Stderr         string
	StderrOverflow bool
	StderrRef      string
	RetryCount     *int
}

// ListFilter narrows ResultStore.List results.
type ListFilter struct {
	Status Status // empty = any
}

// Page is a single page of a paginated listing.
type Page struct {
	Items      []Evaluation
	NextCursor string
}

// ResultStore is the authoritative, queryable record of evaluation state
// (§4.C). All writes are linearizable per eval_id.
type ResultStore interface {
	// Create inserts the initial record; succeeds exactly once per
	// eval_id. A duplicate create is a no-op returning the existing
	// record (true indicates the record already existed).
	Create(ctx Context, eval Evaluation) (existing Evaluation, alreadyExisted bool, err error)
	// Transition applies patch only if the current status is a member of
	// fromStatusSet and to is a legal transition from it, and only if
	// expectedSeq is greater than the record's stored sequence number.
	// applied=false with err=nil means the transition was legally
	// rejected as stale or illegal — this is a terminal outcome for the
	// caller, not a retry signal (§4.D).
	Transition(ctx Context, evalID string, fromStatusSet []Status, to Status, patch TransitionPatch, eventSeq int64) (applied bool, err error)
	// Get returns the current record or ErrNotFound.
	Get(ctx Context, evalID string) (Evaluation, error)
	// List returns a paginated listing ordered by submission time.
	List(ctx Context, filter ListFilter, cursor string, limit int) (Page, error)
	// FindByIdempotencyKey supports the gateway's submission idempotence
	// law: resubmitting the same client request id yields the same
	// eval_id.
	FindByIdempotencyKey(ctx Context, key string) (Evaluation, error)
}

// ArtifactStore is the collaborator output-artifact overflow is handed off
// to when captured output exceeds OUTPUT_PREVIEW_BYTES (§9 Open Question).
type ArtifactStore interface {
	// Put stores the full bytes for evalID/stream and returns an opaque
	// reference the preview's *Ref field carries.
	Put(ctx Context, evalID string, stream LogStream, data []byte) (ref string, err error)
	// Get retrieves the full bytes for a previously stored reference.
	Get(ctx Context, ref string) ([]byte, error)
}

// ExecutionSubstrate is the external system that runs sandbox jobs (§4.G).
// Two implementations exist behind this port: a Docker-engine-backed one
// for local/dev/integration use and a deterministic in-memory one for unit
// tests of the dispatch worker's crash-only logic.
type ExecutionSubstrate interface {
	// CreateJob provisions an isolated sandbox job labelled with evalID.
	CreateJob(ctx Context, evalID, command, language string, timeout time.Duration, limits ResourceLimits, isolationProfile string) (jobID string, err error)
	// WatchJobs returns a lazy stream of lifecycle events for jobs
	// matching labelSelector (in this platform, the eval_id label key every
	// sandbox job carries, so the stream covers every job on the substrate,
	// not only the calling dispatch worker's). The stream is the ground truth;
	// callers MUST NOT gate processing on local bookkeeping (§4.E).
	WatchJobs(ctx Context, labelSelector string) (events <-chan SandboxLifecycleEvent, errs <-chan error, err error)
	// ReadLogs returns captured bytes for the given stream. May fail with
	// ErrNotFound if the job has been garbage-collected.
	ReadLogs(ctx Context, jobID string, stream LogStream) ([]byte, error)
	// Inspect looks the job up directly by id, used by the crash-only
	// watcher and the worker-side watchdog to reconfirm terminal state
	// when the watch stream may have missed an event.
	Inspect(ctx Context, jobID string) (SandboxJobHandle, error)
	// Terminate is idempotent.
	Terminate(ctx Context, jobID string) error
}

// CancelSignaler lets the gateway ask a dispatch worker to terminate the
// substrate job backing an in-flight evaluation. The gateway performs no
// store transition of its own on cancel (§4.E "Cancellation").
type CancelSignaler interface {
	SignalCancel(ctx Context, evalID string) error
}
