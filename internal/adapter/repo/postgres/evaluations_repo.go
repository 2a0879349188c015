// Package postgres provides PostgreSQL database adapters.
//
// It implements the result-store and artifact-store ports on a pgx pool
// with connection pooling, explicit transactions, and OpenTelemetry
// tracing via otelpgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/coderunner/evalplatform/internal/domain"
)

//go:generate mockery --config=.mockery-pgx.yml

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// EvaluationRepo implements domain.ResultStore: the authoritative,
// queryable record of every evaluation's lifecycle and outputs.
type EvaluationRepo struct{ Pool PgxPool }

// NewEvaluationRepo constructs an EvaluationRepo with the given pool.
func NewEvaluationRepo(p PgxPool) *EvaluationRepo { return &EvaluationRepo{Pool: p} }

// Create inserts the initial record; succeeds exactly once per eval_id. A
// duplicate create (eval_id already present) returns the existing record
// with alreadyExisted=true rather than an error, matching I1's "exactly one
// entry" without requiring callers to pre-check existence.
func (r *EvaluationRepo) Create(ctx domain.Context, eval domain.Evaluation) (domain.Evaluation, bool, error) {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "evaluations"),
	)

	now := time.Now().UTC()
	q := `INSERT INTO evaluations
		(eval_id, code, language, priority, timeout_ms, status, seq, idempotency_key, submitted_at, last_transition_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (eval_id) DO NOTHING`
	tag, err := r.Pool.Exec(ctx, q,
		eval.EvalID, eval.Code, eval.Language, eval.Priority, eval.TimeoutMS,
		domain.StatusQueued, int64(0), nullableString(eval.IdempotencyKey), now, now,
	)
	if err != nil {
		return domain.Evaluation{}, false, fmt.Errorf("op=evaluations.create: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, getErr := r.Get(ctx, eval.EvalID)
		if getErr != nil {
			return domain.Evaluation{}, false, fmt.Errorf("op=evaluations.create.reload: %w", getErr)
		}
		return existing, true, nil
	}

	eval.Status = domain.StatusQueued
	eval.Seq = 0
	eval.SubmittedAt = now
	eval.LastTransitionAt = now
	return eval, false, nil
}

// Transition applies patch only if the current status is a member of
// fromStatusSet and to is a legal transition from it, and eventSeq is
// greater than the stored sequence number. The conditional UPDATE pattern
// (status=ANY($n) AND seq<$m) inside an explicit ReadCommitted transaction
// is the same idiom the teacher's job-status writer uses, generalized to a
// caller-supplied status set and sequence guard instead of an
// unconditional overwrite.
func (r *EvaluationRepo) Transition(ctx domain.Context, evalID string, fromStatusSet []domain.Status, to domain.Status, patch domain.TransitionPatch, eventSeq int64) (bool, error) {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.Transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "evaluations"),
		attribute.String("eval_id", evalID),
		attribute.String("to_status", string(to)),
	)

	statusStrs := make([]string, len(fromStatusSet))
	for i, s := range fromStatusSet {
		statusStrs[i] = string(s)
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return false, fmt.Errorf("op=evaluations.transition.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	q := `UPDATE evaluations SET
			status=$1, seq=$2, worker_id=$3, exit_code=$4, error_kind=$5,
			stdout=$6, stdout_overflow=$7, stdout_ref=$8,
			stderr=$9, stderr_overflow=$10, stderr_ref=$11,
			retry_count=$12, last_transition_at=$13
		WHERE eval_id=$14 AND status=ANY($15) AND seq<$2`
	tag, err := tx.Exec(ctx, q,
		to, eventSeq, patch.WorkerID, patch.ExitCode, patch.ErrorKind,
		patch.Stdout, patch.StdoutOverflow, nullableString(patch.StdoutRef),
		patch.Stderr, patch.StderrOverflow, nullableString(patch.StderrRef),
		patch.RetryCount, time.Now().UTC(),
		evalID, statusStrs,
	)
	if err != nil {
		return false, fmt.Errorf("op=evaluations.transition.exec: %w", err)
	}

	applied := tag.RowsAffected() > 0
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("op=evaluations.transition.commit: %w", err)
	}
	committed = true
	return applied, nil
}

// Get returns the current record or domain.ErrNotFound.
func (r *EvaluationRepo) Get(ctx domain.Context, evalID string) (domain.Evaluation, error) {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "evaluations"),
	)

	q := evaluationSelectColumns + ` FROM evaluations WHERE eval_id=$1`
	row := r.Pool.QueryRow(ctx, q, evalID)
	eval, err := scanEvaluation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Evaluation{}, fmt.Errorf("op=evaluations.get: %w", domain.ErrNotFound)
		}
		return domain.Evaluation{}, fmt.Errorf("op=evaluations.get: %w", err)
	}
	return eval, nil
}

// FindByIdempotencyKey supports the gateway's submission idempotence law.
func (r *EvaluationRepo) FindByIdempotencyKey(ctx domain.Context, key string) (domain.Evaluation, error) {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.FindByIdempotencyKey")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "evaluations"),
	)

	q := evaluationSelectColumns + ` FROM evaluations WHERE idempotency_key=$1 LIMIT 1`
	row := r.Pool.QueryRow(ctx, q, key)
	eval, err := scanEvaluation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Evaluation{}, fmt.Errorf("op=evaluations.find_idem: %w", domain.ErrNotFound)
		}
		return domain.Evaluation{}, fmt.Errorf("op=evaluations.find_idem: %w", err)
	}
	return eval, nil
}

// List returns a paginated listing ordered by submission time, keyset-paged
// on (submitted_at, eval_id) via an opaque cursor string.
func (r *EvaluationRepo) List(ctx domain.Context, filter domain.ListFilter, cursor string, limit int) (domain.Page, error) {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.List")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "evaluations"),
	)

	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var cursorTime time.Time
	var cursorID string
	if cursor != "" {
		var err error
		cursorTime, cursorID, err = decodeCursor(cursor)
		if err != nil {
			return domain.Page{}, fmt.Errorf("op=evaluations.list: invalid cursor: %w", err)
		}
	}

	q := evaluationSelectColumns + ` FROM evaluations WHERE ($1::text = '' OR status=$1)
		AND ($2::timestamptz IS NULL OR (submitted_at, eval_id) > ($2, $3))
		ORDER BY submitted_at ASC, eval_id ASC LIMIT $4`

	var cursorArg any
	if cursor == "" {
		cursorArg = nil
	} else {
		cursorArg = cursorTime
	}

	rows, err := r.Pool.Query(ctx, q, string(filter.Status), cursorArg, cursorID, limit+1)
	if err != nil {
		return domain.Page{}, fmt.Errorf("op=evaluations.list: %w", err)
	}
	defer rows.Close()

	var items []domain.Evaluation
	for rows.Next() {
		eval, err := scanEvaluation(rows)
		if err != nil {
			return domain.Page{}, fmt.Errorf("op=evaluations.list_scan: %w", err)
		}
		items = append(items, eval)
	}
	if err := rows.Err(); err != nil {
		return domain.Page{}, fmt.Errorf("op=evaluations.list_rows: %w", err)
	}

	page := domain.Page{Items: items}
	if len(items) > limit {
		last := items[limit-1]
		page.Items = items[:limit]
		page.NextCursor = encodeCursor(last.SubmittedAt, last.EvalID)
	}
	return page, nil
}

const evaluationSelectColumns = `SELECT eval_id, code, language, priority, timeout_ms, status, seq,
	COALESCE(worker_id,''), exit_code, COALESCE(error_kind,''),
	COALESCE(stdout,''), stdout_overflow, COALESCE(stdout_ref,''),
	COALESCE(stderr,''), stderr_overflow, COALESCE(stderr_ref,''),
	retry_count, COALESCE(idempotency_key,''), submitted_at, last_transition_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvaluation(row rowScanner) (domain.Evaluation, error) {
	var e domain.Evaluation
	if err := row.Scan(
		&e.EvalID, &e.Code, &e.Language, &e.Priority, &e.TimeoutMS, &e.Status, &e.Seq,
		&e.WorkerID, &e.ExitCode, &e.ErrorKind,
		&e.Stdout, &e.StdoutOverflow, &e.StdoutRef,
		&e.Stderr, &e.StderrOverflow, &e.StderrRef,
		&e.RetryCount, &e.IdempotencyKey, &e.SubmittedAt, &e.LastTransitionAt,
	); err != nil {
		return domain.Evaluation{}, err
	}
	return e, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func encodeCursor(t time.Time, id string) string {
	return fmt.Sprintf("%d:%s", t.UnixNano(), id)
}

func decodeCursor(cursor string) (time.Time, string, error) {
	var nanos int64
	var id string
	n, err := fmt.Sscanf(cursor, "%d:%s", &nanos, &id)
	if err != nil || n != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	return time.Unix(0, nanos).UTC(), id, nil
}

// ArtifactRepo implements domain.ArtifactStore over an overflow table for
// captured output exceeding OUTPUT_PREVIEW_BYTES. This is the "external
// blob store" named in the distilled spec, in this implementation a
// companion table behind the same port so a real object store can be
// substituted without touching the storage worker.
type ArtifactRepo struct{ Pool PgxPool }

// NewArtifactRepo constructs an ArtifactRepo with the given pool.
func NewArtifactRepo(p PgxPool) *ArtifactRepo { return &ArtifactRepo{Pool: p} }

// Put stores the full bytes and returns an opaque reference.
func (r *ArtifactRepo) Put(ctx domain.Context, evalID string, stream domain.LogStream, data []byte) (string, error) {
	tracer := otel.Tracer("repo.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.Put")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "evaluation_artifacts"),
	)

	ref := uuid.New().String()
	q := `INSERT INTO evaluation_artifacts (ref, eval_id, stream, data, created_at) VALUES ($1,$2,$3,$4,$5)`
	_, err := r.Pool.Exec(ctx, q, ref, evalID, string(stream), data, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=artifacts.put: %w", err)
	}
	return ref, nil
}

// Get retrieves full bytes for a previously stored reference.
func (r *ArtifactRepo) Get(ctx domain.Context, ref string) ([]byte, error) {
	tracer := otel.Tracer("repo.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "evaluation_artifacts"),
	)

	q := `SELECT data FROM evaluation_artifacts WHERE ref=$1`
	row := r.Pool.QueryRow(ctx, q, ref)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=artifacts.get: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=artifacts.get: %w", err)
	}
	return data, nil
}
