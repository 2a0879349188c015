package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CleanupService handles data retention and cleanup
type CleanupService struct {
	Pool       *pgxpool.Pool
	RetentionDays int
}

// NewCleanupService creates a new cleanup service
func NewCleanupService(pool *pgxpool.Pool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90 // default 90 days
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData removes terminal evaluations and their overflow artifacts
// older than the retention period. This is the out-of-band administrative
// purge the store itself never performs on its own: a terminal evaluation
// is kept until this sweep runs, however long that is, independent of any
// in-band lifecycle transition.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)

	// Start transaction for consistency
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("cleanup begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Delete overflow artifacts belonging to evaluations about to be purged
	var deletedArtifacts int64
	err = tx.QueryRow(ctx, `
		WITH d AS (
			DELETE FROM evaluation_artifacts
			WHERE eval_id IN (
				SELECT eval_id FROM evaluations
				WHERE submitted_at < $1
				AND status IN ('succeeded','failed','cancelled','timed_out')
			)
			RETURNING 1
		)
		SELECT count(*) FROM d
	`, cutoff).Scan(&deletedArtifacts)
	if err != nil {
		slog.Debug("no artifacts to delete", slog.Any("error", err))
	}

	// Delete old terminal evaluations. Non-terminal evaluations are never
	// purged regardless of age, since a queued or running record still
	// has a live broker lease or in-flight sandbox job.
	var deletedEvaluations int64
	err = tx.QueryRow(ctx, `
		WITH d AS (
			DELETE FROM evaluations
			WHERE submitted_at < $1
			AND status IN ('succeeded','failed','cancelled','timed_out')
			RETURNING 1
		)
		SELECT count(*) FROM d
	`, cutoff).Scan(&deletedEvaluations)
	if err != nil {
		slog.Debug("no evaluations to delete", slog.Any("error", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("cleanup commit: %w", err)
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_evaluations", deletedEvaluations),
		slog.Int64("deleted_artifacts", deletedArtifacts),
		slog.Time("cutoff", cutoff),
	)

	return nil
}

// RunPeriodic starts a periodic cleanup job
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour // daily by default
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run initial cleanup
	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
