package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/hearth/internal/domain"
)

// staleJobAfter is how long a running job may go without an update before
// another worker may reclaim it.
const staleJobAfter = 10 * time.Minute

// ClaimNextJob implements store.JobQueue.
func (s *Store) ClaimNextJob(ctx context.Context, workerID string, now time.Time) (*domain.Job, error) {
	q := `
		UPDATE jobs
		SET status = 'running', attempts = attempts + 1, worker_id = $1, updated_at = $2
		WHERE id = (
			SELECT id FROM jobs
			WHERE (status = 'pending' AND scheduled_at <= $2)
			   OR (status = 'running' AND updated_at < $3)
			ORDER BY scheduled_at, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	return scanJob(s.pool.QueryRow(ctx, q, workerID, now.UTC(), now.Add(-staleJobAfter).UTC()))
}

// CompleteJob implements store.JobQueue.
func (s *Store) CompleteJob(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET status = 'completed', updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

// FailJob implements store.JobQueue.
func (s *Store) FailJob(ctx context.Context, id uuid.UUID, errMsg string, retryAt *time.Time) error {
	var err error
	if retryAt == nil {
		_, err = s.pool.Exec(ctx,
			`UPDATE jobs SET status = 'failed', last_error = $2, updated_at = now() WHERE id = $1`,
			id, errMsg)
	} else {
		_, err = s.pool.Exec(ctx,
			`UPDATE jobs SET status = 'pending', last_error = $2, scheduled_at = $3, updated_at = now() WHERE id = $1`,
			id, errMsg, retryAt.UTC())
	}
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return nil
}
