package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"tasksync/internal/models"
)

const jobColumns = `id, user_id, task_id, project_id, action, payload, status, scheduled_at,
	attempts, claim_token, claimed_at, last_error, created_at, completed_at`

// InsertJob adds a pending job. A second pending full_sync for the same user
// is rejected by the partial unique index and reported as ErrDuplicateJob.
func (db *DB) InsertJob(ctx context.Context, job *models.SyncJob) error {
	if !models.IsValidAction(job.Action) {
		return fmt.Errorf("unknown job action %q", job.Action)
	}
	now := time.Now().UTC()
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = now
	}
	if job.Payload == "" {
		job.Payload = "{}"
	}

	res, err := db.ExecContext(ctx, `INSERT INTO sync_jobs
			(user_id, task_id, project_id, action, payload, status, scheduled_at, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?, 0, ?)`,
		job.UserID, job.TaskID, job.ProjectID, job.Action, job.Payload, job.ScheduledAt.UTC(), now)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateJob
		}
		return fmt.Errorf("failed to insert sync job: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	job.ID = id
	job.Status = models.JobPending
	job.Attempts = 0
	job.CreatedAt = now
	return nil
}

// EnqueueJob inserts job and reports whether a row was created. A duplicate
// pending full_sync is a silent no-op.
func (db *DB) EnqueueJob(ctx context.Context, job *models.SyncJob) (bool, error) {
	err := db.InsertJob(ctx, job)
	if errors.Is(err, ErrDuplicateJob) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ClaimPendingJobs moves up to limit due pending jobs to processing under
// claimToken in one statement and returns them in scheduled order.
func (db *DB) ClaimPendingJobs(ctx context.Context, claimToken string, limit int, now time.Time) ([]models.SyncJob, error) {
	if limit <= 0 {
		limit = models.DefaultClaimBatch
	}
	if limit > models.MaxClaimBatch {
		limit = models.MaxClaimBatch
	}
	now = now.UTC()

	var claimed []int64
	err := retryOnBusy(ctx, 5, func() error {
		claimed = claimed[:0]
		rows, err := db.QueryContext(ctx, `UPDATE sync_jobs
			SET status = 'processing', claim_token = ?, claimed_at = ?, attempts = attempts + 1
			WHERE status = 'pending' AND id IN (
				SELECT id FROM sync_jobs
				WHERE status = 'pending' AND scheduled_at <= ?
				ORDER BY scheduled_at, id
				LIMIT ?
			)
			RETURNING id`, claimToken, now, now, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			claimed = append(claimed, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim sync jobs: %w", err)
	}
	if len(claimed) == 0 {
		return nil, nil
	}

	jobs, err := db.listJobs(ctx, `SELECT `+jobColumns+` FROM sync_jobs
		WHERE claim_token = ? AND status = 'processing'`, claimToken)
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].ScheduledAt.Equal(jobs[j].ScheduledAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].ScheduledAt.Before(jobs[j].ScheduledAt)
	})
	return jobs, nil
}

// CompleteJob marks a claimed job completed. ErrNotFound means the claim was
// lost, for example to stale recovery.
func (db *DB) CompleteJob(ctx context.Context, id int64, claimToken string, now time.Time) error {
	res, err := db.ExecContext(ctx, `UPDATE sync_jobs
		SET status = 'completed', completed_at = ?, last_error = NULL
		WHERE id = ? AND claim_token = ? AND status = 'processing'`, now.UTC(), id, claimToken)
	if err != nil {
		return fmt.Errorf("failed to complete sync job: %w", err)
	}
	return expectAffected(res)
}

// FailJob marks a claimed job failed and records the error.
func (db *DB) FailJob(ctx context.Context, id int64, claimToken, lastError string, now time.Time) error {
	res, err := db.ExecContext(ctx, `UPDATE sync_jobs
		SET status = 'failed', completed_at = ?, last_error = ?
		WHERE id = ? AND claim_token = ? AND status = 'processing'`, now.UTC(), lastError, id, claimToken)
	if err != nil {
		return fmt.Errorf("failed to fail sync job: %w", err)
	}
	return expectAffected(res)
}

// ReleaseJobs returns claimed but unprocessed jobs to pending without
// counting the attempt. A released full_sync that collides with a newer
// pending one is dropped.
func (db *DB) ReleaseJobs(ctx context.Context, claimToken string, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, claimToken)
	for _, id := range ids {
		args = append(args, id)
	}
	in := placeholders(len(ids))

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin release: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE OR IGNORE sync_jobs
		SET status = 'pending', claim_token = NULL, claimed_at = NULL, attempts = MAX(attempts - 1, 0)
		WHERE claim_token = ? AND status = 'processing' AND id IN (`+in+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to release sync jobs: %w", err)
	}
	released, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_jobs
		WHERE claim_token = ? AND status = 'processing' AND action = 'full_sync' AND id IN (`+in+`)`, args...); err != nil {
		return 0, fmt.Errorf("failed to drop duplicate full syncs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit release: %w", err)
	}
	return released, nil
}

// RecoverStaleJobs returns processing jobs claimed before olderThan to pending.
func (db *DB) RecoverStaleJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	cutoff := olderThan.UTC()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin stale recovery: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE OR IGNORE sync_jobs
		SET status = 'pending', claim_token = NULL, claimed_at = NULL
		WHERE status = 'processing' AND claimed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale jobs: %w", err)
	}
	recovered, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_jobs
		WHERE status = 'processing' AND claimed_at < ? AND action = 'full_sync'`, cutoff); err != nil {
		return 0, fmt.Errorf("failed to drop stale duplicate full syncs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit stale recovery: %w", err)
	}
	return recovered, nil
}

// RequeueFailedJobs returns failed jobs below maxAttempts to pending.
func (db *DB) RequeueFailedJobs(ctx context.Context, maxAttempts int, now time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `UPDATE OR IGNORE sync_jobs
		SET status = 'pending', scheduled_at = ?, claim_token = NULL, claimed_at = NULL, completed_at = NULL
		WHERE status = 'failed' AND attempts < ?`, now.UTC(), maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue failed jobs: %w", err)
	}
	return res.RowsAffected()
}

// DeletePendingTaskJobs removes pending per-task jobs of a project.
func (db *DB) DeletePendingTaskJobs(ctx context.Context, projectID int64) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM sync_jobs
		WHERE project_id = ? AND status = 'pending' AND action IN ('create', 'update', 'delete')`, projectID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete pending task jobs: %w", err)
	}
	return res.RowsAffected()
}

func (db *DB) GetJob(ctx context.Context, id int64) (*models.SyncJob, error) {
	jobs, err := db.listJobs(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrNotFound
	}
	return &jobs[0], nil
}

// ListJobsByStatus returns jobs with status in scheduled order.
func (db *DB) ListJobsByStatus(ctx context.Context, status string, limit int) ([]models.SyncJob, error) {
	if limit <= 0 {
		limit = 100
	}
	return db.listJobs(ctx, `SELECT `+jobColumns+` FROM sync_jobs
		WHERE status = ? ORDER BY scheduled_at, id LIMIT ?`, status, limit)
}

func (db *DB) ListFailedJobs(ctx context.Context, limit int) ([]models.SyncJob, error) {
	return db.ListJobsByStatus(ctx, models.JobFailed, limit)
}

// GetQueueStats counts jobs per status and reports the oldest pending job.
func (db *DB) GetQueueStats(ctx context.Context, now time.Time) (*models.QueueStats, error) {
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count sync jobs: %w", err)
	}
	stats := &models.QueueStats{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		switch status {
		case models.JobPending:
			stats.Pending = n
		case models.JobProcessing:
			stats.Processing = n
		case models.JobCompleted:
			stats.Completed = n
		case models.JobFailed:
			stats.Failed = n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var oldest time.Time
	err = db.QueryRowContext(ctx, `SELECT scheduled_at FROM sync_jobs
		WHERE status = 'pending' ORDER BY scheduled_at LIMIT 1`).Scan(&oldest)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to read oldest pending job: %w", err)
	default:
		oldest = oldest.UTC()
		stats.OldestPendingAt = &oldest
		if age := now.Sub(oldest); age > 0 {
			stats.OldestPendingAge = age.Truncate(time.Second).String()
		}
	}
	return stats, nil
}

// OldestPendingAge returns how long the oldest pending job has waited, or 0.
func (db *DB) OldestPendingAge(ctx context.Context, now time.Time) (time.Duration, error) {
	stats, err := db.GetQueueStats(ctx, now)
	if err != nil {
		return 0, err
	}
	if stats.OldestPendingAt == nil {
		return 0, nil
	}
	if age := now.Sub(*stats.OldestPendingAt); age > 0 {
		return age, nil
	}
	return 0, nil
}

func (db *DB) listJobs(ctx context.Context, query string, args ...interface{}) ([]models.SyncJob, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.SyncJob
	for rows.Next() {
		var (
			j                      models.SyncJob
			taskID, projectID      sql.NullInt64
			claimToken, lastError  sql.NullString
			claimedAt, completedAt sql.NullTime
		)
		if err := rows.Scan(
			&j.ID, &j.UserID, &taskID, &projectID, &j.Action, &j.Payload, &j.Status, &j.ScheduledAt,
			&j.Attempts, &claimToken, &claimedAt, &lastError, &j.CreatedAt, &completedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan sync job: %w", err)
		}
		j.TaskID = int64Ptr(taskID)
		j.ProjectID = int64Ptr(projectID)
		j.ClaimToken = stringPtr(claimToken)
		j.ClaimedAt = timePtr(claimedAt)
		j.LastError = stringPtr(lastError)
		j.CompletedAt = timePtr(completedAt)
		j.ScheduledAt = j.ScheduledAt.UTC()
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
