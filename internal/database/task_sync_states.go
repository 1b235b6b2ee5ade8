package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tasksync/internal/models"
)

const stateColumns = `task_id, user_id, project_id, remote_item_id, remote_etag, updated_at`

func (db *DB) GetTaskSyncState(ctx context.Context, taskID int64) (*models.TaskSyncState, error) {
	return db.getState(ctx, `SELECT `+stateColumns+` FROM task_sync_states WHERE task_id = ?`, taskID)
}

func (db *DB) GetTaskSyncStateByRemoteID(ctx context.Context, remoteItemID string) (*models.TaskSyncState, error) {
	return db.getState(ctx, `SELECT `+stateColumns+` FROM task_sync_states WHERE remote_item_id = ?`, remoteItemID)
}

func (db *DB) getState(ctx context.Context, query string, arg interface{}) (*models.TaskSyncState, error) {
	var s models.TaskSyncState
	err := db.QueryRowContext(ctx, query, arg).
		Scan(&s.TaskID, &s.UserID, &s.ProjectID, &s.RemoteItemID, &s.RemoteETag, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task sync state: %w", err)
	}
	return &s, nil
}

// UpsertTaskSyncState records the remote twin of a local task.
func (db *DB) UpsertTaskSyncState(ctx context.Context, s *models.TaskSyncState) error {
	s.UpdatedAt = time.Now().UTC()
	_, err := db.ExecContext(ctx, `INSERT INTO task_sync_states (`+stateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			project_id = excluded.project_id,
			remote_item_id = excluded.remote_item_id,
			remote_etag = excluded.remote_etag,
			updated_at = excluded.updated_at`,
		s.TaskID, s.UserID, s.ProjectID, s.RemoteItemID, s.RemoteETag, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert task sync state: %w", err)
	}
	return nil
}

func (db *DB) UpdateTaskSyncETag(ctx context.Context, taskID int64, etag string) error {
	res, err := db.ExecContext(ctx, `UPDATE task_sync_states SET remote_etag = ?, updated_at = ? WHERE task_id = ?`,
		etag, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("failed to update remote etag: %w", err)
	}
	return expectAffected(res)
}

func (db *DB) DeleteTaskSyncState(ctx context.Context, taskID int64) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM task_sync_states WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("failed to delete task sync state: %w", err)
	}
	return nil
}

// DeleteTaskSyncStatesByProject drops every state row of a project.
func (db *DB) DeleteTaskSyncStatesByProject(ctx context.Context, projectID int64) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM task_sync_states WHERE project_id = ?`, projectID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete project sync states: %w", err)
	}
	return res.RowsAffected()
}

func (db *DB) CountTaskSyncStates(ctx context.Context, projectID int64) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_sync_states WHERE project_id = ?`, projectID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count task sync states: %w", err)
	}
	return n, nil
}
