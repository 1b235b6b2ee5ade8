package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tasksync/internal/models"
)

// The planner owns projects and tasks; these helpers expose the slice of
// them the sync engine reads and writes.

const (
	projectColumns = `id, user_id, name, status, created_at, updated_at`
	taskColumns    = `t.id, t.project_id, t.user_id, t.name, t.due_date, t.priority, t.is_completed, t.created_at, t.updated_at`
)

func (db *DB) CreateProject(ctx context.Context, p *models.Project) error {
	now := time.Now().UTC()
	if p.Status == "" {
		p.Status = models.ProjectActive
	}
	res, err := db.ExecContext(ctx, `INSERT INTO projects (user_id, name, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		p.UserID, p.Name, p.Status, now, now)
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	p.ID = id
	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

func (db *DB) GetProject(ctx context.Context, id int64) (*models.Project, error) {
	var p models.Project
	err := db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.UserID, &p.Name, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return &p, nil
}

func (db *DB) ListProjectsByUser(ctx context.Context, userID int64) ([]models.Project, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []models.Project
	for rows.Next() {
		var p models.Project
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (db *DB) UpdateProject(ctx context.Context, p *models.Project) error {
	p.UpdatedAt = time.Now().UTC()
	res, err := db.ExecContext(ctx, `UPDATE projects SET name = ?, status = ?, updated_at = ? WHERE id = ?`,
		p.Name, p.Status, p.UpdatedAt, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}
	return expectAffected(res)
}

func (db *DB) DeleteProject(ctx context.Context, id int64) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	return nil
}

func (db *DB) CreateTask(ctx context.Context, t *models.Task) error {
	now := time.Now().UTC()
	t.Priority = models.NormalizePriority(t.Priority)
	res, err := db.ExecContext(ctx, `INSERT INTO tasks
			(project_id, user_id, name, due_date, priority, is_completed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ProjectID, t.UserID, t.Name, nullableTime(t.DueDate), t.Priority, t.IsCompleted, now, now)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	t.ID = id
	t.CreatedAt = now
	t.UpdatedAt = now
	return nil
}

func (db *DB) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	tasks, err := db.listTasks(ctx, `SELECT `+taskColumns+` FROM tasks t WHERE t.id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, ErrNotFound
	}
	return &tasks[0], nil
}

// UpdateTaskFields overwrites the mirrored fields of a task.
func (db *DB) UpdateTaskFields(ctx context.Context, id int64, f models.TaskFields) error {
	res, err := db.ExecContext(ctx, `UPDATE tasks
		SET name = ?, due_date = ?, priority = ?, is_completed = ?, updated_at = ? WHERE id = ?`,
		f.Name, nullableTime(f.DueDate), models.NormalizePriority(f.Priority), f.IsCompleted, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return expectAffected(res)
}

func (db *DB) DeleteTask(ctx context.Context, id int64) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

func (db *DB) ListTasksByProject(ctx context.Context, projectID int64) ([]models.Task, error) {
	return db.listTasks(ctx, `SELECT `+taskColumns+` FROM tasks t WHERE t.project_id = ? ORDER BY t.id`, projectID)
}

// ListUnsyncedTasks returns the tasks of a project without a remote twin.
func (db *DB) ListUnsyncedTasks(ctx context.Context, projectID int64) ([]models.Task, error) {
	return db.listTasks(ctx, `SELECT `+taskColumns+` FROM tasks t
		LEFT JOIN task_sync_states s ON s.task_id = t.id
		WHERE t.project_id = ? AND s.task_id IS NULL ORDER BY t.id`, projectID)
}

func (db *DB) listTasks(ctx context.Context, query string, args ...interface{}) ([]models.Task, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		var (
			t   models.Task
			due sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.UserID, &t.Name, &due, &t.Priority, &t.IsCompleted, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t.DueDate = timePtr(due)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
