package models

import "time"

// Project is the local planner project as seen by the sync engine.
type Project struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Task is the local planner task as seen by the sync engine.
type Task struct {
	ID          int64      `json:"id"`
	ProjectID   int64      `json:"project_id"`
	UserID      int64      `json:"user_id"`
	Name        string     `json:"name"`
	DueDate     *time.Time `json:"due_date"`
	Priority    string     `json:"priority"`
	IsCompleted bool       `json:"is_completed"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TaskFields are the fields mirrored between local and remote copies.
type TaskFields struct {
	Name        string
	DueDate     *time.Time
	Priority    string
	IsCompleted bool
}

// Fields extracts the mirrored fields.
func (t *Task) Fields() TaskFields {
	return TaskFields{Name: t.Name, DueDate: t.DueDate, Priority: t.Priority, IsCompleted: t.IsCompleted}
}

// Equal compares mirrored fields; due dates compare by calendar day.
func (f TaskFields) Equal(o TaskFields) bool {
	if f.Name != o.Name || NormalizePriority(f.Priority) != NormalizePriority(o.Priority) || f.IsCompleted != o.IsCompleted {
		return false
	}
	if (f.DueDate == nil) != (o.DueDate == nil) {
		return false
	}
	if f.DueDate == nil {
		return true
	}
	return f.DueDate.UTC().Format("2006-01-02") == o.DueDate.UTC().Format("2006-01-02")
}
