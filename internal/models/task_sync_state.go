package models

import "time"

// TaskSyncState records the remote twin of a pushed local task.
type TaskSyncState struct {
	TaskID       int64     `json:"task_id"`
	UserID       int64     `json:"user_id"`
	ProjectID    int64     `json:"project_id"`
	RemoteItemID string    `json:"remote_item_id"`
	RemoteETag   string    `json:"remote_etag"`
	UpdatedAt    time.Time `json:"updated_at"`
}
