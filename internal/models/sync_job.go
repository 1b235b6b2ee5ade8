package models

import "time"

// SyncJob is a row of the durable sync queue.
type SyncJob struct {
	ID          int64      `json:"id"`
	UserID      int64      `json:"user_id"`
	TaskID      *int64     `json:"task_id"`
	ProjectID   *int64     `json:"project_id"`
	Action      string     `json:"action"`
	Payload     string     `json:"payload"`
	Status      string     `json:"status"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	Attempts    int        `json:"attempts"`
	ClaimToken  *string    `json:"-"`
	ClaimedAt   *time.Time `json:"claimed_at"`
	LastError   *string    `json:"last_error"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// JobPayload is persisted in SyncJob.Payload as JSON. Delete jobs carry a
// snapshot of the remote ids because the local rows may already be gone.
type JobPayload struct {
	TaskID       int64  `json:"task_id,omitempty"`
	ProjectID    int64  `json:"project_id,omitempty"`
	RemoteListID string `json:"remote_list_id,omitempty"`
	RemoteItemID string `json:"remote_item_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// QueueStats summarises queue health.
type QueueStats struct {
	Pending          int        `json:"pending"`
	Processing       int        `json:"processing"`
	Completed        int        `json:"completed"`
	Failed           int        `json:"failed"`
	OldestPendingAt  *time.Time `json:"oldest_pending_at"`
	OldestPendingAge string     `json:"oldest_pending_age,omitempty"`
}
