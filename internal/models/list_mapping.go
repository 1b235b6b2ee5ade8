package models

import "time"

// ListMapping associates one local project with one remote task list.
type ListMapping struct {
	ID                    int64      `json:"id"`
	UserID                int64      `json:"user_id"`
	ProjectID             int64      `json:"project_id"`
	RemoteListID          *string    `json:"remote_list_id"`
	RemoteETag            *string    `json:"remote_etag"`
	IsActive              bool       `json:"is_active"`
	SubscriptionID        *string    `json:"subscription_id"`
	SubscriptionExpiresAt *time.Time `json:"subscription_expires_at"`
	DeltaCursor           *string    `json:"-"`
	LastSyncedAt          *time.Time `json:"last_synced_at"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// ListID returns the remote list id or an empty string.
func (m *ListMapping) ListID() string {
	if m == nil || m.RemoteListID == nil {
		return ""
	}
	return *m.RemoteListID
}

// Cursor returns the stored delta continuation URL or an empty string.
func (m *ListMapping) Cursor() string {
	if m == nil || m.DeltaCursor == nil {
		return ""
	}
	return *m.DeltaCursor
}

// HasSubscription reports whether a push subscription is recorded.
func (m *ListMapping) HasSubscription() bool {
	return m != nil && m.SubscriptionID != nil && *m.SubscriptionID != ""
}
