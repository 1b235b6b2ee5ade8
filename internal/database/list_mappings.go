package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tasksync/internal/models"
)

const mappingColumns = `id, user_id, project_id, remote_list_id, remote_etag, is_active,
	subscription_id, subscription_expires_at, delta_cursor, last_synced_at, created_at, updated_at`

// GetMapping returns the mapping of a project regardless of its active flag.
func (db *DB) GetMapping(ctx context.Context, userID, projectID int64) (*models.ListMapping, error) {
	return db.getMapping(ctx, `SELECT `+mappingColumns+` FROM list_mappings WHERE user_id = ? AND project_id = ?`, userID, projectID)
}

// GetActiveMapping returns the active mapping of a project or ErrNotFound.
func (db *DB) GetActiveMapping(ctx context.Context, userID, projectID int64) (*models.ListMapping, error) {
	return db.getMapping(ctx, `SELECT `+mappingColumns+` FROM list_mappings
		WHERE user_id = ? AND project_id = ? AND is_active = 1 AND remote_list_id IS NOT NULL`, userID, projectID)
}

func (db *DB) GetMappingByID(ctx context.Context, id int64) (*models.ListMapping, error) {
	return db.getMapping(ctx, `SELECT `+mappingColumns+` FROM list_mappings WHERE id = ?`, id)
}

// GetMappingBySubscription resolves a push subscription id to its active mapping.
func (db *DB) GetMappingBySubscription(ctx context.Context, subscriptionID string) (*models.ListMapping, error) {
	return db.getMapping(ctx, `SELECT `+mappingColumns+` FROM list_mappings
		WHERE subscription_id = ? AND is_active = 1`, subscriptionID)
}

func (db *DB) getMapping(ctx context.Context, query string, args ...interface{}) (*models.ListMapping, error) {
	m, err := scanMapping(db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get list mapping: %w", err)
	}
	return m, nil
}

// UpsertActiveMapping binds the project to remoteListID and marks the mapping
// active. Cursor and subscription are reset because they belong to the
// previous list, if any.
func (db *DB) UpsertActiveMapping(ctx context.Context, userID, projectID int64, remoteListID string, remoteETag *string) (*models.ListMapping, error) {
	now := time.Now().UTC()
	_, err := db.ExecContext(ctx, `INSERT INTO list_mappings
			(user_id, project_id, remote_list_id, remote_etag, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(user_id, project_id) DO UPDATE SET
			remote_list_id = excluded.remote_list_id,
			remote_etag = excluded.remote_etag,
			is_active = 1,
			subscription_id = NULL,
			subscription_expires_at = NULL,
			delta_cursor = NULL,
			updated_at = excluded.updated_at`,
		userID, projectID, remoteListID, nullableString(remoteETag), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert list mapping: %w", err)
	}
	return db.GetMapping(ctx, userID, projectID)
}

// ListActiveMappings returns the active mappings of a user.
func (db *DB) ListActiveMappings(ctx context.Context, userID int64) ([]models.ListMapping, error) {
	return db.listMappings(ctx, `SELECT `+mappingColumns+` FROM list_mappings
		WHERE user_id = ? AND is_active = 1 AND remote_list_id IS NOT NULL ORDER BY id`, userID)
}

// ListMappingsExpiringBefore returns active mappings whose subscription
// expires at or before t.
func (db *DB) ListMappingsExpiringBefore(ctx context.Context, t time.Time) ([]models.ListMapping, error) {
	return db.listMappings(ctx, `SELECT `+mappingColumns+` FROM list_mappings
		WHERE is_active = 1 AND subscription_id IS NOT NULL AND subscription_expires_at <= ?
		ORDER BY subscription_expires_at, id`, t.UTC())
}

// ListMappingsWithoutSubscription returns active mappings that have no push
// subscription yet.
func (db *DB) ListMappingsWithoutSubscription(ctx context.Context) ([]models.ListMapping, error) {
	return db.listMappings(ctx, `SELECT `+mappingColumns+` FROM list_mappings
		WHERE is_active = 1 AND remote_list_id IS NOT NULL AND subscription_id IS NULL ORDER BY id`)
}

func (db *DB) listMappings(ctx context.Context, query string, args ...interface{}) ([]models.ListMapping, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	defer rows.Close()

	var out []models.ListMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan list mapping: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// UpdateMappingCursor stores the delta continuation and the sync time.
func (db *DB) UpdateMappingCursor(ctx context.Context, id int64, cursor string, syncedAt time.Time) error {
	res, err := db.ExecContext(ctx, `UPDATE list_mappings SET delta_cursor = ?, last_synced_at = ?, updated_at = ? WHERE id = ?`,
		cursor, syncedAt.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update delta cursor: %w", err)
	}
	return expectAffected(res)
}

func (db *DB) ClearMappingCursor(ctx context.Context, id int64) error {
	if _, err := db.ExecContext(ctx, `UPDATE list_mappings SET delta_cursor = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to clear delta cursor: %w", err)
	}
	return nil
}

// UpdateMappingSubscription records (or clears, with nil) the push subscription.
func (db *DB) UpdateMappingSubscription(ctx context.Context, id int64, subscriptionID *string, expiresAt *time.Time) error {
	res, err := db.ExecContext(ctx, `UPDATE list_mappings
		SET subscription_id = ?, subscription_expires_at = ?, updated_at = ? WHERE id = ?`,
		nullableString(subscriptionID), nullableTime(expiresAt), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	return expectAffected(res)
}

// DeactivateMapping clears every remote reference and marks the mapping inactive.
func (db *DB) DeactivateMapping(ctx context.Context, id int64) error {
	res, err := db.ExecContext(ctx, `UPDATE list_mappings
		SET remote_list_id = NULL, remote_etag = NULL, subscription_id = NULL,
			subscription_expires_at = NULL, delta_cursor = NULL, is_active = 0, updated_at = ?
		WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to deactivate list mapping: %w", err)
	}
	return expectAffected(res)
}

func scanMapping(row rowScanner) (*models.ListMapping, error) {
	var (
		m                           models.ListMapping
		listID, etag, subID, cursor sql.NullString
		subExpires, lastSynced      sql.NullTime
	)
	if err := row.Scan(
		&m.ID, &m.UserID, &m.ProjectID, &listID, &etag, &m.IsActive,
		&subID, &subExpires, &cursor, &lastSynced, &m.CreatedAt, &m.UpdatedAt,
	); err != nil {
		return nil, err
	}
	m.RemoteListID = stringPtr(listID)
	m.RemoteETag = stringPtr(etag)
	m.SubscriptionID = stringPtr(subID)
	m.SubscriptionExpiresAt = timePtr(subExpires)
	m.DeltaCursor = stringPtr(cursor)
	m.LastSyncedAt = timePtr(lastSynced)
	return &m, nil
}
