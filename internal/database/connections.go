package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tasksync/internal/models"
)

const connectionColumns = `user_id, access_token_handle, refresh_token_handle, access_token_expires_at,
	tenant_id, scopes, sync_enabled, created_at, updated_at`

// UpsertConnection creates or replaces the connection of conn.UserID.
func (db *DB) UpsertConnection(ctx context.Context, conn *models.Connection) error {
	now := time.Now().UTC()
	query := `INSERT INTO connections (` + connectionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			access_token_handle = excluded.access_token_handle,
			refresh_token_handle = excluded.refresh_token_handle,
			access_token_expires_at = excluded.access_token_expires_at,
			tenant_id = excluded.tenant_id,
			scopes = excluded.scopes,
			sync_enabled = excluded.sync_enabled,
			updated_at = excluded.updated_at`
	_, err := db.ExecContext(ctx, query,
		conn.UserID,
		conn.AccessTokenHandle,
		conn.RefreshTokenHandle,
		conn.AccessTokenExpiresAt.UTC(),
		conn.TenantID,
		conn.ScopesString(),
		conn.SyncEnabled,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert connection: %w", err)
	}
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	conn.UpdatedAt = now
	return nil
}

func (db *DB) GetConnection(ctx context.Context, userID int64) (*models.Connection, error) {
	row := db.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM connections WHERE user_id = ?`, userID)
	conn, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return conn, nil
}

// UpdateConnectionTokens records rotated token handles and the new expiry.
func (db *DB) UpdateConnectionTokens(ctx context.Context, userID int64, accessHandle, refreshHandle string, expiresAt time.Time) error {
	res, err := db.ExecContext(ctx, `UPDATE connections
		SET access_token_handle = ?, refresh_token_handle = ?, access_token_expires_at = ?, updated_at = ?
		WHERE user_id = ?`,
		accessHandle, refreshHandle, expiresAt.UTC(), time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to update connection tokens: %w", err)
	}
	return expectAffected(res)
}

func (db *DB) SetConnectionSyncEnabled(ctx context.Context, userID int64, enabled bool) error {
	res, err := db.ExecContext(ctx, `UPDATE connections SET sync_enabled = ?, updated_at = ? WHERE user_id = ?`,
		enabled, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to update sync flag: %w", err)
	}
	return expectAffected(res)
}

func (db *DB) DeleteConnection(ctx context.Context, userID int64) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM connections WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	return nil
}

// ListSyncEnabledConnections returns every connection with sync turned on.
func (db *DB) ListSyncEnabledConnections(ctx context.Context) ([]models.Connection, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+connectionColumns+` FROM connections WHERE sync_enabled = 1 ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var conns []models.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conns = append(conns, *conn)
	}
	return conns, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConnection(row rowScanner) (*models.Connection, error) {
	var (
		c      models.Connection
		scopes string
	)
	if err := row.Scan(
		&c.UserID, &c.AccessTokenHandle, &c.RefreshTokenHandle, &c.AccessTokenExpiresAt,
		&c.TenantID, &scopes, &c.SyncEnabled, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	c.Scopes = models.ParseScopes(scopes)
	c.AccessTokenExpiresAt = c.AccessTokenExpiresAt.UTC()
	return &c, nil
}

func expectAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
