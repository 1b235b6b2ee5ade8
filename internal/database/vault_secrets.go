package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PutSecret stores a sealed secret under handle.
func (db *DB) PutSecret(ctx context.Context, handle string, nonce, ciphertext []byte) error {
	_, err := db.ExecContext(ctx, `INSERT INTO vault_secrets (handle, nonce, ciphertext, created_at) VALUES (?, ?, ?, ?)`,
		handle, nonce, ciphertext, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store secret: %w", err)
	}
	return nil
}

func (db *DB) GetSecret(ctx context.Context, handle string) (nonce, ciphertext []byte, err error) {
	err = db.QueryRowContext(ctx, `SELECT nonce, ciphertext FROM vault_secrets WHERE handle = ?`, handle).
		Scan(&nonce, &ciphertext)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load secret: %w", err)
	}
	return nonce, ciphertext, nil
}

// DeleteSecret removes handle; an absent handle is not an error.
func (db *DB) DeleteSecret(ctx context.Context, handle string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM vault_secrets WHERE handle = ?`, handle); err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	return nil
}
