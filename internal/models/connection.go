package models

import (
	"strings"
	"time"
)

// Connection links a local user to the remote task service. Secrets are held
// by the vault; only their handles live here.
type Connection struct {
	UserID               int64     `json:"user_id"`
	AccessTokenHandle    string    `json:"-"`
	RefreshTokenHandle   string    `json:"-"`
	AccessTokenExpiresAt time.Time `json:"access_token_expires_at"`
	TenantID             string    `json:"tenant_id"`
	Scopes               []string  `json:"scopes"`
	SyncEnabled          bool      `json:"sync_enabled"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// ScopesString joins scopes the way they are persisted.
func (c *Connection) ScopesString() string {
	return strings.Join(c.Scopes, " ")
}

// ParseScopes splits a persisted scope string.
func ParseScopes(raw string) []string {
	return strings.Fields(raw)
}
