// Package token turns a stored connection into a usable bearer token,
// refreshing and rotating vaulted secrets as needed.
package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"tasksync/internal/config"
	"tasksync/internal/database"
	"tasksync/internal/logging"
	"tasksync/internal/metrics"
	"tasksync/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

var (
	// ErrNoConnection means the user never authorized the remote service.
	ErrNoConnection = errors.New("token: no connection")
	// ErrRefreshFailed means the connection needs re-authorization.
	ErrRefreshFailed = errors.New("token: refresh failed")
)

const DefaultExpiryMargin = 60 * time.Second

type ConnectionStore interface {
	GetConnection(ctx context.Context, userID int64) (*models.Connection, error)
	UpsertConnection(ctx context.Context, conn *models.Connection) error
	UpdateConnectionTokens(ctx context.Context, userID int64, accessHandle, refreshHandle string, expiresAt time.Time) error
	SetConnectionSyncEnabled(ctx context.Context, userID int64, enabled bool) error
	DeleteConnection(ctx context.Context, userID int64) error
}

type SecretVault interface {
	Store(ctx context.Context, secret []byte) (string, error)
	Retrieve(ctx context.Context, handle string) ([]byte, error)
	Delete(ctx context.Context, handle string) error
}

type Manager struct {
	store      ConnectionStore
	vault      SecretVault
	cfg        config.OAuthConfig
	margin     time.Duration
	httpClient *http.Client
	now        func() time.Time
	logger     zerolog.Logger
}

type Option func(*Manager)

// WithHTTPClient sets the client used to reach the token endpoint.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(store ConnectionStore, vault SecretVault, cfg config.OAuthConfig, logger *zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		vault:  vault,
		cfg:    cfg,
		margin: cfg.ExpiryMargin,
		now:    time.Now,
		logger: *logging.Component(logger, "token"),
	}
	if m.margin <= 0 {
		m.margin = DefaultExpiryMargin
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsFresh reports whether a token expiring at expiry is still usable at now
// with the given safety margin.
func IsFresh(expiry, now time.Time, margin time.Duration) bool {
	return expiry.Sub(now) > margin
}

// GetValidAccessToken returns a bearer token for userID, refreshing it when
// the cached one is about to expire.
func (m *Manager) GetValidAccessToken(ctx context.Context, userID int64) (string, error) {
	conn, err := m.store.GetConnection(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		return "", ErrNoConnection
	}
	if err != nil {
		return "", fmt.Errorf("load connection: %w", err)
	}

	if IsFresh(conn.AccessTokenExpiresAt, m.now(), m.margin) {
		access, err := m.vault.Retrieve(ctx, conn.AccessTokenHandle)
		if err == nil {
			return string(access), nil
		}
		m.logger.Warn().Err(err).Int64("user_id", userID).Msg("cached access token unreadable, refreshing")
	}

	return m.refresh(ctx, conn)
}

func (m *Manager) refresh(ctx context.Context, conn *models.Connection) (string, error) {
	log := m.logger.With().Int64("user_id", conn.UserID).Logger()

	refreshToken, err := m.vault.Retrieve(ctx, conn.RefreshTokenHandle)
	if err != nil {
		metrics.IncTokenRefresh(false)
		return "", fmt.Errorf("%w: refresh token unavailable: %v", ErrRefreshFailed, err)
	}

	oc := m.oauthConfig(conn.TenantID, conn.Scopes)
	tok, err := oc.TokenSource(m.clientContext(ctx), &oauth2.Token{RefreshToken: string(refreshToken)}).Token()
	if err != nil {
		metrics.IncTokenRefresh(false)
		log.Warn().Err(err).Msg("token refresh failed")
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	// some providers omit the refresh token when it was not rotated
	newRefresh := tok.RefreshToken
	if newRefresh == "" {
		newRefresh = string(refreshToken)
	}

	accessHandle, refreshHandle, err := m.storePair(ctx, tok.AccessToken, newRefresh)
	if err != nil {
		metrics.IncTokenRefresh(false)
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	expiresAt := m.expiry(tok)
	if err := m.store.UpdateConnectionTokens(ctx, conn.UserID, accessHandle, refreshHandle, expiresAt); err != nil {
		m.discard(ctx, accessHandle, refreshHandle)
		metrics.IncTokenRefresh(false)
		return "", fmt.Errorf("%w: persist rotated tokens: %v", ErrRefreshFailed, err)
	}
	m.discard(ctx, conn.AccessTokenHandle, conn.RefreshTokenHandle)

	metrics.IncTokenRefresh(true)
	log.Debug().Time("expires_at", expiresAt).Msg("access token refreshed")
	return tok.AccessToken, nil
}

// Connect creates or replaces the connection of userID from a completed
// authorization and enables sync for it.
func (m *Manager) Connect(ctx context.Context, userID int64, tenantID string, tok *oauth2.Token, scopes []string) (*models.Connection, error) {
	if tok == nil || tok.AccessToken == "" || tok.RefreshToken == "" {
		return nil, errors.New("token: access and refresh tokens are required")
	}
	if tenantID == "" {
		tenantID = m.cfg.DefaultTenant
	}
	if len(scopes) == 0 {
		scopes = m.cfg.Scopes
	}

	var previous *models.Connection
	if existing, err := m.store.GetConnection(ctx, userID); err == nil {
		previous = existing
	} else if !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("load connection: %w", err)
	}

	accessHandle, refreshHandle, err := m.storePair(ctx, tok.AccessToken, tok.RefreshToken)
	if err != nil {
		return nil, err
	}

	conn := &models.Connection{
		UserID:               userID,
		AccessTokenHandle:    accessHandle,
		RefreshTokenHandle:   refreshHandle,
		AccessTokenExpiresAt: m.expiry(tok),
		TenantID:             tenantID,
		Scopes:               scopes,
		SyncEnabled:          true,
	}
	if err := m.store.UpsertConnection(ctx, conn); err != nil {
		m.discard(ctx, accessHandle, refreshHandle)
		return nil, fmt.Errorf("save connection: %w", err)
	}
	if previous != nil {
		m.discard(ctx, previous.AccessTokenHandle, previous.RefreshTokenHandle)
	}

	m.logger.Info().Int64("user_id", userID).Str("tenant", tenantID).Msg("connection established")
	return conn, nil
}

// AuthCodeURL builds the authorization URL of a PKCE flow. The caller keeps
// verifier until Exchange.
func (m *Manager) AuthCodeURL(state, verifier string) string {
	oc := m.oauthConfig(m.cfg.DefaultTenant, nil)
	return oc.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier))
}

// GenerateVerifier returns a fresh PKCE code verifier.
func GenerateVerifier() string {
	return oauth2.GenerateVerifier()
}

// Exchange redeems an authorization code and connects userID.
func (m *Manager) Exchange(ctx context.Context, userID int64, tenantID, code, verifier string) (*models.Connection, error) {
	if tenantID == "" {
		tenantID = m.cfg.DefaultTenant
	}
	oc := m.oauthConfig(tenantID, nil)
	tok, err := oc.Exchange(m.clientContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	return m.Connect(ctx, userID, tenantID, tok, nil)
}

// Disconnect removes the connection and its vaulted secrets.
func (m *Manager) Disconnect(ctx context.Context, userID int64) error {
	conn, err := m.store.GetConnection(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load connection: %w", err)
	}
	if err := m.store.DeleteConnection(ctx, userID); err != nil {
		return err
	}
	m.discard(ctx, conn.AccessTokenHandle, conn.RefreshTokenHandle)
	m.logger.Info().Int64("user_id", userID).Msg("connection removed")
	return nil
}

func (m *Manager) SetSyncEnabled(ctx context.Context, userID int64, enabled bool) error {
	err := m.store.SetConnectionSyncEnabled(ctx, userID, enabled)
	if errors.Is(err, database.ErrNotFound) {
		return ErrNoConnection
	}
	return err
}

// SyncEnabled reports whether userID has a connection with sync turned on.
func (m *Manager) SyncEnabled(ctx context.Context, userID int64) (bool, error) {
	conn, err := m.store.GetConnection(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return conn.SyncEnabled, nil
}

func (m *Manager) storePair(ctx context.Context, access, refresh string) (string, string, error) {
	accessHandle, err := m.vault.Store(ctx, []byte(access))
	if err != nil {
		return "", "", fmt.Errorf("vault access token: %w", err)
	}
	refreshHandle, err := m.vault.Store(ctx, []byte(refresh))
	if err != nil {
		m.discard(ctx, accessHandle)
		return "", "", fmt.Errorf("vault refresh token: %w", err)
	}
	return accessHandle, refreshHandle, nil
}

func (m *Manager) discard(ctx context.Context, handles ...string) {
	for _, h := range handles {
		if err := m.vault.Delete(ctx, h); err != nil {
			m.logger.Warn().Err(err).Str("handle", h).Msg("failed to delete superseded secret")
		}
	}
}

func (m *Manager) expiry(tok *oauth2.Token) time.Time {
	exp := tok.Expiry
	if exp.IsZero() {
		exp = m.now().Add(time.Hour)
	}
	return exp.Add(-m.margin).UTC()
}

func (m *Manager) clientContext(ctx context.Context) context.Context {
	if m.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

func (m *Manager) oauthConfig(tenantID string, scopes []string) *oauth2.Config {
	if tenantID == "" {
		tenantID = m.cfg.DefaultTenant
	}
	if len(scopes) == 0 {
		scopes = m.cfg.Scopes
	}
	endpoint := microsoft.AzureADEndpoint(tenantID)
	if m.cfg.AuthURL != "" {
		endpoint.AuthURL = m.cfg.AuthURL
	}
	if m.cfg.TokenURL != "" {
		endpoint.TokenURL = m.cfg.TokenURL
	}
	return &oauth2.Config{
		ClientID:     m.cfg.ClientID,
		ClientSecret: m.cfg.ClientSecret,
		RedirectURL:  m.cfg.RedirectURL,
		Scopes:       scopes,
		Endpoint:     endpoint,
	}
}
