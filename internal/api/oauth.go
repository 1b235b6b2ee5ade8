package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"tasksync/internal/models"
	"tasksync/internal/syncer"
	"tasksync/internal/token"

	"github.com/google/uuid"
)

const authStateTTL = 10 * time.Minute

type ConnectionManager interface {
	AuthCodeURL(state, verifier string) string
	Exchange(ctx context.Context, userID int64, tenantID, code, verifier string) (*models.Connection, error)
	Disconnect(ctx context.Context, userID int64) error
	SetSyncEnabled(ctx context.Context, userID int64, enabled bool) error
}

type pendingAuth struct {
	userID   int64
	tenantID string
	verifier string
	expires  time.Time
}

// authStates holds in-flight authorization requests keyed by state.
type authStates struct {
	mu      sync.Mutex
	pending map[string]pendingAuth
}

func newAuthStates() *authStates {
	return &authStates{pending: make(map[string]pendingAuth)}
}

func (a *authStates) put(state string, p pendingAuth, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, v := range a.pending {
		if now.After(v.expires) {
			delete(a.pending, k)
		}
	}
	a.pending[state] = p
}

// take removes and returns the request for state if it has not expired.
func (a *authStates) take(state string, now time.Time) (pendingAuth, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pending[state]
	delete(a.pending, state)
	if !ok || now.After(p.expires) {
		return pendingAuth{}, false
	}
	return p, true
}

type connectRequest struct {
	TenantID string `json:"tenant_id" validate:"omitempty,max=64"`
}

func (s *HTTPServer) handleConnectStart(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	var req connectRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid tenant_id")
		return
	}

	state := uuid.NewString()
	verifier := token.GenerateVerifier()
	expires := s.now().Add(authStateTTL)
	s.states.put(state, pendingAuth{userID: userID, tenantID: req.TenantID, verifier: verifier, expires: expires}, s.now())

	writeJSON(w, http.StatusOK, map[string]any{
		"authorize_url": s.deps.Connections.AuthCodeURL(state, verifier),
		"state":         state,
		"expires_at":    expires.UTC(),
	})
}

// handleOAuthCallback completes the authorization code flow started by
// handleConnectStart and schedules the first full sync.
func (s *HTTPServer) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		s.logger.Warn().Str("error", e).Str("description", q.Get("error_description")).Msg("authorization denied")
		writeError(w, http.StatusBadRequest, "authorization failed: "+e)
		return
	}
	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		writeError(w, http.StatusBadRequest, "code and state are required")
		return
	}
	p, ok := s.states.take(state, s.now())
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown or expired state")
		return
	}

	ctx := r.Context()
	conn, err := s.deps.Connections.Exchange(ctx, p.userID, p.tenantID, code, p.verifier)
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", p.userID).Msg("exchange authorization code")
		writeError(w, http.StatusBadGateway, "failed to redeem authorization code")
		return
	}
	s.enqueueFullSync(ctx, conn.UserID, "connected")
	s.wake(r)
	writeJSON(w, http.StatusOK, map[string]any{"user_id": conn.UserID, "connected": true})
}

func (s *HTTPServer) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	if err := s.deps.Connections.Disconnect(r.Context(), userID); err != nil {
		s.internalError(w, err, "disconnect")
		return
	}
	s.logger.Info().Str("client", ClientName(r.Context())).Int64("user_id", userID).Msg("connection removed by operator")
	w.WriteHeader(http.StatusNoContent)
}

type syncToggleRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

func (s *HTTPServer) handleSetSyncEnabled(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	var req syncToggleRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	ctx := r.Context()
	err := s.deps.Connections.SetSyncEnabled(ctx, userID, *req.Enabled)
	if errors.Is(err, token.ErrNoConnection) {
		writeError(w, http.StatusNotFound, "user has no connection")
		return
	}
	if err != nil {
		s.internalError(w, err, "set sync enabled")
		return
	}
	if *req.Enabled {
		s.enqueueFullSync(ctx, userID, "sync_enabled")
		s.wake(r)
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "sync_enabled": *req.Enabled})
}

func (s *HTTPServer) enqueueFullSync(ctx context.Context, userID int64, reason string) {
	_, err := s.deps.Store.EnqueueJob(ctx, &models.SyncJob{
		UserID:  userID,
		Action:  models.ActionFullSync,
		Payload: syncer.EncodePayload(models.JobPayload{Reason: reason}),
	})
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", userID).Str("reason", reason).Msg("enqueue full sync")
	}
}
