package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"tasksync/internal/database"
	"tasksync/internal/models"
	"tasksync/internal/report"
	"tasksync/internal/syncer"
	"tasksync/internal/webhook"

	"github.com/go-chi/chi/v5"
)

const (
	maxNotificationBody = 1 << 20
	defaultFailedLimit  = 100
	maxFailedLimit      = 1000
)

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleNotifications answers the subscription validation handshake and
// accepts change notification batches.
func (s *HTTPServer) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, token)
		return
	}
	if s.deps.Webhooks == nil {
		writeError(w, http.StatusServiceUnavailable, "webhooks are not configured")
		return
	}

	var batch webhook.NotificationBatch
	if err := json.NewDecoder(io.LimitReader(r.Body, maxNotificationBody)).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.deps.Webhooks.ValidateBatch(&batch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid notification batch")
		return
	}

	res, err := s.deps.Webhooks.HandleNotification(r.Context(), &batch)
	switch {
	case errors.Is(err, webhook.ErrClientStateMismatch):
		writeError(w, http.StatusForbidden, "clientState mismatch")
	case err != nil:
		s.logger.Error().Err(err).Msg("handle notification batch")
		writeError(w, http.StatusInternalServerError, "failed to accept notifications")
	default:
		writeJSON(w, http.StatusAccepted, res)
	}
}

func (s *HTTPServer) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.GetQueueStats(r.Context(), s.now())
	if err != nil {
		s.internalError(w, err, "queue stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *HTTPServer) handleFailedJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := s.deps.Store.ListFailedJobs(r.Context(), limit)
	if err != nil {
		s.internalError(w, err, "list failed jobs")
		return
	}
	if jobs == nil {
		jobs = []models.SyncJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *HTTPServer) handleFailedJobsXLSX(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()
	jobs, err := s.deps.Store.ListFailedJobs(ctx, limit)
	if err != nil {
		s.internalError(w, err, "list failed jobs")
		return
	}
	now := s.now()
	stats, err := s.deps.Store.GetQueueStats(ctx, now)
	if err != nil {
		s.internalError(w, err, "queue stats")
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="failed_jobs_%s.xlsx"`, now.UTC().Format("20060102_150405")))
	if err := report.WriteFailedJobs(w, jobs, stats, now); err != nil {
		s.logger.Error().Err(err).Msg("write failed jobs workbook")
	}
}

type requeueRequest struct {
	MaxAttempts int `json:"max_attempts" validate:"omitempty,min=1,max=100"`
}

func (s *HTTPServer) handleRequeueFailed(w http.ResponseWriter, r *http.Request) {
	var req requeueRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "max_attempts must be between 1 and 100")
		return
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.deps.MaxAttempts
	}

	n, err := s.deps.Store.RequeueFailedJobs(r.Context(), maxAttempts, s.now())
	if err != nil {
		s.internalError(w, err, "requeue failed jobs")
		return
	}
	s.logger.Info().Str("client", ClientName(r.Context())).Int64("requeued", n).Msg("failed jobs requeued by operator")
	if n > 0 {
		s.wake(r)
	}
	writeJSON(w, http.StatusOK, map[string]any{"requeued": n, "max_attempts": maxAttempts})
}

type fullSyncRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=64,printascii"`
}

func (s *HTTPServer) handleFullSync(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	var req fullSyncRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid reason")
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}

	ctx := r.Context()
	if _, err := s.deps.Store.GetConnection(ctx, userID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user has no connection")
			return
		}
		s.internalError(w, err, "get connection")
		return
	}

	inserted, err := s.deps.Store.EnqueueJob(ctx, &models.SyncJob{
		UserID:  userID,
		Action:  models.ActionFullSync,
		Payload: syncer.EncodePayload(models.JobPayload{Reason: req.Reason}),
	})
	if err != nil {
		s.internalError(w, err, "enqueue full sync")
		return
	}
	s.logger.Info().Str("client", ClientName(ctx)).Int64("user_id", userID).Bool("inserted", inserted).
		Msg("full sync requested by operator")
	s.wake(r)
	writeJSON(w, http.StatusAccepted, map[string]any{"user_id": userID, "enqueued": inserted})
}

type mappingStatus struct {
	ProjectID             int64      `json:"project_id"`
	RemoteListID          string     `json:"remote_list_id"`
	Subscribed            bool       `json:"subscribed"`
	SubscriptionExpiresAt *time.Time `json:"subscription_expires_at,omitempty"`
	LastSyncedAt          *time.Time `json:"last_synced_at,omitempty"`
}

type userStatus struct {
	UserID       int64           `json:"user_id"`
	SyncEnabled  bool            `json:"sync_enabled"`
	TokenExpires time.Time       `json:"access_token_expires_at"`
	LastSyncedAt *time.Time      `json:"last_synced_at"`
	Mappings     []mappingStatus `json:"mappings"`
}

func (s *HTTPServer) handleUserStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	conn, err := s.deps.Store.GetConnection(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user has no connection")
		return
	}
	if err != nil {
		s.internalError(w, err, "get connection")
		return
	}

	out := userStatus{
		UserID:       userID,
		SyncEnabled:  conn.SyncEnabled,
		TokenExpires: conn.AccessTokenExpiresAt,
		Mappings:     []mappingStatus{},
	}
	if s.deps.Status != nil {
		last, err := s.deps.Status.GetLastSynced(ctx, userID)
		if err != nil {
			s.logger.Warn().Err(err).Int64("user_id", userID).Msg("read last synced")
		}
		out.LastSyncedAt = last
	}

	mappings, err := s.deps.Store.ListActiveMappings(ctx, userID)
	if err != nil {
		s.internalError(w, err, "list mappings")
		return
	}
	for i := range mappings {
		m := &mappings[i]
		out.Mappings = append(out.Mappings, mappingStatus{
			ProjectID:             m.ProjectID,
			RemoteListID:          m.ListID(),
			Subscribed:            m.HasSubscription(),
			SubscriptionExpiresAt: m.SubscriptionExpiresAt,
			LastSyncedAt:          m.LastSyncedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *HTTPServer) wake(r *http.Request) {
	if s.deps.Waker != nil {
		s.deps.Waker.Wake(r.Context())
	}
}

func (s *HTTPServer) internalError(w http.ResponseWriter, err error, op string) {
	s.logger.Error().Err(err).Str("op", op).Msg("admin request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func userIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return 0, false
	}
	return id, true
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultFailedLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit")
	}
	if n > maxFailedLimit {
		n = maxFailedLimit
	}
	return n, nil
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
