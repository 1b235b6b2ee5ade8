package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"tasksync/internal/config"
	"tasksync/internal/logging"
	"tasksync/internal/metrics"
	"tasksync/internal/models"
	"tasksync/internal/webhook"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type AdminStore interface {
	GetQueueStats(ctx context.Context, now time.Time) (*models.QueueStats, error)
	ListFailedJobs(ctx context.Context, limit int) ([]models.SyncJob, error)
	RequeueFailedJobs(ctx context.Context, maxAttempts int, now time.Time) (int64, error)
	EnqueueJob(ctx context.Context, job *models.SyncJob) (bool, error)
	GetConnection(ctx context.Context, userID int64) (*models.Connection, error)
	ListActiveMappings(ctx context.Context, userID int64) ([]models.ListMapping, error)
}

type NotificationHandler interface {
	ValidateBatch(batch *webhook.NotificationBatch) error
	HandleNotification(ctx context.Context, batch *webhook.NotificationBatch) (webhook.NotificationResult, error)
}

type StatusReader interface {
	GetLastSynced(ctx context.Context, userID int64) (*time.Time, error)
}

type Waker interface {
	Wake(ctx context.Context)
}

// HTTPDeps are the collaborators behind the HTTP routes.
type HTTPDeps struct {
	Store       AdminStore
	Webhooks    NotificationHandler
	Status      StatusReader
	Waker       Waker
	Connections ConnectionManager
	MaxAttempts int
	Metrics     bool
}

// HTTPServer exposes the webhook receiver, health and admin endpoints.
type HTTPServer struct {
	cfg      config.APIConfig
	deps     HTTPDeps
	auth     *HTTPAuth
	validate *validator.Validate
	states   *authStates
	router   chi.Router
	server   *http.Server
	now      func() time.Time
	logger   *zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, deps HTTPDeps, logger *zerolog.Logger) *HTTPServer {
	if deps.MaxAttempts <= 0 {
		deps.MaxAttempts = 5
	}
	srv := &HTTPServer{
		cfg:      cfg,
		deps:     deps,
		auth:     NewHTTPAuth(cfg),
		validate: validator.New(),
		states:   newAuthStates(),
		now:      time.Now,
		logger:   logging.Component(logger, "http"),
	}
	srv.router = srv.routes()
	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.router,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return srv
}

func (s *HTTPServer) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.deps.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}
	r.Post("/webhooks/notifications", s.handleNotifications)
	if s.deps.Connections != nil {
		r.Get("/oauth/callback", s.handleOAuthCallback)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.With(s.auth.Require(PermReadQueue)).Get("/queue/stats", s.handleQueueStats)
		r.With(s.auth.Require(PermReadQueue)).Get("/queue/failed", s.handleFailedJobs)
		r.With(s.auth.Require(PermReadQueue)).Get("/queue/failed.xlsx", s.handleFailedJobsXLSX)
		r.With(s.auth.Require(PermWriteQueue)).Post("/queue/requeue-failed", s.handleRequeueFailed)
		r.With(s.auth.Require(PermWriteSync)).Post("/users/{userID}/full-sync", s.handleFullSync)
		r.With(s.auth.Require(PermReadStatus)).Get("/users/{userID}/status", s.handleUserStatus)
		if s.deps.Connections != nil {
			r.With(s.auth.Require(PermWriteSync)).Post("/users/{userID}/connect", s.handleConnectStart)
			r.With(s.auth.Require(PermWriteSync)).Delete("/users/{userID}/connection", s.handleDisconnect)
			r.With(s.auth.Require(PermWriteSync)).Put("/users/{userID}/sync", s.handleSetSyncEnabled)
		}
	})
	return r
}

// Handler returns the routed handler.
func (s *HTTPServer) Handler() http.Handler { return s.router }

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		metrics.IncHTTP(route)

		s.logger.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("route", route).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
