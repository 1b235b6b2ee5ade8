package api

import (
	"context"
	"fmt"
	"net"
	"time"

	"tasksync/internal/config"
	"tasksync/internal/logging"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// QueueHealthService is the health service name tracking queue freshness.
const QueueHealthService = "tasksync.queue"

type QueueAger interface {
	OldestPendingAge(ctx context.Context, now time.Time) (time.Duration, error)
}

// GRPCServer serves the standard health protocol. The queue service turns
// NOT_SERVING when pending work waits longer than MaxPendingAge.
type GRPCServer struct {
	cfg           *config.APIConfig
	queue         QueueAger
	health        *health.Server
	server        *grpc.Server
	listener      net.Listener
	maxPendingAge time.Duration
	now           func() time.Time
	log           *zerolog.Logger
}

func NewGRPCServer(cfg *config.APIConfig, queue QueueAger, logger *zerolog.Logger) (*GRPCServer, error) {
	addr := fmt.Sprintf(":%d", cfg.GRPC.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("grpc listen %s: %w", addr, err)
	}

	unary := ChainUnaryInterceptors(
		LoggingUnaryInterceptor(logger),
		RateLimitUnaryInterceptor(newRateLimiter(cfg.RateLimit)),
	)
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(unary))

	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(QueueHealthService, healthpb.HealthCheckResponse_SERVING)

	if cfg.GRPC.Reflection {
		reflection.Register(grpcServer)
	}

	maxAge := cfg.GRPC.MaxPendingAge
	if maxAge <= 0 {
		maxAge = 15 * time.Minute
	}

	return &GRPCServer{
		cfg:           cfg,
		queue:         queue,
		health:        hs,
		server:        grpcServer,
		listener:      lis,
		maxPendingAge: maxAge,
		now:           time.Now,
		log:           logging.Component(logger, "grpc"),
	}, nil
}

func (s *GRPCServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *GRPCServer) Serve() error {
	s.log.Info().Str("addr", s.Addr()).Msg("gRPC health listening")
	return s.server.Serve(s.listener)
}

// RefreshQueueHealth re-evaluates the queue service status once.
func (s *GRPCServer) RefreshQueueHealth(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	st := healthpb.HealthCheckResponse_SERVING
	age, err := s.queue.OldestPendingAge(ctx, s.now())
	switch {
	case err != nil:
		s.log.Warn().Err(err).Msg("queue age check failed")
		st = healthpb.HealthCheckResponse_NOT_SERVING
	case age > s.maxPendingAge:
		s.log.Warn().Dur("oldest_pending_age", age).Msg("queue is falling behind")
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(QueueHealthService, st)
	return st
}

// WatchQueue refreshes the queue status every interval until ctx is done.
func (s *GRPCServer) WatchQueue(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.RefreshQueueHealth(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RefreshQueueHealth(ctx)
		}
	}
}

func (s *GRPCServer) Shutdown(ctx context.Context) {
	if s.server == nil {
		return
	}
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
		s.log.Warn().Msg("gRPC graceful shutdown timed out; forcing stop")
		s.server.Stop()
		return
	case <-time.After(10 * time.Second):
		s.log.Warn().Msg("gRPC graceful shutdown timed out; forcing stop")
		s.server.Stop()
		return
	}
}
