package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tasksync/internal/api"
	"tasksync/internal/config"
	"tasksync/internal/database"
	"tasksync/internal/events"
	"tasksync/internal/logging"
	"tasksync/internal/mapping"
	"tasksync/internal/metrics"
	"tasksync/internal/remote"
	"tasksync/internal/report"
	"tasksync/internal/repository"
	"tasksync/internal/service"
	"tasksync/internal/syncer"
	"tasksync/internal/token"
	"tasksync/internal/vault"
	"tasksync/internal/webhook"
	"tasksync/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

type options struct {
	configPath   string
	exportFailed string
}

func parseFlags() options {
	var opts options
	pflag.StringVarP(&opts.configPath, "config", "c", "", "path to the YAML config (default $CONFIG_PATH or configs/config.yaml)")
	pflag.StringVar(&opts.exportFailed, "export-failed", "", "write failed jobs to this xlsx file and exit")
	pflag.Parse()

	if opts.configPath == "" {
		opts.configPath = os.Getenv("CONFIG_PATH")
	}
	if opts.configPath == "" {
		opts.configPath = "configs/config.yaml"
	}
	return opts
}

func main() {
	if err := run(parseFlags()); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run(opts options) error {
	cfg, logger, closer, err := loadConfigAndLogger(opts.configPath)
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.Database.Path, cfg.Database.BusyTimeout, logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	if opts.exportFailed != "" {
		return exportFailed(ctx, db, opts.exportFailed, logger)
	}

	redisClient := initRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer repository.Close(redisClient)
	}

	key, err := vault.LoadKey(cfg.Vault)
	if err != nil {
		return fmt.Errorf("load vault key: %w", err)
	}
	secrets, err := vault.New(db, key, logger)
	if err != nil {
		return fmt.Errorf("init vault: %w", err)
	}

	tokens := token.NewManager(db, secrets, cfg.OAuth, logger)
	client, err := remote.New(cfg.Remote, logger)
	if err != nil {
		return fmt.Errorf("init remote client: %w", err)
	}
	resolver := mapping.NewResolver(db, tokens, client, logger)
	engine := syncer.NewEngine(db, client, tokens, resolver, logger)

	status := statusRepository(redisClient, logger)
	syncWorker := worker.NewSyncWorker(db, engine, cfg.Sync, logger,
		worker.WithRedis(redisClient),
		worker.WithStatusRecorder(status),
	)

	webhooks := webhook.NewManager(db, client, tokens, nil, cfg.Webhook, logger)
	scheduler := worker.NewScheduler(syncWorker, db, webhooks, redisClient, cfg.Sync, cfg.Webhook, logger)
	webhooks.SetWaker(scheduler)

	bus := events.NewEventBus()
	bus.OnError(func(e *events.Event, err error) {
		logger.Error().Err(err).Str("event", e.Type).Msg("sync hook failed")
	})
	service.NewSyncHooks(db, resolver, scheduler, logger).Register(bus)
	if redisClient != nil {
		if err := events.NewRelay(redisClient, events.DefaultChannel, bus, logger).Start(ctx); err != nil {
			logger.Warn().Err(err).Msg("event relay disabled")
		}
	}

	var metricsServer *http.Server
	if cfg.Monitoring.PrometheusEnabled {
		metrics.Register()
		if !cfg.API.Enabled || cfg.Monitoring.PrometheusPort != cfg.API.HTTP.Port {
			metricsServer = startMetrics(cfg.Monitoring.PrometheusPort, logger)
		}
	}

	var (
		httpServer *api.HTTPServer
		grpcServer *api.GRPCServer
	)
	if cfg.API.Enabled {
		httpServer = api.NewHTTPServer(cfg.API, api.HTTPDeps{
			Store:       db,
			Webhooks:    webhooks,
			Status:      status,
			Waker:       scheduler,
			Connections: tokens,
			MaxAttempts: cfg.Sync.MaxAttempts,
			Metrics:     cfg.Monitoring.PrometheusEnabled && cfg.Monitoring.PrometheusPort == cfg.API.HTTP.Port,
		}, logger)
		if cfg.API.GRPC.Enabled {
			grpcServer, err = api.NewGRPCServer(&cfg.API, db, logger)
			if err != nil {
				logger.Error().Err(err).Msg("create grpc server")
				return err
			}
		}
	}

	go scheduler.Start(ctx)
	return startServers(ctx, grpcServer, httpServer, metricsServer, cfg, logger)
}

func loadConfigAndLogger(configPath string) (*config.Config, *zerolog.Logger, io.Closer, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "syncd").Logger()

	return cfg, &logger, closer, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	client := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, client); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = client.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

func statusRepository(client *redis.Client, logger *zerolog.Logger) repository.StatusRepository {
	memory := repository.NewMemoryStatusRepository()
	if client == nil {
		return memory
	}
	return repository.NewFailoverStatusRepository(repository.NewRedisStatusRepository(client, 30*24*time.Hour), memory, logger)
}

func startMetrics(port int, logger *zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Int("port", port).Msg("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	return srv
}

func exportFailed(ctx context.Context, db *database.DB, path string, logger *zerolog.Logger) error {
	jobs, err := db.ListFailedJobs(ctx, 10000)
	if err != nil {
		return err
	}
	now := time.Now()
	stats, err := db.GetQueueStats(ctx, now)
	if err != nil {
		return err
	}
	if err := report.SaveFailedJobs(path, jobs, stats, now); err != nil {
		return err
	}
	logger.Info().Str("path", path).Int("jobs", len(jobs)).Msg("failed jobs exported")
	return nil
}

func startServers(
	ctx context.Context,
	grpcServer *api.GRPCServer,
	httpServer *api.HTTPServer,
	metricsServer *http.Server,
	cfg *config.Config,
	logger *zerolog.Logger,
) error {
	if grpcServer != nil {
		go func() {
			if err := grpcServer.Serve(); err != nil {
				logger.Error().Err(err).Msg("grpc server stopped")
			}
		}()
		go grpcServer.WatchQueue(ctx, 30*time.Second)
	}

	if httpServer != nil && cfg.API.HTTP.Enabled {
		go func() {
			if err := httpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("http server stopped")
			}
		}()
	}

	logger.Info().Bool("api", cfg.API.Enabled).Int("http_port", cfg.API.HTTP.Port).Msg("sync daemon started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if grpcServer != nil {
		grpcServer.Shutdown(shutdownCtx)
	}
	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	logger.Info().Msg("sync daemon stopped")
	return nil
}
