package worker

import (
	"context"
	"errors"
	"time"

	"tasksync/internal/config"
	"tasksync/internal/logging"
	"tasksync/internal/models"
	"tasksync/internal/syncer"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// WakeChannel is the redis pub/sub channel that asks every scheduler for an
// immediate pass.
const WakeChannel = "tasksync:wake"

type SchedulerStore interface {
	ListSyncEnabledConnections(ctx context.Context) ([]models.Connection, error)
	EnqueueJob(ctx context.Context, job *models.SyncJob) (bool, error)
	RequeueFailedJobs(ctx context.Context, maxAttempts int, now time.Time) (int64, error)
}

// SubscriptionMaintainer creates missing push subscriptions and renews the
// ones close to expiry.
type SubscriptionMaintainer interface {
	Maintain(ctx context.Context)
}

type Passer interface {
	RunPass(ctx context.Context) PassResult
}

// Scheduler drives worker passes, periodic full syncs, the failed-job sweep
// and subscription upkeep from a single goroutine.
type Scheduler struct {
	worker        Passer
	store         SchedulerStore
	subs          SubscriptionMaintainer
	redis         *redis.Client
	cfg           config.SyncConfig
	renewInterval time.Duration
	wake          chan struct{}
	now           func() time.Time
	logger        *zerolog.Logger
}

func NewScheduler(worker Passer, store SchedulerStore, subs SubscriptionMaintainer, redisClient *redis.Client,
	cfg config.SyncConfig, webhookCfg config.WebhookConfig, logger *zerolog.Logger) *Scheduler {
	s := &Scheduler{
		worker:        worker,
		store:         store,
		subs:          subs,
		redis:         redisClient,
		cfg:           cfg,
		renewInterval: webhookCfg.RenewInterval,
		wake:          make(chan struct{}, 1),
		now:           time.Now,
		logger:        logging.Component(logger, "scheduler"),
	}
	if s.cfg.PassInterval <= 0 {
		s.cfg.PassInterval = 30 * time.Second
	}
	if s.cfg.FullSyncInterval <= 0 {
		s.cfg.FullSyncInterval = 6 * time.Hour
	}
	if s.renewInterval <= 0 {
		s.renewInterval = time.Hour
	}
	return s
}

// Wake requests an immediate pass. It never blocks; redundant wakes coalesce.
// With redis configured the request is broadcast to every scheduler.
func (s *Scheduler) Wake(ctx context.Context) {
	if s.redis != nil {
		err := s.redis.Publish(ctx, WakeChannel, "wake").Err()
		if err == nil {
			return
		}
		s.logger.Warn().Err(err).Msg("publish wake, waking locally")
	}
	s.wakeLocal()
}

func (s *Scheduler) wakeLocal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start runs until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Dur("pass_interval", s.cfg.PassInterval).Dur("full_sync_interval", s.cfg.FullSyncInterval).
		Dur("renew_interval", s.renewInterval).Msg("scheduler started")
	defer s.logger.Info().Msg("scheduler stopped")

	if s.redis != nil {
		ready := make(chan struct{})
		go s.listen(ctx, ready)
		<-ready
	}

	passTicker := time.NewTicker(s.cfg.PassInterval)
	defer passTicker.Stop()
	fullTicker := time.NewTicker(s.cfg.FullSyncInterval)
	defer fullTicker.Stop()
	renewTicker := time.NewTicker(s.renewInterval)
	defer renewTicker.Stop()

	s.maintain(ctx)
	s.worker.RunPass(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-passTicker.C:
			s.worker.RunPass(ctx)
		case <-s.wake:
			s.worker.RunPass(ctx)
		case <-fullTicker.C:
			s.EnqueueFullSyncs(ctx)
			s.SweepFailed(ctx)
		case <-renewTicker.C:
			s.maintain(ctx)
		}
	}
}

func (s *Scheduler) listen(ctx context.Context, ready chan<- struct{}) {
	sub := s.redis.Subscribe(ctx, WakeChannel)
	defer sub.Close()
	// wait for the subscription confirmation so no early wake is lost
	if _, err := sub.Receive(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn().Err(err).Msg("subscribe wake channel")
	}
	close(ready)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			s.wakeLocal()
		}
	}
}

func (s *Scheduler) maintain(ctx context.Context) {
	if s.subs != nil {
		s.subs.Maintain(ctx)
	}
}

// EnqueueFullSyncs schedules a full_sync for every sync-enabled connection.
// Users that already have one pending are skipped by the queue.
func (s *Scheduler) EnqueueFullSyncs(ctx context.Context) int {
	conns, err := s.store.ListSyncEnabledConnections(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("list sync-enabled connections")
		return 0
	}
	enqueued := 0
	for _, c := range conns {
		inserted, err := s.store.EnqueueJob(ctx, &models.SyncJob{
			UserID:  c.UserID,
			Action:  models.ActionFullSync,
			Payload: syncer.EncodePayload(models.JobPayload{Reason: "periodic"}),
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return enqueued
			}
			s.logger.Error().Err(err).Int64("user_id", c.UserID).Msg("enqueue periodic full sync")
			continue
		}
		if inserted {
			enqueued++
		}
	}
	if enqueued > 0 {
		s.logger.Info().Int("count", enqueued).Msg("periodic full syncs enqueued")
	}
	return enqueued
}

// SweepFailed returns failed jobs below the attempt cap to pending when the
// sweep is enabled.
func (s *Scheduler) SweepFailed(ctx context.Context) int64 {
	if !s.cfg.RequeueFailed {
		return 0
	}
	n, err := s.store.RequeueFailedJobs(ctx, s.cfg.MaxAttempts, s.now())
	if err != nil {
		s.logger.Error().Err(err).Msg("requeue failed jobs")
		return 0
	}
	if n > 0 {
		s.logger.Info().Int64("count", n).Msg("failed jobs requeued")
	}
	return n
}
