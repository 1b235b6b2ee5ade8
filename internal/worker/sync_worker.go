package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tasksync/internal/config"
	"tasksync/internal/database"
	"tasksync/internal/logging"
	"tasksync/internal/metrics"
	"tasksync/internal/models"
	"tasksync/internal/syncer"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	DeadLetterKey = "tasksync:deadletter"
	deadLetterCap = 1000
	maxErrorLen   = 2000
)

type JobStore interface {
	RecoverStaleJobs(ctx context.Context, olderThan time.Time) (int64, error)
	ClaimPendingJobs(ctx context.Context, claimToken string, limit int, now time.Time) ([]models.SyncJob, error)
	CompleteJob(ctx context.Context, id int64, claimToken string, now time.Time) error
	FailJob(ctx context.Context, id int64, claimToken, lastError string, now time.Time) error
	ReleaseJobs(ctx context.Context, claimToken string, ids []int64) (int64, error)
	EnqueueJob(ctx context.Context, job *models.SyncJob) (bool, error)
	GetQueueStats(ctx context.Context, now time.Time) (*models.QueueStats, error)
}

// Executor runs the sync semantics of one job.
type Executor interface {
	Execute(ctx context.Context, job *models.SyncJob) (syncer.Result, error)
}

// StatusRecorder stamps the last successful sync of a user.
type StatusRecorder interface {
	SetLastSynced(ctx context.Context, userID int64, t time.Time) error
}

// PassResult summarises one worker pass.
type PassResult struct {
	Recovered int64 `json:"recovered"`
	Claimed   int   `json:"claimed"`
	Completed int   `json:"completed"`
	Failed    int   `json:"failed"`
	Released  int64 `json:"released"`
	FollowUps int   `json:"follow_ups"`
}

// deadLetter is what lands on the redis dead-letter list.
type deadLetter struct {
	JobID    int64     `json:"job_id"`
	UserID   int64     `json:"user_id"`
	Action   string    `json:"action"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// SyncWorker drains the sync_jobs queue in bounded passes.
type SyncWorker struct {
	store      JobStore
	exec       Executor
	status     StatusRecorder
	redis      *redis.Client
	followUp   RetryPolicy
	batchSize  int
	budget     time.Duration
	staleAfter time.Duration
	now        func() time.Time
	logger     *zerolog.Logger
}

type Option func(*SyncWorker)

func WithClock(now func() time.Time) Option {
	return func(w *SyncWorker) { w.now = now }
}

func WithRedis(client *redis.Client) Option {
	return func(w *SyncWorker) { w.redis = client }
}

func WithStatusRecorder(s StatusRecorder) Option {
	return func(w *SyncWorker) { w.status = s }
}

func WithFollowUpPolicy(p RetryPolicy) Option {
	return func(w *SyncWorker) { w.followUp = p }
}

// NewSyncWorker builds a worker with sane defaults.
func NewSyncWorker(store JobStore, exec Executor, cfg config.SyncConfig, logger *zerolog.Logger, opts ...Option) *SyncWorker {
	w := &SyncWorker{
		store:      store,
		exec:       exec,
		followUp:   RetryPolicy{InitialDelay: 5 * time.Second, MaxDelay: 5 * time.Minute, BackoffFactor: 2},
		batchSize:  cfg.BatchSize,
		budget:     cfg.PassBudget,
		staleAfter: cfg.StaleClaimAfter,
		now:        time.Now,
		logger:     logging.Component(logger, "sync_worker"),
	}
	if w.batchSize <= 0 {
		w.batchSize = models.DefaultClaimBatch
	}
	if w.batchSize > models.MaxClaimBatch {
		w.batchSize = models.MaxClaimBatch
	}
	if w.budget <= 0 {
		w.budget = 2 * time.Minute
	}
	if w.staleAfter <= 0 {
		w.staleAfter = 15 * time.Minute
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RunPass recovers stale claims, claims one batch and processes it in
// scheduled order until the budget runs out. Jobs not reached are released.
// Job failures are recorded on the job rows, never returned.
func (w *SyncWorker) RunPass(ctx context.Context) PassResult {
	var res PassResult
	start := w.now()

	recovered, err := w.store.RecoverStaleJobs(ctx, start.Add(-w.staleAfter))
	if err != nil {
		w.logger.Error().Err(err).Msg("recover stale jobs")
	} else if recovered > 0 {
		w.logger.Warn().Int64("count", recovered).Msg("recovered stale claims")
	}
	res.Recovered = recovered

	claimToken := uuid.NewString()
	jobs, err := w.store.ClaimPendingJobs(ctx, claimToken, w.batchSize, start)
	if err != nil {
		w.logger.Error().Err(err).Msg("claim pending jobs")
		return res
	}
	res.Claimed = len(jobs)
	log := w.logger.With().Str("claim_token", claimToken).Logger()

	deadline := start.Add(w.budget)
pass:
	for i := range jobs {
		if ctx.Err() != nil || !w.now().Before(deadline) {
			res.Released += w.release(ctx, claimToken, jobs[i:], log)
			break
		}
		switch w.process(ctx, claimToken, &jobs[i], &res) {
		case outcomeCompleted:
			res.Completed++
		case outcomeFailed:
			res.Failed++
		case outcomeReleased:
			res.Released += w.release(ctx, claimToken, jobs[i:], log)
			break pass
		}
	}

	w.observeQueue(ctx)
	if res.Claimed > 0 {
		log.Info().Int("claimed", res.Claimed).Int("completed", res.Completed).Int("failed", res.Failed).
			Int64("released", res.Released).Dur("took", w.now().Sub(start)).Msg("worker pass finished")
	}
	return res
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeFailed
	outcomeReleased
	outcomeLost
)

func (w *SyncWorker) process(ctx context.Context, claimToken string, job *models.SyncJob, res *PassResult) outcome {
	log := w.logger.With().Int64("job_id", job.ID).Int64("user_id", job.UserID).Str("action", job.Action).Logger()

	result, execErr := w.exec.Execute(ctx, job)
	now := w.now()

	if execErr != nil && ctx.Err() != nil {
		// shutting down: the job goes back to pending instead of failing
		return outcomeReleased
	}

	if execErr == nil {
		if err := w.store.CompleteJob(ctx, job.ID, claimToken, now); err != nil {
			return w.lost(log, err)
		}
		metrics.IncJob(job.Action, models.JobCompleted)
		if w.status != nil {
			if err := w.status.SetLastSynced(ctx, job.UserID, now); err != nil {
				log.Warn().Err(err).Msg("record last synced")
			}
		}
		log.Debug().Int("created", result.Created).Int("updated", result.Updated).
			Int("deleted", result.Deleted).Int("pushed", result.Pushed).Msg("job completed")
		return outcomeCompleted
	}

	msg := truncate(execErr.Error(), maxErrorLen)
	if err := w.store.FailJob(ctx, job.ID, claimToken, msg, now); err != nil {
		return w.lost(log, err)
	}
	metrics.IncJob(job.Action, models.JobFailed)
	log.Warn().Err(execErr).Int("attempts", job.Attempts).Msg("job failed")
	w.pushDeadLetter(ctx, job, msg, now)

	if errors.Is(execErr, syncer.ErrCursorExpired) {
		if w.enqueueFollowUp(ctx, job, now, log) {
			res.FollowUps++
		}
	}
	return outcomeFailed
}

func (w *SyncWorker) lost(log zerolog.Logger, err error) outcome {
	if errors.Is(err, database.ErrNotFound) {
		log.Warn().Msg("claim lost before the job could be settled")
	} else {
		log.Error().Err(err).Msg("settle job")
	}
	return outcomeLost
}

func (w *SyncWorker) enqueueFollowUp(ctx context.Context, job *models.SyncJob, now time.Time, log zerolog.Logger) bool {
	follow := &models.SyncJob{
		UserID:      job.UserID,
		ProjectID:   job.ProjectID,
		Action:      models.ActionFullSync,
		Payload:     syncer.EncodePayload(models.JobPayload{Reason: "cursor_expired"}),
		ScheduledAt: now.Add(w.followUp.NextDelay(job.Attempts)),
	}
	inserted, err := w.store.EnqueueJob(ctx, follow)
	if err != nil {
		log.Error().Err(err).Msg("enqueue follow-up full sync")
		return false
	}
	if inserted {
		log.Info().Time("scheduled_at", follow.ScheduledAt).Msg("follow-up full sync enqueued")
	}
	return inserted
}

func (w *SyncWorker) release(ctx context.Context, claimToken string, jobs []models.SyncJob, log zerolog.Logger) int64 {
	if len(jobs) == 0 {
		return 0
	}
	ids := make([]int64, len(jobs))
	for i := range jobs {
		ids[i] = jobs[i].ID
	}
	// release even when ctx is already canceled
	n, err := w.store.ReleaseJobs(context.WithoutCancel(ctx), claimToken, ids)
	if err != nil {
		log.Error().Err(err).Int("count", len(ids)).Msg("release unreached jobs")
		return 0
	}
	log.Info().Int64("count", n).Msg("pass budget exhausted, released jobs")
	return n
}

func (w *SyncWorker) observeQueue(ctx context.Context) {
	stats, err := w.store.GetQueueStats(ctx, w.now())
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn().Err(err).Msg("queue stats")
		}
		return
	}
	metrics.SetQueuePending(stats.Pending)
}

func (w *SyncWorker) pushDeadLetter(ctx context.Context, job *models.SyncJob, msg string, now time.Time) {
	if w.redis == nil {
		return
	}
	data, err := json.Marshal(deadLetter{
		JobID:    job.ID,
		UserID:   job.UserID,
		Action:   job.Action,
		Attempts: job.Attempts,
		Error:    msg,
		FailedAt: now.UTC(),
	})
	if err != nil {
		w.logger.Error().Err(err).Int64("job_id", job.ID).Msg("encode deadletter")
		return
	}
	pipe := w.redis.TxPipeline()
	pipe.LPush(ctx, DeadLetterKey, data)
	pipe.LTrim(ctx, DeadLetterKey, 0, deadLetterCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		w.logger.Warn().Err(err).Int64("job_id", job.ID).Msg("deadletter push")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
