package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"tasksync/internal/config"
	"tasksync/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingPasser struct {
	passes chan struct{}
}

func (p *countingPasser) RunPass(context.Context) PassResult {
	p.passes <- struct{}{}
	return PassResult{}
}

type countingMaintainer struct {
	calls atomic.Int32
}

func (m *countingMaintainer) Maintain(context.Context) { m.calls.Add(1) }

func waitPass(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a worker pass")
	}
}

func quietSyncConfig() config.SyncConfig {
	return config.SyncConfig{PassInterval: time.Hour, FullSyncInterval: time.Hour, MaxAttempts: 3}
}

func TestSchedulerRunsOnStartAndOnWake(t *testing.T) {
	db := newTestDB(t)
	passer := &countingPasser{passes: make(chan struct{}, 4)}
	subs := &countingMaintainer{}
	s := NewScheduler(passer, db, subs, nil, quietSyncConfig(), config.WebhookConfig{RenewInterval: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	waitPass(t, passer.passes)
	assert.Equal(t, int32(1), subs.calls.Load())

	s.Wake(ctx)
	s.Wake(ctx)
	waitPass(t, passer.passes)

	cancel()
	<-done
}

func TestSchedulerWakesThroughRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	db := newTestDB(t)
	passer := &countingPasser{passes: make(chan struct{}, 4)}
	s := NewScheduler(passer, db, nil, rdb, quietSyncConfig(), config.WebhookConfig{RenewInterval: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)
	waitPass(t, passer.passes)

	// another process asks for a pass
	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer other.Close()
	require.NoError(t, other.Publish(ctx, WakeChannel, "wake").Err())
	waitPass(t, passer.passes)
}

func TestEnqueueFullSyncsForEnabledConnections(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	for _, c := range []models.Connection{
		{UserID: 1, AccessTokenHandle: "a1", RefreshTokenHandle: "r1", AccessTokenExpiresAt: time.Now(), SyncEnabled: true},
		{UserID: 2, AccessTokenHandle: "a2", RefreshTokenHandle: "r2", AccessTokenExpiresAt: time.Now(), SyncEnabled: true},
		{UserID: 3, AccessTokenHandle: "a3", RefreshTokenHandle: "r3", AccessTokenExpiresAt: time.Now(), SyncEnabled: false},
	} {
		require.NoError(t, db.UpsertConnection(ctx, &c))
	}
	s := NewScheduler(&countingPasser{passes: make(chan struct{}, 1)}, db, nil, nil, quietSyncConfig(), config.WebhookConfig{}, nil)

	assert.Equal(t, 2, s.EnqueueFullSyncs(ctx))
	assert.Equal(t, 0, s.EnqueueFullSyncs(ctx), "pending full syncs are not duplicated")

	stats, err := db.GetQueueStats(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
}

func TestSweepFailedRespectsFlagAndCap(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	id := enqueue(t, db, &models.SyncJob{UserID: 1, Action: models.ActionFullSync})
	jobs, err := db.ClaimPendingJobs(ctx, "c", 1, time.Now())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, db.FailJob(ctx, id, "c", "boom", time.Now()))

	cfg := quietSyncConfig()
	off := NewScheduler(&countingPasser{}, db, nil, nil, cfg, config.WebhookConfig{}, nil)
	assert.Zero(t, off.SweepFailed(ctx))

	cfg.RequeueFailed = true
	on := NewScheduler(&countingPasser{}, db, nil, nil, cfg, config.WebhookConfig{}, nil)
	assert.Equal(t, int64(1), on.SweepFailed(ctx))

	job, err := db.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.Status)

	cfg.MaxAttempts = 1
	capped := NewScheduler(&countingPasser{}, db, nil, nil, cfg, config.WebhookConfig{}, nil)
	_, err = db.ClaimPendingJobs(ctx, "d", 1, time.Now())
	require.NoError(t, err)
	require.NoError(t, db.FailJob(ctx, id, "d", "boom", time.Now()))
	assert.Zero(t, capped.SweepFailed(ctx), "jobs at the attempt cap stay failed")
}
