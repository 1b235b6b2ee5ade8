package database

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tasksync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	logger := zerolog.New(io.Discard)
	db, err := NewDB(filepath.Join(t.TempDir(), "tasksync.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func int64p(v int64) *int64 { return &v }

func enqueue(t *testing.T, db *DB, job models.SyncJob) models.SyncJob {
	t.Helper()
	inserted, err := db.EnqueueJob(context.Background(), &job)
	require.NoError(t, err)
	require.True(t, inserted)
	return job
}

func TestEnqueueDedupesPendingFullSync(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	first := enqueue(t, db, models.SyncJob{UserID: 1, Action: models.ActionFullSync})
	assert.NotZero(t, first.ID)

	dup := models.SyncJob{UserID: 1, Action: models.ActionFullSync}
	inserted, err := db.EnqueueJob(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	err = db.InsertJob(ctx, &models.SyncJob{UserID: 1, Action: models.ActionFullSync})
	assert.ErrorIs(t, err, ErrDuplicateJob)

	// other users and other actions are unaffected
	enqueue(t, db, models.SyncJob{UserID: 2, Action: models.ActionFullSync})
	enqueue(t, db, models.SyncJob{UserID: 1, TaskID: int64p(7), ProjectID: int64p(3), Action: models.ActionUpdate})
	enqueue(t, db, models.SyncJob{UserID: 1, TaskID: int64p(7), ProjectID: int64p(3), Action: models.ActionUpdate})

	stats, err := db.GetQueueStats(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Pending)

	// once the pending one is claimed a new full_sync may be enqueued
	jobs, err := db.ClaimPendingJobs(ctx, "claim-a", 10, time.Now())
	require.NoError(t, err)
	require.Len(t, jobs, 4)
	enqueue(t, db, models.SyncJob{UserID: 1, Action: models.ActionFullSync})
}

func TestEnqueueRejectsUnknownAction(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.EnqueueJob(context.Background(), &models.SyncJob{UserID: 1, Action: "rename"})
	assert.Error(t, err)
}

func TestClaimOrderAndState(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	late := enqueue(t, db, models.SyncJob{UserID: 1, Action: models.ActionUpdate, TaskID: int64p(1), ScheduledAt: base.Add(2 * time.Minute)})
	early := enqueue(t, db, models.SyncJob{UserID: 1, Action: models.ActionCreate, TaskID: int64p(1), ScheduledAt: base})
	future := enqueue(t, db, models.SyncJob{UserID: 1, Action: models.ActionUpdate, TaskID: int64p(2), ScheduledAt: time.Now().Add(time.Hour)})

	jobs, err := db.ClaimPendingJobs(ctx, "claim-1", 10, time.Now())
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, early.ID, jobs[0].ID)
	assert.Equal(t, late.ID, jobs[1].ID)
	for _, j := range jobs {
		assert.Equal(t, models.JobProcessing, j.Status)
		assert.Equal(t, 1, j.Attempts)
		require.NotNil(t, j.ClaimToken)
		assert.Equal(t, "claim-1", *j.ClaimToken)
		assert.NotNil(t, j.ClaimedAt)
	}

	// nothing due is left besides the future job
	again, err := db.ClaimPendingJobs(ctx, "claim-2", 10, time.Now())
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, db.CompleteJob(ctx, early.ID, "claim-1", time.Now()))
	require.NoError(t, db.FailJob(ctx, late.ID, "claim-1", "boom", time.Now()))

	// a foreign claim token cannot finish a job
	assert.ErrorIs(t, db.CompleteJob(ctx, late.ID, "claim-2", time.Now()), ErrNotFound)

	got, err := db.GetJob(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "boom", *got.LastError)

	pending, err := db.GetJob(ctx, future.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, pending.Status)
}

func TestClaimRespectsLimit(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		enqueue(t, db, models.SyncJob{UserID: 1, Action: models.ActionUpdate, TaskID: int64p(int64(i))})
	}
	jobs, err := db.ClaimPendingJobs(ctx, "c", 3, time.Now())
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
}

func TestConcurrentClaimsNeverOverlap(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	const total = 120
	for i := 0; i < total; i++ {
		enqueue(t, db, models.SyncJob{UserID: int64(i%7 + 1), Action: models.ActionUpdate, TaskID: int64p(int64(i))})
	}

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int64]string)
		dups []int64
	)
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			token := fmt.Sprintf("worker-%d", w)
			for {
				jobs, err := db.ClaimPendingJobs(ctx, token, 7, time.Now())
				if err != nil {
					t.Errorf("claim failed: %v", err)
					return
				}
				if len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					if _, ok := seen[j.ID]; ok {
						dups = append(dups, j.ID)
					}
					seen[j.ID] = token
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Empty(t, dups)
	assert.Len(t, seen, total)
}

func TestReleaseJobs(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	a := enqueue(t, db, models.SyncJob{UserID: 1, Action: models.ActionUpdate, TaskID: int64p(1)})
	b := enqueue(t, db, models.SyncJob{UserID: 1, Action: models.ActionFullSync})

	jobs, err := db.ClaimPendingJobs(ctx, "pass-1", 10, time.Now())
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	// a newer full_sync arrives while the claimed one waits
	enqueue(t, db, models.SyncJob{UserID: 1, Action: models.ActionFullSync})

	released, err := db.ReleaseJobs(ctx, "pass-1", []int64{a.ID, b.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	got, err := db.GetJob(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Nil(t, got.ClaimToken)

	_, err = db.GetJob(ctx, b.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	stats, err := db.GetQueueStats(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 0, stats.Processing)

	n, err := db.ReleaseJobs(ctx, "pass-1", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecoverStaleJobs(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	enqueue(t, db, models.SyncJob{UserID: 1, Action: models.ActionUpdate, TaskID: int64p(1)})
	claimedAt := time.Now().Add(-time.Hour)
	jobs, err := db.ClaimPendingJobs(ctx, "dead-worker", 10, claimedAt)
	require.NoError(t, err)
	require.Len(t, jobs, 0, "job scheduled after the claim time must not be due")

	jobs, err = db.ClaimPendingJobs(ctx, "dead-worker", 10, time.Now())
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	n, err := db.RecoverStaleJobs(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n, "fresh claims are not stale")

	n, err = db.RecoverStaleJobs(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := db.GetJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, got.Status)
	assert.Nil(t, got.ClaimedAt)

	// the old owner lost its claim
	assert.ErrorIs(t, db.CompleteJob(ctx, got.ID, "dead-worker", time.Now()), ErrNotFound)
}

func TestRequeueFailedRespectsAttemptCap(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	job := enqueue(t, db, models.SyncJob{UserID: 1, Action: models.ActionUpdate, TaskID: int64p(1)})

	const maxAttempts = 2
	for i := 0; i < maxAttempts; i++ {
		token := fmt.Sprintf("pass-%d", i)
		jobs, err := db.ClaimPendingJobs(ctx, token, 10, time.Now())
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		require.NoError(t, db.FailJob(ctx, job.ID, token, "transient", time.Now()))

		n, err := db.RequeueFailedJobs(ctx, maxAttempts, time.Now())
		require.NoError(t, err)
		if i < maxAttempts-1 {
			assert.Equal(t, int64(1), n)
		} else {
			assert.Zero(t, n)
		}
	}

	got, err := db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, maxAttempts, got.Attempts)

	failed, err := db.ListFailedJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, job.ID, failed[0].ID)
}

func TestRequeueFailedSkipsDuplicateFullSync(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	enqueue(t, db, models.SyncJob{UserID: 1, Action: models.ActionFullSync})
	jobs, err := db.ClaimPendingJobs(ctx, "p", 10, time.Now())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, db.FailJob(ctx, jobs[0].ID, "p", "x", time.Now()))

	enqueue(t, db, models.SyncJob{UserID: 1, Action: models.ActionFullSync})

	n, err := db.RequeueFailedJobs(ctx, 5, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeletePendingTaskJobs(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	enqueue(t, db, models.SyncJob{UserID: 1, ProjectID: int64p(10), TaskID: int64p(1), Action: models.ActionCreate})
	enqueue(t, db, models.SyncJob{UserID: 1, ProjectID: int64p(10), TaskID: int64p(2), Action: models.ActionUpdate})
	enqueue(t, db, models.SyncJob{UserID: 1, ProjectID: int64p(11), TaskID: int64p(3), Action: models.ActionUpdate})
	enqueue(t, db, models.SyncJob{UserID: 1, Action: models.ActionFullSync})

	n, err := db.DeletePendingTaskJobs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	stats, err := db.GetQueueStats(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
}

func TestQueueStatsOldestPending(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stats, err := db.GetQueueStats(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, stats.OldestPendingAt)

	enqueue(t, db, models.SyncJob{UserID: 1, Action: models.ActionUpdate, TaskID: int64p(1), ScheduledAt: now.Add(-10 * time.Minute)})
	enqueue(t, db, models.SyncJob{UserID: 1, Action: models.ActionUpdate, TaskID: int64p(2), ScheduledAt: now.Add(-time.Minute)})

	age, err := db.OldestPendingAge(ctx, now)
	require.NoError(t, err)
	assert.InDelta(t, (10 * time.Minute).Seconds(), age.Seconds(), 1)
}
