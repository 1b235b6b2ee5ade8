package repository

import (
	"context"
	"sync/atomic"
	"time"

	"tasksync/internal/logging"

	"github.com/rs/zerolog"
)

const recoveryProbeInterval = time.Minute

// FailoverStatusRepository serves from primary until it errors, then from
// fallback, probing primary again once a minute.
type FailoverStatusRepository struct {
	primary   StatusRepository
	fallback  StatusRepository
	logger    *zerolog.Logger
	now       func() time.Time
	isDown    atomic.Bool
	lastCheck atomic.Int64
}

func NewFailoverStatusRepository(primary, fallback StatusRepository, logger *zerolog.Logger) *FailoverStatusRepository {
	return &FailoverStatusRepository{
		primary:  primary,
		fallback: fallback,
		logger:   logging.Component(logger, "status_repository"),
		now:      time.Now,
	}
}

// IsDegraded reports whether reads and writes currently go to the fallback.
func (r *FailoverStatusRepository) IsDegraded() bool {
	return r.isDown.Load()
}

func (r *FailoverStatusRepository) markDown(err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("primary status repository failed, falling back to memory")
	}
	r.lastCheck.Store(r.now().UnixNano())
}

// usePrimary is true while primary is healthy or a recovery probe is due.
func (r *FailoverStatusRepository) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	return r.now().Sub(time.Unix(0, r.lastCheck.Load())) > recoveryProbeInterval
}

func (r *FailoverStatusRepository) recovered() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("primary status repository recovered")
	}
}

func (r *FailoverStatusRepository) SetLastSynced(ctx context.Context, userID int64, t time.Time) error {
	if r.usePrimary() {
		err := r.primary.SetLastSynced(ctx, userID, t)
		if err == nil {
			r.recovered()
			// keep the fallback warm for the next outage
			_ = r.fallback.SetLastSynced(ctx, userID, t)
			return nil
		}
		r.markDown(err)
	}

	return r.fallback.SetLastSynced(ctx, userID, t)
}

func (r *FailoverStatusRepository) GetLastSynced(ctx context.Context, userID int64) (*time.Time, error) {
	if r.usePrimary() {
		t, err := r.primary.GetLastSynced(ctx, userID)
		if err == nil {
			r.recovered()
			return t, nil
		}
		r.markDown(err)
	}

	return r.fallback.GetLastSynced(ctx, userID)
}
