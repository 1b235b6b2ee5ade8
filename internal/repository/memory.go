package repository

import (
	"context"
	"sync"
	"time"
)

type MemoryStatusRepository struct {
	lastSynced sync.Map
}

func NewMemoryStatusRepository() *MemoryStatusRepository {
	return &MemoryStatusRepository{}
}

func (r *MemoryStatusRepository) SetLastSynced(_ context.Context, userID int64, t time.Time) error {
	r.lastSynced.Store(userID, t.UTC())
	return nil
}

func (r *MemoryStatusRepository) GetLastSynced(_ context.Context, userID int64) (*time.Time, error) {
	val, ok := r.lastSynced.Load(userID)
	if !ok {
		return nil, nil
	}
	t := val.(time.Time)
	return &t, nil
}
