package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tasksync/internal/config"

	"github.com/redis/go-redis/v9"
)

// StatusRepository keeps the last successful sync time per user.
type StatusRepository interface {
	SetLastSynced(ctx context.Context, userID int64, t time.Time) error
	// GetLastSynced returns nil when the user has never synced.
	GetLastSynced(ctx context.Context, userID int64) (*time.Time, error)
}

type RedisStatusRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient builds a redis client from configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

// NewRedisStatusRepository stores timestamps with ttl; zero means no expiry.
func NewRedisStatusRepository(client *redis.Client, ttl time.Duration) *RedisStatusRepository {
	return &RedisStatusRepository{
		client: client,
		ttl:    ttl,
	}
}

func lastSyncedKey(userID int64) string {
	return fmt.Sprintf("tasksync:last_synced:%d", userID)
}

func (r *RedisStatusRepository) SetLastSynced(ctx context.Context, userID int64, t time.Time) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	val := t.UTC().Format(time.RFC3339Nano)
	if err := r.client.Set(ctx, lastSyncedKey(userID), val, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set last synced in redis: %w", err)
	}
	return nil
}

func (r *RedisStatusRepository) GetLastSynced(ctx context.Context, userID int64) (*time.Time, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	val, err := r.client.Get(ctx, lastSyncedKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last synced from redis: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return nil, fmt.Errorf("failed to parse last synced %q: %w", val, err)
	}
	return &t, nil
}

// Ping checks the redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the redis connection.
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
