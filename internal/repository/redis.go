package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"kamesync/internal/config"
	"kamesync/internal/models"

	"github.com/redis/go-redis/v9"
)

type RedisStateRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient создает новый клиент Redis на основе конфигурации
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

func NewRedisStateRepository(client *redis.Client, ttl time.Duration) *RedisStateRepository {
	return &RedisStateRepository{
		client: client,
		ttl:    ttl,
	}
}

func (r *RedisStateRepository) SetProgress(ctx context.Context, collection string, progress models.SyncProgress) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}
	key := fmt.Sprintf("sync_progress:%s", collection)
	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set progress in redis: %w", err)
	}
	return nil
}

func (r *RedisStateRepository) GetProgress(ctx context.Context, collection string) (*models.SyncProgress, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	key := fmt.Sprintf("sync_progress:%s", collection)
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get progress from redis: %w", err)
	}

	var progress models.SyncProgress
	if err := json.Unmarshal([]byte(val), &progress); err != nil {
		return nil, fmt.Errorf("failed to unmarshal progress: %w", err)
	}
	return &progress, nil
}

func (r *RedisStateRepository) SetSyncing(ctx context.Context, collection string, syncing bool) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	key := fmt.Sprintf("sync_flag:%s", collection)
	val := "0"
	if syncing {
		val = "1"
	}
	if err := r.client.Set(ctx, key, val, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set syncing flag in redis: %w", err)
	}
	return nil
}

func (r *RedisStateRepository) IsSyncing(ctx context.Context, collection string) (bool, error) {
	if r.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	key := fmt.Sprintf("sync_flag:%s", collection)
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get syncing flag from redis: %w", err)
	}
	return val == "1", nil
}

func (r *RedisStateRepository) SetRateLimitReset(ctx context.Context, resetAt time.Time) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.Set(ctx, "rate_limit_reset", resetAt.Format(time.RFC3339Nano), r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set rate limit reset in redis: %w", err)
	}
	return nil
}

func (r *RedisStateRepository) GetRateLimitReset(ctx context.Context) (*time.Time, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	val, err := r.client.Get(ctx, "rate_limit_reset").Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rate limit reset from redis: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rate limit reset: %w", err)
	}
	return &t, nil
}

// Ping проверяет соединение с Redis
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
