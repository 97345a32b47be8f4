package repository

import (
	"context"
	"sync"
	"time"

	"kamesync/internal/models"
)

type MemoryStateRepository struct {
	progress sync.Map
	syncing  sync.Map
	mu       sync.Mutex
	resetAt  *time.Time
}

func NewMemoryStateRepository() *MemoryStateRepository {
	return &MemoryStateRepository{}
}

func (r *MemoryStateRepository) SetProgress(ctx context.Context, collection string, progress models.SyncProgress) error {
	r.progress.Store(collection, progress)
	return nil
}

func (r *MemoryStateRepository) GetProgress(ctx context.Context, collection string) (*models.SyncProgress, error) {
	val, ok := r.progress.Load(collection)
	if !ok {
		return nil, nil
	}
	p := val.(models.SyncProgress)
	return &p, nil
}

func (r *MemoryStateRepository) SetSyncing(ctx context.Context, collection string, syncing bool) error {
	r.syncing.Store(collection, syncing)
	return nil
}

func (r *MemoryStateRepository) IsSyncing(ctx context.Context, collection string) (bool, error) {
	val, ok := r.syncing.Load(collection)
	if !ok {
		return false, nil
	}
	return val.(bool), nil
}

func (r *MemoryStateRepository) SetRateLimitReset(ctx context.Context, resetAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetAt = &resetAt
	return nil
}

func (r *MemoryStateRepository) GetRateLimitReset(ctx context.Context) (*time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resetAt == nil {
		return nil, nil
	}
	t := *r.resetAt
	return &t, nil
}
