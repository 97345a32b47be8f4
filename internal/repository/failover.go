package repository

import (
	"context"
	"sync/atomic"
	"time"

	"kamesync/internal/models"

	"github.com/rs/zerolog"
)

type FailoverStateRepository struct {
	primary   StateRepository
	fallback  StateRepository
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck time.Time
}

func NewFailoverStateRepository(primary, fallback StateRepository, logger *zerolog.Logger) *FailoverStateRepository {
	return &FailoverStateRepository{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (r *FailoverStateRepository) markDown(err error) {
	r.logger.Error().Err(err).Msg("Primary state repository failed, falling back to memory")
	r.isDown.Store(true)
	r.lastCheck = time.Now()
}

func (r *FailoverStateRepository) SetProgress(ctx context.Context, collection string, progress models.SyncProgress) error {
	if !r.isDown.Load() {
		err := r.primary.SetProgress(ctx, collection, progress)
		if err == nil {
			return nil
		}
		r.markDown(err)
	}

	return r.fallback.SetProgress(ctx, collection, progress)
}

func (r *FailoverStateRepository) GetProgress(ctx context.Context, collection string) (*models.SyncProgress, error) {
	if !r.isDown.Load() {
		progress, err := r.primary.GetProgress(ctx, collection)
		if err == nil {
			return progress, nil
		}
		r.markDown(err)
	}

	// Try to recover after 1 minute
	if r.isDown.Load() && time.Since(r.lastCheck) > time.Minute {
		progress, err := r.primary.GetProgress(ctx, collection)
		if err == nil {
			r.isDown.Store(false)
			return progress, nil
		}
		r.lastCheck = time.Now()
	}

	return r.fallback.GetProgress(ctx, collection)
}

func (r *FailoverStateRepository) SetSyncing(ctx context.Context, collection string, syncing bool) error {
	if !r.isDown.Load() {
		err := r.primary.SetSyncing(ctx, collection, syncing)
		if err == nil {
			return nil
		}
		r.markDown(err)
	}

	return r.fallback.SetSyncing(ctx, collection, syncing)
}

func (r *FailoverStateRepository) IsSyncing(ctx context.Context, collection string) (bool, error) {
	if !r.isDown.Load() {
		syncing, err := r.primary.IsSyncing(ctx, collection)
		if err == nil {
			return syncing, nil
		}
		r.markDown(err)
	}

	return r.fallback.IsSyncing(ctx, collection)
}

func (r *FailoverStateRepository) SetRateLimitReset(ctx context.Context, resetAt time.Time) error {
	if !r.isDown.Load() {
		err := r.primary.SetRateLimitReset(ctx, resetAt)
		if err == nil {
			return nil
		}
		r.markDown(err)
	}

	return r.fallback.SetRateLimitReset(ctx, resetAt)
}

func (r *FailoverStateRepository) GetRateLimitReset(ctx context.Context) (*time.Time, error) {
	if !r.isDown.Load() {
		resetAt, err := r.primary.GetRateLimitReset(ctx)
		if err == nil {
			return resetAt, nil
		}
		r.markDown(err)
	}

	return r.fallback.GetRateLimitReset(ctx)
}
