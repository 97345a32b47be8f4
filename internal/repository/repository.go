package repository

import (
	"context"
	"time"

	"kamesync/internal/models"
)

// StateRepository publishes engine state for presentation layers: per-collection
// sync progress and flags, plus the global rate-limit reset timestamp. The
// engine only writes; it never reads UI state back.
type StateRepository interface {
	SetProgress(ctx context.Context, collection string, progress models.SyncProgress) error
	GetProgress(ctx context.Context, collection string) (*models.SyncProgress, error)
	SetSyncing(ctx context.Context, collection string, syncing bool) error
	IsSyncing(ctx context.Context, collection string) (bool, error)
	SetRateLimitReset(ctx context.Context, resetAt time.Time) error
	GetRateLimitReset(ctx context.Context) (*time.Time, error)
}
