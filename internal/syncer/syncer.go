package syncer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"kamesync/internal/api"
	"kamesync/internal/dispatch"
	"kamesync/internal/events"
	"kamesync/internal/metrics"
	"kamesync/internal/models"
	"kamesync/internal/repository"
	"kamesync/internal/store"

	"github.com/rs/zerolog"
)

// Client is the remote surface the syncer needs; satisfied by *api.Client.
type Client interface {
	CollectionURL(collection string, updatedAfter *time.Time) string
	GetPage(ctx context.Context, collection, pageURL string) (api.Page, error)
	GetUser(ctx context.Context) (*models.User, error)
	GetSummary(ctx context.Context) (*models.Summary, error)
}

// Syncer pulls authoritative collection pages into the local replica. One
// walk per collection at a time; a trigger that finds a walk in flight is a
// no-op.
type Syncer struct {
	store         *store.Store
	client        Client
	repo          repository.StateRepository
	bus           *events.EventBus
	logger        zerolog.Logger
	schemaVersion int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(st *store.Store, client Client, repo repository.StateRepository, bus *events.EventBus, logger zerolog.Logger, schemaVersion int) *Syncer {
	return &Syncer{
		store:         st,
		client:        client,
		repo:          repo,
		bus:           bus,
		logger:        logger.With().Str("component", "syncer").Logger(),
		schemaVersion: schemaVersion,
		locks:         make(map[string]*sync.Mutex),
	}
}

func (s *Syncer) lockFor(collection string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[collection]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[collection] = lock
	}
	return lock
}

// Sync walks one collection. full forces a from-scratch pull regardless of
// the stored cursor; otherwise the stored watermark (or since, whichever is
// later) filters the listing. Returns immediately when a walk for the same
// collection is already running.
func (s *Syncer) Sync(ctx context.Context, collection string, since *time.Time, full bool) error {
	lock := s.lockFor(collection)
	if !lock.TryLock() {
		s.logger.Debug().Str("collection", collection).Msg("Sync already in flight, skipping")
		return nil
	}
	defer lock.Unlock()

	if collection == models.CollectionAssignments {
		if err := s.ensureUser(ctx); err != nil {
			metrics.IncSyncRun(collection, "error")
			return err
		}
	}

	cursor, err := s.store.Cursor(ctx, collection)
	if err != nil {
		metrics.IncSyncRun(collection, "error")
		return err
	}

	// A schema bump means locally stored rows may be missing fields the new
	// decode expects. Refill from scratch.
	if cursor.SchemaVersion != s.schemaVersion {
		if cursor.LastSyncedAt != nil {
			s.logger.Info().
				Str("collection", collection).
				Int("stored", cursor.SchemaVersion).
				Int("current", s.schemaVersion).
				Msg("Schema version changed, forcing full resync")
		}
		full = true
	}

	updatedAfter := watermark(cursor, since)
	if full {
		updatedAfter = nil
	}

	// The next watermark is fixed before the walk and backed off by the skew
	// margin, so records written server-side during the walk are re-fetched
	// next time instead of lost.
	nextWatermark := time.Now().Add(-models.ClockSkewMargin)

	// The filter sent to the server is capped the same way: asking for data
	// newer than now minus the margin could land in the server's future and
	// bounce the whole run.
	if updatedAfter != nil && updatedAfter.After(nextWatermark) {
		updatedAfter = &nextWatermark
	}

	_ = s.repo.SetSyncing(ctx, collection, true)
	defer func() { _ = s.repo.SetSyncing(ctx, collection, false) }()

	applied, total, err := s.walk(ctx, collection, updatedAfter)
	if err != nil {
		var apiErr *dispatch.APIError
		if errors.As(err, &apiErr) && strings.Contains(apiErr.Message, "must be in the past") {
			// Server clock is behind ours; the filter landed in its future.
			// Nothing can have changed in that window, so treat the run as
			// a clean no-op and let the next tick retry.
			s.logger.Warn().Str("collection", collection).Str("error", apiErr.Message).
				Msg("Since filter rejected, skipping run")
			metrics.IncSyncRun(collection, "skipped")
			return nil
		}
		metrics.IncSyncRun(collection, "error")
		return err
	}

	// Every completed authoritative walk supersedes the collection's
	// placeholders: drains delete the ones they confirm, and whatever is
	// left would double-count against the refreshed replica.
	purged, err := s.store.PurgeOptimistic(ctx, collection)
	if err != nil {
		metrics.IncSyncRun(collection, "error")
		return err
	}
	if purged > 0 {
		s.logger.Info().Str("collection", collection).Int64("purged", purged).
			Msg("Dropped optimistic records superseded by authoritative pull")
	}

	if err := s.store.SaveCursor(ctx, models.SyncCursor{
		Collection:    collection,
		LastSyncedAt:  &nextWatermark,
		SchemaVersion: s.schemaVersion,
		KnownTotal:    total,
	}); err != nil {
		metrics.IncSyncRun(collection, "error")
		return err
	}

	metrics.IncSyncRun(collection, "success")
	s.logger.Info().
		Str("collection", collection).
		Int("applied", applied).
		Int("total", total).
		Bool("full", full).
		Msg("Sync completed")

	_ = s.bus.PublishJSON(events.EventSyncCompleted, events.SyncPayload{
		Collection: collection,
		Full:       full,
		Total:      total,
	})
	return nil
}

// walk fetches and applies pages until the server stops returning a next
// page. Each page commits independently; a failed walk leaves already-applied
// pages behind, which the keyed upserts make safe to re-apply.
func (s *Syncer) walk(ctx context.Context, collection string, updatedAfter *time.Time) (applied, total int, err error) {
	pageURL := s.client.CollectionURL(collection, updatedAfter)

	for pageURL != "" {
		page, err := s.client.GetPage(ctx, collection, pageURL)
		if err != nil {
			return applied, total, err
		}
		total = page.TotalCount

		records := make([]store.Record, 0, len(page.Data))
		for _, res := range page.Data {
			records = append(records, store.Record{ID: res.ID, Data: res.Data})
		}
		if err := s.store.BulkUpsert(ctx, collection, records); err != nil {
			return applied, total, err
		}
		if err := s.store.SaveKnownTotal(ctx, collection, total); err != nil {
			return applied, total, err
		}

		applied += len(records)
		metrics.IncSyncPage(collection)
		_ = s.repo.SetProgress(ctx, collection, models.SyncProgress{Count: applied, Total: total})

		pageURL = page.NextURL
	}
	return applied, total, nil
}

// watermark picks the later of the stored cursor and the caller's since.
func watermark(cursor models.SyncCursor, since *time.Time) *time.Time {
	switch {
	case cursor.LastSyncedAt == nil:
		return since
	case since == nil:
		return cursor.LastSyncedAt
	case since.After(*cursor.LastSyncedAt):
		return since
	default:
		return cursor.LastSyncedAt
	}
}

func (s *Syncer) ensureUser(ctx context.Context) error {
	_, err := s.store.GetUser(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	_, err = s.SyncUser(ctx)
	return err
}

// SyncUser refreshes the cached profile record.
func (s *Syncer) SyncUser(ctx context.Context) (*models.User, error) {
	user, err := s.client.GetUser(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveUser(ctx, user); err != nil {
		return nil, err
	}
	s.logger.Debug().Str("username", user.Username).Int("level", user.Level).Msg("User profile refreshed")
	return user, nil
}

// SyncSummary refreshes the pending lessons/reviews mirror.
func (s *Syncer) SyncSummary(ctx context.Context) (*models.Summary, error) {
	summary, err := s.client.GetSummary(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveSummary(ctx, summary); err != nil {
		return nil, err
	}
	return summary, nil
}

// SyncAll runs the startup sequence: profile and summary first, then every
// replicated collection. Collection failures are collected rather than
// aborting the remaining pulls.
func (s *Syncer) SyncAll(ctx context.Context, full bool) error {
	if _, err := s.SyncUser(ctx); err != nil {
		return err
	}
	if _, err := s.SyncSummary(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Summary refresh failed")
	}

	var errs []error
	for _, collection := range []string{
		models.CollectionAssignments,
		models.CollectionReviews,
		models.CollectionStatistics,
	} {
		if err := s.Sync(ctx, collection, nil, full); err != nil {
			s.logger.Error().Err(err).Str("collection", collection).Msg("Collection sync failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
