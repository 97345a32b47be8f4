package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"kamesync/internal/models"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replica.db")
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	s, err := NewStore(path, &logger)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustRecord(t *testing.T, id models.EntityID, v interface{}) Record {
	t.Helper()
	rec, err := NewRecord(id, v)
	if err != nil {
		t.Fatalf("new record: %v", err)
	}
	return rec
}

func TestBulkUpsertIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	page := []Record{
		mustRecord(t, 1, models.Assignment{ID: 1, SubjectID: 10, SRSStage: 2}),
		mustRecord(t, 2, models.Assignment{ID: 2, SubjectID: 11, SRSStage: 4}),
	}

	if err := s.BulkUpsert(ctx, models.CollectionAssignments, page); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := s.BulkUpsert(ctx, models.CollectionAssignments, page); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	count, err := s.Count(ctx, models.CollectionAssignments)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 records after re-applying page, got %d", count)
	}
}

func TestBulkUpsertOverwritesOptimistic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fake := mustRecord(t, 5, models.ReviewStatistic{ID: 5, MeaningCorrect: 1})
	if err := s.PutOptimistic(ctx, models.CollectionStatistics, fake); err != nil {
		t.Fatalf("put optimistic: %v", err)
	}

	real := mustRecord(t, 5, models.ReviewStatistic{ID: 5, MeaningCorrect: 7})
	if err := s.BulkUpsert(ctx, models.CollectionStatistics, []Record{real}); err != nil {
		t.Fatalf("bulk upsert: %v", err)
	}

	got, err := s.Get(ctx, models.CollectionStatistics, 5)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Origin != models.OriginAuthoritative {
		t.Fatalf("expected authoritative origin, got %s", got.Origin)
	}
}

func TestPutOptimisticDoesNotOverwriteAuthoritative(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	real := mustRecord(t, 9, models.Assignment{ID: 9, SRSStage: 5})
	if err := s.BulkUpsert(ctx, models.CollectionAssignments, []Record{real}); err != nil {
		t.Fatalf("bulk upsert: %v", err)
	}

	fake := mustRecord(t, 9, models.Assignment{ID: 9, SRSStage: 1})
	if err := s.PutOptimistic(ctx, models.CollectionAssignments, fake); err != nil {
		t.Fatalf("put optimistic: %v", err)
	}

	got, err := s.Get(ctx, models.CollectionAssignments, 9)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Origin != models.OriginAuthoritative {
		t.Fatalf("optimistic write replaced authoritative record")
	}
}

func TestPurgeOptimistic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutOptimistic(ctx, models.CollectionReviews,
		mustRecord(t, -1, models.Review{ID: -1})); err != nil {
		t.Fatalf("put optimistic: %v", err)
	}
	if err := s.PutOptimistic(ctx, models.CollectionReviews,
		mustRecord(t, -2, models.Review{ID: -2})); err != nil {
		t.Fatalf("put optimistic: %v", err)
	}
	if err := s.BulkUpsert(ctx, models.CollectionReviews,
		[]Record{mustRecord(t, 100, models.Review{ID: 100})}); err != nil {
		t.Fatalf("bulk upsert: %v", err)
	}

	purged, err := s.PurgeOptimistic(ctx, models.CollectionReviews)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 2 {
		t.Fatalf("expected 2 purged, got %d", purged)
	}

	records, err := s.List(ctx, models.CollectionReviews)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, rec := range records {
		if rec.ID.IsPending() {
			t.Fatalf("pending record %d survived purge", rec.ID)
		}
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 authoritative record, got %d", len(records))
	}
}

func TestNextPendingID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.NextPendingID(ctx, "review")
	if err != nil {
		t.Fatalf("next pending id: %v", err)
	}
	id2, err := s.NextPendingID(ctx, "review")
	if err != nil {
		t.Fatalf("next pending id: %v", err)
	}

	if id1 != -1 || id2 != -2 {
		t.Fatalf("expected -1 then -2, got %d then %d", id1, id2)
	}
	if !id1.IsPending() || id2.IsServer() {
		t.Fatalf("pending classification broken")
	}

	// Independent counter per kind.
	other, err := s.NextPendingID(ctx, "statistic")
	if err != nil {
		t.Fatalf("next pending id: %v", err)
	}
	if other != -1 {
		t.Fatalf("expected independent counter starting at -1, got %d", other)
	}
}

func TestCursorRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cursor, err := s.Cursor(ctx, models.CollectionAssignments)
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cursor.LastSyncedAt != nil || cursor.SchemaVersion != 0 {
		t.Fatalf("expected zero cursor, got %+v", cursor)
	}

	now := time.Now().Truncate(time.Second)
	cursor.LastSyncedAt = &now
	cursor.SchemaVersion = 2
	cursor.KnownTotal = 1500
	if err := s.SaveCursor(ctx, cursor); err != nil {
		t.Fatalf("save cursor: %v", err)
	}

	loaded, err := s.Cursor(ctx, models.CollectionAssignments)
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if loaded.LastSyncedAt == nil || !loaded.LastSyncedAt.Equal(now) {
		t.Fatalf("expected last synced %s, got %v", now, loaded.LastSyncedAt)
	}
	if loaded.SchemaVersion != 2 || loaded.KnownTotal != 1500 {
		t.Fatalf("unexpected cursor: %+v", loaded)
	}
}

func TestQueueItemLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := &models.QueueItem{
		Kind:           models.SubmissionSubmit,
		TargetID:       42,
		SessionRef:     "session-1",
		ItemRef:        7,
		Payload:        `{"assignment_id":42}`,
		IdempotencyKey: "key-1",
	}
	if err := s.CreateQueueItem(ctx, item); err != nil {
		t.Fatalf("create: %v", err)
	}
	if item.ID == 0 {
		t.Fatalf("expected auto-assigned id")
	}

	second := &models.QueueItem{Kind: models.SubmissionStart, TargetID: 43, Payload: `{}`, IdempotencyKey: "key-2"}
	if err := s.CreateQueueItem(ctx, second); err != nil {
		t.Fatalf("create: %v", err)
	}

	items, err := s.ListQueueItems(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 || items[0].ID != item.ID {
		t.Fatalf("expected insertion order, got %+v", items)
	}

	if err := s.BumpQueueItemFailure(ctx, item.ID, "network down"); err != nil {
		t.Fatalf("bump: %v", err)
	}
	items, _ = s.ListQueueItems(ctx)
	if items[0].FailedAttempts != 1 {
		t.Fatalf("expected failed_attempts=1, got %d", items[0].FailedAttempts)
	}
	if items[0].LastError == nil || *items[0].LastError != "network down" {
		t.Fatalf("expected last error recorded")
	}

	if err := s.DeleteQueueItem(ctx, item.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	count, _ := s.CountQueueItems(ctx)
	if count != 1 {
		t.Fatalf("expected 1 item left, got %d", count)
	}
}

func TestUserAndSummaryScalars(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetUser(ctx); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for missing user, got %v", err)
	}

	user := &models.User{Username: "koichi", Level: 12}
	if err := s.SaveUser(ctx, user); err != nil {
		t.Fatalf("save user: %v", err)
	}
	loaded, err := s.GetUser(ctx)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if loaded.Username != "koichi" || loaded.Level != 12 {
		t.Fatalf("unexpected user: %+v", loaded)
	}

	summary := &models.Summary{PendingLessons: 3, PendingReviews: 18, RefreshedAt: time.Now()}
	if err := s.SaveSummary(ctx, summary); err != nil {
		t.Fatalf("save summary: %v", err)
	}
	gotSummary, err := s.GetSummary(ctx)
	if err != nil {
		t.Fatalf("get summary: %v", err)
	}
	if gotSummary.PendingReviews != 18 {
		t.Fatalf("unexpected summary: %+v", gotSummary)
	}
}
