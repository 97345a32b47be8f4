package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"kamesync/internal/api"
	"kamesync/internal/dispatch"
	"kamesync/internal/events"
	"kamesync/internal/models"
	"kamesync/internal/repository"
	"kamesync/internal/store"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu          sync.Mutex
	pages       map[string][]api.Page // first-page URL -> page chain
	defaultPage *api.Page             // served when no chain matches the URL
	pageErr     error
	user        *models.User
	summary     *models.Summary
	calls       []string
	blockOn     chan struct{} // when set, GetPage waits for a signal
	pageURLs    []string
}

func (f *fakeClient) CollectionURL(collection string, updatedAfter *time.Time) string {
	u := "https://api.example.com/v2/" + collection
	if updatedAfter != nil {
		q := url.Values{}
		q.Set("updated_after", updatedAfter.UTC().Format(time.RFC3339))
		u += "?" + q.Encode()
	}
	return u
}

func (f *fakeClient) GetPage(ctx context.Context, collection, pageURL string) (api.Page, error) {
	if f.blockOn != nil {
		<-f.blockOn
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "page:"+collection)
	f.pageURLs = append(f.pageURLs, pageURL)
	if f.pageErr != nil {
		return api.Page{}, f.pageErr
	}
	chain, ok := f.pages[firstPageKey(pageURL)]
	if !ok {
		if f.defaultPage != nil {
			return *f.defaultPage, nil
		}
		return api.Page{}, fmt.Errorf("no fake pages for %s", pageURL)
	}
	for i, p := range chain {
		if i == pageIndex(pageURL) {
			return p, nil
		}
	}
	return api.Page{}, fmt.Errorf("page out of range: %s", pageURL)
}

// Fake pagination: next pages are addressed as <first>#page=N.
func firstPageKey(pageURL string) string {
	if i := strings.Index(pageURL, "#"); i >= 0 {
		return pageURL[:i]
	}
	return pageURL
}

func pageIndex(pageURL string) int {
	i := strings.Index(pageURL, "#page=")
	if i < 0 {
		return 0
	}
	var n int
	fmt.Sscanf(pageURL[i:], "#page=%d", &n)
	return n
}

func (f *fakeClient) GetUser(ctx context.Context) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "user")
	if f.user == nil {
		return nil, fmt.Errorf("no fake user")
	}
	u := *f.user
	return &u, nil
}

func (f *fakeClient) GetSummary(ctx context.Context) (*models.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "summary")
	if f.summary == nil {
		return nil, fmt.Errorf("no fake summary")
	}
	s := *f.summary
	return &s, nil
}

func (f *fakeClient) pageCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, "page:") {
			n++
		}
	}
	return n
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	logger := zerolog.Nop()
	st, err := store.NewStore(t.TempDir()+"/test.db", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func resource(t *testing.T, id int64, v interface{}) api.Resource {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return api.Resource{ID: models.EntityID(id), Object: "assignment", Data: data}
}

func newTestSyncer(t *testing.T, client Client, schemaVersion int) (*Syncer, *store.Store, *repository.MemoryStateRepository, *events.EventBus) {
	t.Helper()
	st := newTestStore(t)
	repo := repository.NewMemoryStateRepository()
	bus := events.NewEventBus()
	s := New(st, client, repo, bus, zerolog.Nop(), schemaVersion)
	return s, st, repo, bus
}

func TestSyncAppliesPagesAndAdvancesCursor(t *testing.T) {
	first := "https://api.example.com/v2/reviews"
	client := &fakeClient{pages: map[string][]api.Page{
		first: {
			{Data: []api.Resource{resource(t, 1, map[string]int{"a": 1}), resource(t, 2, map[string]int{"a": 2})},
				TotalCount: 3, NextURL: first + "#page=1"},
			{Data: []api.Resource{resource(t, 3, map[string]int{"a": 3})}, TotalCount: 3},
		},
	}}
	s, st, repo, bus := newTestSyncer(t, client, 2)
	ctx := context.Background()

	var completed []events.SyncPayload
	bus.Subscribe(events.EventSyncCompleted, func(e *events.Event) error {
		var p events.SyncPayload
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		completed = append(completed, p)
		return nil
	})

	require.NoError(t, s.Sync(ctx, models.CollectionReviews, nil, false))

	count, err := st.Count(ctx, models.CollectionReviews)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	cursor, err := st.Cursor(ctx, models.CollectionReviews)
	require.NoError(t, err)
	require.NotNil(t, cursor.LastSyncedAt)
	assert.Equal(t, 2, cursor.SchemaVersion)
	assert.Equal(t, 3, cursor.KnownTotal)
	// Watermark is backed off by the skew margin.
	assert.True(t, time.Since(*cursor.LastSyncedAt) >= models.ClockSkewMargin)
	assert.True(t, time.Since(*cursor.LastSyncedAt) < models.ClockSkewMargin+10*time.Second)

	progress, err := repo.GetProgress(ctx, models.CollectionReviews)
	require.NoError(t, err)
	require.NotNil(t, progress)
	assert.Equal(t, 3, progress.Count)
	assert.Equal(t, 3, progress.Total)

	syncing, err := repo.IsSyncing(ctx, models.CollectionReviews)
	require.NoError(t, err)
	assert.False(t, syncing)

	require.Len(t, completed, 1)
	assert.Equal(t, models.CollectionReviews, completed[0].Collection)
	assert.Equal(t, 3, completed[0].Total)
}

func TestSyncIncrementalUsesStoredWatermark(t *testing.T) {
	watermarkAt := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	first := "https://api.example.com/v2/reviews?updated_after=2026-08-30T12%3A00%3A00Z"
	client := &fakeClient{pages: map[string][]api.Page{
		first: {{TotalCount: 0}},
	}}
	s, st, _, _ := newTestSyncer(t, client, 2)
	ctx := context.Background()

	require.NoError(t, st.SaveCursor(ctx, models.SyncCursor{
		Collection:    models.CollectionReviews,
		LastSyncedAt:  &watermarkAt,
		SchemaVersion: 2,
	}))

	require.NoError(t, s.Sync(ctx, models.CollectionReviews, nil, false))
	require.Len(t, client.pageURLs, 1)
	assert.Contains(t, client.pageURLs[0], "updated_after=2026-08-30T12")
}

func TestSyncCallerSinceBeyondWatermarkWins(t *testing.T) {
	stored := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	caller := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	first := "https://api.example.com/v2/reviews?updated_after=2026-08-31T09%3A00%3A00Z"
	client := &fakeClient{pages: map[string][]api.Page{
		first: {{TotalCount: 0}},
	}}
	s, st, _, _ := newTestSyncer(t, client, 2)
	ctx := context.Background()

	require.NoError(t, st.SaveCursor(ctx, models.SyncCursor{
		Collection:    models.CollectionReviews,
		LastSyncedAt:  &stored,
		SchemaVersion: 2,
	}))

	require.NoError(t, s.Sync(ctx, models.CollectionReviews, &caller, false))
	require.Len(t, client.pageURLs, 1)
	assert.Contains(t, client.pageURLs[0], "updated_after=2026-08-31T09")
}

func TestSyncSinceFilterClampedToSkewMargin(t *testing.T) {
	// A caller-supplied since ahead of the local clock (session end recorded
	// on a skewed device) must not reach the server as-is: the filter is
	// capped at now minus the skew margin.
	client := &fakeClient{defaultPage: &api.Page{TotalCount: 0}}
	s, st, _, _ := newTestSyncer(t, client, 2)
	ctx := context.Background()

	stored := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.SaveCursor(ctx, models.SyncCursor{
		Collection:    models.CollectionReviews,
		LastSyncedAt:  &stored,
		SchemaVersion: 2,
	}))

	future := time.Now().Add(time.Hour)
	before := time.Now()
	require.NoError(t, s.Sync(ctx, models.CollectionReviews, &future, false))

	require.Len(t, client.pageURLs, 1)
	parsed, err := url.Parse(client.pageURLs[0])
	require.NoError(t, err)
	raw := parsed.Query().Get("updated_after")
	require.NotEmpty(t, raw)
	sent, err := time.Parse(time.RFC3339, raw)
	require.NoError(t, err)

	assert.WithinDuration(t, before.Add(-models.ClockSkewMargin), sent, 5*time.Second)
	assert.True(t, sent.Before(before), "sent filter must stay behind the local clock")
}

func TestIncrementalSyncPurgesOptimistic(t *testing.T) {
	// Placeholders whose drain never got to confirm them (crash between
	// submit and delete) are swept by the next incremental walk, not just a
	// full pull.
	stored := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	first := "https://api.example.com/v2/review_statistics?updated_after=2026-08-30T12%3A00%3A00Z"
	client := &fakeClient{pages: map[string][]api.Page{
		first: {{Data: []api.Resource{resource(t, 7, map[string]int{"subject_id": 10})}, TotalCount: 1}},
	}}
	s, st, _, _ := newTestSyncer(t, client, 2)
	ctx := context.Background()

	require.NoError(t, st.SaveCursor(ctx, models.SyncCursor{
		Collection:    models.CollectionStatistics,
		LastSyncedAt:  &stored,
		SchemaVersion: 2,
	}))
	require.NoError(t, st.PutOptimistic(ctx, models.CollectionStatistics,
		store.Record{ID: -1, Data: json.RawMessage(`{"subject_id":10}`)}))

	require.NoError(t, s.Sync(ctx, models.CollectionStatistics, nil, false))

	require.Len(t, client.pageURLs, 1)
	assert.Contains(t, client.pageURLs[0], "updated_after=2026-08-30T12")

	_, err := st.Get(ctx, models.CollectionStatistics, -1)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.Get(ctx, models.CollectionStatistics, 7)
	assert.NoError(t, err)

	leftovers, err := st.ListOptimistic(ctx, models.CollectionStatistics)
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestSchemaMismatchForcesFullResync(t *testing.T) {
	stored := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	first := "https://api.example.com/v2/reviews"
	client := &fakeClient{pages: map[string][]api.Page{
		first: {{Data: []api.Resource{resource(t, 1, map[string]int{"a": 1})}, TotalCount: 1}},
	}}
	s, st, _, _ := newTestSyncer(t, client, 3)
	ctx := context.Background()

	// Cursor written by an older build.
	require.NoError(t, st.SaveCursor(ctx, models.SyncCursor{
		Collection:    models.CollectionReviews,
		LastSyncedAt:  &stored,
		SchemaVersion: 2,
	}))

	// An optimistic placeholder that a full pull must purge.
	require.NoError(t, st.PutOptimistic(ctx, models.CollectionReviews,
		store.Record{ID: -1, Data: json.RawMessage(`{"fake":true}`)}))

	require.NoError(t, s.Sync(ctx, models.CollectionReviews, nil, false))

	// No since filter despite the stored watermark.
	require.Len(t, client.pageURLs, 1)
	assert.NotContains(t, client.pageURLs[0], "updated_after")

	_, err := st.Get(ctx, models.CollectionReviews, -1)
	assert.ErrorIs(t, err, store.ErrNotFound)

	cursor, err := st.Cursor(ctx, models.CollectionReviews)
	require.NoError(t, err)
	assert.Equal(t, 3, cursor.SchemaVersion)
}

func TestSyncConcurrentTriggerIsNoOp(t *testing.T) {
	first := "https://api.example.com/v2/reviews"
	release := make(chan struct{})
	client := &fakeClient{
		pages:   map[string][]api.Page{first: {{TotalCount: 0}}},
		blockOn: release,
	}
	s, _, _, _ := newTestSyncer(t, client, 2)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- s.Sync(ctx, models.CollectionReviews, nil, false) }()

	// Wait for the first walk to hold the lock.
	require.Eventually(t, func() bool {
		lock := s.lockFor(models.CollectionReviews)
		if lock.TryLock() {
			lock.Unlock()
			return false
		}
		return true
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Sync(ctx, models.CollectionReviews, nil, false))
	assert.Equal(t, 0, client.pageCalls(), "second trigger must not fetch")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, client.pageCalls())
}

func TestSyncSwallowsSinceFilterRejection(t *testing.T) {
	client := &fakeClient{
		pages:   map[string][]api.Page{},
		pageErr: &dispatch.APIError{Message: "time must be in the past", Code: 422},
	}
	s, st, _, _ := newTestSyncer(t, client, 2)
	ctx := context.Background()

	require.NoError(t, s.Sync(ctx, models.CollectionReviews, nil, false))

	// The failed run must not advance the cursor.
	cursor, err := st.Cursor(ctx, models.CollectionReviews)
	require.NoError(t, err)
	assert.Nil(t, cursor.LastSyncedAt)
}

func TestSyncFailedWalkKeepsCursor(t *testing.T) {
	client := &fakeClient{
		pages:   map[string][]api.Page{},
		pageErr: fmt.Errorf("network down"),
	}
	s, st, _, _ := newTestSyncer(t, client, 2)
	ctx := context.Background()

	require.Error(t, s.Sync(ctx, models.CollectionReviews, nil, false))

	cursor, err := st.Cursor(ctx, models.CollectionReviews)
	require.NoError(t, err)
	assert.Nil(t, cursor.LastSyncedAt)
}

func TestAssignmentsSyncFetchesUserFirst(t *testing.T) {
	first := "https://api.example.com/v2/assignments"
	client := &fakeClient{
		pages: map[string][]api.Page{first: {{TotalCount: 0}}},
		user:  &models.User{Username: "koichi", Level: 7},
	}
	s, st, _, _ := newTestSyncer(t, client, 2)
	ctx := context.Background()

	require.NoError(t, s.Sync(ctx, models.CollectionAssignments, nil, false))

	user, err := st.GetUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, user.Level)

	require.GreaterOrEqual(t, len(client.calls), 2)
	assert.Equal(t, "user", client.calls[0])
}

func TestSyncAllOrder(t *testing.T) {
	base := "https://api.example.com/v2/"
	client := &fakeClient{
		pages: map[string][]api.Page{
			base + "assignments":       {{TotalCount: 0}},
			base + "reviews":           {{TotalCount: 0}},
			base + "review_statistics": {{TotalCount: 0}},
		},
		user:    &models.User{Username: "koichi", Level: 7},
		summary: &models.Summary{PendingReviews: 5},
	}
	s, st, _, _ := newTestSyncer(t, client, 2)
	ctx := context.Background()

	require.NoError(t, s.SyncAll(ctx, true))

	assert.Equal(t, "user", client.calls[0])
	assert.Equal(t, "summary", client.calls[1])
	assert.Equal(t, 3, client.pageCalls())

	summary, err := st.GetSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, summary.PendingReviews)
}

func TestForecastBucketsUpcomingReviews(t *testing.T) {
	client := &fakeClient{}
	s, st, _, _ := newTestSyncer(t, client, 2)
	ctx := context.Background()

	now := time.Now()
	in1h := now.Add(time.Hour)
	in2h := now.Add(2 * time.Hour)
	past := now.Add(-time.Hour)
	started := now.Add(-24 * time.Hour)

	mk := func(id int64, availableAt *time.Time, startedAt *time.Time, hidden bool) store.Record {
		a := models.Assignment{ID: models.EntityID(id), AvailableAt: availableAt, StartedAt: startedAt, Hidden: hidden}
		rec, err := store.NewRecord(a.ID, a)
		require.NoError(t, err)
		return rec
	}

	require.NoError(t, st.BulkUpsert(ctx, models.CollectionAssignments, []store.Record{
		mk(1, &in1h, &started, false),
		mk(2, &in1h, &started, false),
		mk(3, &in2h, &started, false),
		mk(4, &past, &started, false), // already available, not upcoming
		mk(5, &in1h, nil, false),      // never started
		mk(6, &in1h, &started, true),  // hidden
	}))

	slots, err := s.Forecast(ctx)
	require.NoError(t, err)

	total := 0
	for _, slot := range slots {
		total += slot.Count
	}
	assert.Equal(t, 3, total)
}
