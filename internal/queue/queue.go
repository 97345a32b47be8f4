package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"kamesync/internal/api"
	"kamesync/internal/dispatch"
	"kamesync/internal/events"
	"kamesync/internal/metrics"
	"kamesync/internal/models"
	"kamesync/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Client is the remote surface the queue needs; satisfied by *api.Client.
type Client interface {
	Ping(ctx context.Context) error
	StartAssignment(ctx context.Context, id models.EntityID, startedAt time.Time, idempotencyKey string) (*api.Resource, error)
	CreateReview(ctx context.Context, payload models.SubmitPayload, createdAt time.Time, idempotencyKey string) (*api.ReviewResult, error)
}

// Options tune drain behavior; zero values take the model defaults.
type Options struct {
	MaxFailures  int
	ProbeBackoff time.Duration
}

// Queue is the durable optimistic mutation queue. Enqueue writes the local
// replica first and records the pending mutation; Drain flushes pending
// mutations in arrival order once the server is reachable.
type Queue struct {
	store        *store.Store
	client       Client
	bus          *events.EventBus
	logger       zerolog.Logger
	maxFailures  int
	probeBackoff time.Duration

	draining atomic.Bool
}

func New(st *store.Store, client Client, bus *events.EventBus, logger zerolog.Logger, opts Options) *Queue {
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = models.MaxItemFailures
	}
	if opts.ProbeBackoff <= 0 {
		opts.ProbeBackoff = models.ConnectivityBackoff
	}
	return &Queue{
		store:        st,
		client:       client,
		bus:          bus,
		logger:       logger.With().Str("component", "queue").Logger(),
		maxFailures:  opts.MaxFailures,
		probeBackoff: opts.ProbeBackoff,
	}
}

// EnqueueStart records a lesson start: the assignment replica is marked
// started immediately and the server call is queued.
func (q *Queue) EnqueueStart(ctx context.Context, assignmentID models.EntityID) error {
	now := time.Now()

	item := &models.QueueItem{
		Kind:           models.SubmissionStart,
		TargetID:       assignmentID,
		IdempotencyKey: uuid.NewString(),
		CreatedAt:      now,
	}
	if err := q.store.CreateQueueItem(ctx, item); err != nil {
		return err
	}

	rec, err := q.store.Get(ctx, models.CollectionAssignments, assignmentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if rec != nil {
		var a models.Assignment
		if err := json.Unmarshal(rec.Data, &a); err != nil {
			return fmt.Errorf("decode assignment %d: %w", assignmentID, err)
		}
		a.StartedAt = &now
		updated, err := store.NewRecord(assignmentID, a)
		if err != nil {
			return err
		}
		if err := q.store.BulkUpsert(ctx, models.CollectionAssignments, []store.Record{updated}); err != nil {
			return err
		}
	}

	q.publishDepth(ctx)
	q.logger.Debug().Int64("assignment", assignmentID.Int64()).Msg("Lesson start queued")
	return nil
}

// EnqueueSubmission records one graded answer: a provisional review with a
// pending id lands in the replica, the assignment stage advances, the
// per-subject statistic is recomputed, and the server call is queued.
func (q *Queue) EnqueueSubmission(ctx context.Context, payload models.SubmitPayload, sessionRef string) error {
	now := time.Now()

	reviewID, err := q.writeProvisionalReview(ctx, payload, now)
	if err != nil {
		return err
	}
	if err := q.advanceAssignment(ctx, payload); err != nil {
		return err
	}
	statisticID, err := q.recomputeStatistic(ctx, payload)
	if err != nil {
		return err
	}

	// The minted placeholder ids ride with the queued payload so the drain
	// can remove them once the server confirms the real records.
	payload.PendingReviewID = reviewID
	payload.PendingStatisticID = statisticID

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode submission: %w", err)
	}
	item := &models.QueueItem{
		Kind:           models.SubmissionSubmit,
		TargetID:       payload.AssignmentID,
		SessionRef:     sessionRef,
		ItemRef:        payload.SubjectID,
		Payload:        string(raw),
		IdempotencyKey: uuid.NewString(),
		CreatedAt:      now,
	}
	if err := q.store.CreateQueueItem(ctx, item); err != nil {
		return err
	}

	q.publishDepth(ctx)
	q.logger.Debug().
		Int64("assignment", payload.AssignmentID.Int64()).
		Int("ending_stage", payload.EndingSRSStage).
		Msg("Submission queued")
	return nil
}

func (q *Queue) writeProvisionalReview(ctx context.Context, payload models.SubmitPayload, now time.Time) (models.EntityID, error) {
	id, err := q.store.NextPendingID(ctx, models.CollectionReviews)
	if err != nil {
		return 0, err
	}
	review := models.Review{
		ID:                      id,
		AssignmentID:            payload.AssignmentID,
		SubjectID:               payload.SubjectID,
		StartingSRSStage:        payload.StartingSRSStage,
		EndingSRSStage:          payload.EndingSRSStage,
		IncorrectMeaningAnswers: payload.IncorrectMeaning,
		IncorrectReadingAnswers: payload.IncorrectReading,
		CreatedAt:               now,
	}
	rec, err := store.NewRecord(id, review)
	if err != nil {
		return 0, err
	}
	return id, q.store.PutOptimistic(ctx, models.CollectionReviews, rec)
}

func (q *Queue) advanceAssignment(ctx context.Context, payload models.SubmitPayload) error {
	rec, err := q.store.Get(ctx, models.CollectionAssignments, payload.AssignmentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var a models.Assignment
	if err := json.Unmarshal(rec.Data, &a); err != nil {
		return fmt.Errorf("decode assignment %d: %w", payload.AssignmentID, err)
	}
	a.SRSStage = payload.EndingSRSStage
	updated, err := store.NewRecord(payload.AssignmentID, a)
	if err != nil {
		return err
	}
	return q.store.BulkUpsert(ctx, models.CollectionAssignments, []store.Record{updated})
}

// recomputeStatistic folds the answer into the per-subject statistic and
// returns the minted placeholder id, zero when an existing row was updated
// in place.
func (q *Queue) recomputeStatistic(ctx context.Context, payload models.SubmitPayload) (models.EntityID, error) {
	var stat models.ReviewStatistic

	rec, err := q.store.FindBySubject(ctx, models.CollectionStatistics, payload.SubjectID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		id, err := q.store.NextPendingID(ctx, models.CollectionStatistics)
		if err != nil {
			return 0, err
		}
		stat = models.ReviewStatistic{
			ID:          id,
			SubjectID:   payload.SubjectID,
			SubjectType: payload.SubjectType,
		}
	case err != nil:
		return 0, err
	default:
		if err := json.Unmarshal(rec.Data, &stat); err != nil {
			return 0, fmt.Errorf("decode statistic for subject %d: %w", payload.SubjectID, err)
		}
	}

	stat.Apply(payload.IncorrectMeaning, payload.IncorrectReading)

	updated, err := store.NewRecord(stat.ID, stat)
	if err != nil {
		return 0, err
	}
	if stat.ID.IsPending() {
		return stat.ID, q.store.PutOptimistic(ctx, models.CollectionStatistics, updated)
	}
	return 0, q.store.BulkUpsert(ctx, models.CollectionStatistics, []store.Record{updated})
}

// DrainResult summarizes one Drain call.
type DrainResult struct {
	Submitted int
	Abandoned int
	LevelUp   bool
	Remaining int
}

// Drain flushes the queue: connectivity probe first, then pending mutations
// one at a time in arrival order, repeating until a pass finds the queue
// empty. A concurrent Drain is a no-op; going offline mid-drain aborts the
// pass and leaves the remainder queued.
func (q *Queue) Drain(ctx context.Context) (result DrainResult, err error) {
	if !q.draining.CompareAndSwap(false, true) {
		q.logger.Debug().Msg("Drain already in flight, skipping")
		return result, nil
	}
	defer q.draining.Store(false)

	defer func() {
		// Deliberately not the caller's context: a canceled drain must still
		// report how much work is left behind.
		remaining, countErr := q.store.CountQueueItems(context.Background())
		if countErr == nil {
			result.Remaining = remaining
			metrics.SetQueueDepth(remaining)
		}
	}()

	items, err := q.store.ListQueueItems(ctx)
	if err != nil {
		return result, err
	}
	if len(items) == 0 {
		return result, nil
	}

	if !q.probeOnline(ctx) {
		q.logger.Info().Int("pending", len(items)).Msg("Offline, drain postponed")
		return result, nil
	}

	for {
		items, err := q.store.ListQueueItems(ctx)
		if err != nil {
			return result, err
		}
		if len(items) == 0 {
			break
		}

		progressed := false
		for _, item := range items {
			levelUp, err := q.processItem(ctx, &item)
			if err == nil {
				result.Submitted++
				result.LevelUp = result.LevelUp || levelUp
				progressed = true
				continue
			}
			if isOffline(err) {
				q.logger.Warn().Err(err).Int64("item", item.ID).Msg("Connection lost mid-drain")
				q.finishDrain(ctx, result)
				return result, nil
			}
			abandoned, failErr := q.recordFailure(ctx, &item, err)
			if failErr != nil {
				return result, failErr
			}
			if abandoned {
				result.Abandoned++
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}

	q.finishDrain(ctx, result)
	return result, nil
}

func (q *Queue) finishDrain(ctx context.Context, result DrainResult) {
	if result.Submitted == 0 && result.Abandoned == 0 {
		return
	}
	q.logger.Info().
		Int("submitted", result.Submitted).
		Int("abandoned", result.Abandoned).
		Bool("level_up", result.LevelUp).
		Msg("Drain finished")
	if result.LevelUp {
		_ = q.bus.PublishJSON(events.EventLevelUp, events.DrainPayload{
			Submitted: result.Submitted,
			Abandoned: result.Abandoned,
			LevelUp:   true,
		})
	}
	_ = q.bus.PublishJSON(events.EventQueueDrained, events.DrainPayload{
		Submitted: result.Submitted,
		Abandoned: result.Abandoned,
		LevelUp:   result.LevelUp,
	})
}

func (q *Queue) processItem(ctx context.Context, item *models.QueueItem) (levelUp bool, err error) {
	ts := item.EffectiveTimestamp(time.Now())

	switch item.Kind {
	case models.SubmissionStart:
		resource, err := q.client.StartAssignment(ctx, item.TargetID, ts, item.IdempotencyKey)
		if err != nil {
			return false, err
		}
		if err := q.applyResource(ctx, models.CollectionAssignments, resource); err != nil {
			return false, err
		}

	case models.SubmissionSubmit:
		var payload models.SubmitPayload
		if err := json.Unmarshal([]byte(item.Payload), &payload); err != nil {
			return false, fmt.Errorf("decode submission %d: %w", item.ID, err)
		}
		result, err := q.client.CreateReview(ctx, payload, ts, item.IdempotencyKey)
		if err != nil {
			return false, err
		}
		if err := q.applyResource(ctx, models.CollectionReviews, &result.Review); err != nil {
			return false, err
		}
		if err := q.applyResource(ctx, models.CollectionAssignments, result.UpdatedAssignment); err != nil {
			return false, err
		}
		if err := q.applyResource(ctx, models.CollectionStatistics, result.UpdatedStatistic); err != nil {
			return false, err
		}
		if err := q.dropProvisional(ctx, payload); err != nil {
			return false, err
		}
		levelUp = q.detectLevelUp(ctx, payload)

	default:
		return false, fmt.Errorf("unknown submission kind %q", item.Kind)
	}

	if err := q.store.DeleteQueueItem(ctx, item.ID); err != nil {
		return false, err
	}
	return levelUp, nil
}

// dropProvisional removes the placeholder rows this submission minted; the
// server-confirmed resources have just replaced them under real ids, so a
// surviving placeholder would double-count.
func (q *Queue) dropProvisional(ctx context.Context, payload models.SubmitPayload) error {
	if payload.PendingReviewID.IsPending() {
		if err := q.store.Delete(ctx, models.CollectionReviews, payload.PendingReviewID); err != nil {
			return err
		}
	}
	if payload.PendingStatisticID.IsPending() {
		if err := q.store.Delete(ctx, models.CollectionStatistics, payload.PendingStatisticID); err != nil {
			return err
		}
	}
	return nil
}

// applyResource merges a server-confirmed resource into the replica.
func (q *Queue) applyResource(ctx context.Context, collection string, resource *api.Resource) error {
	if resource == nil {
		return nil
	}
	return q.store.BulkUpsert(ctx, collection, []store.Record{{ID: resource.ID, Data: resource.Data}})
}

// detectLevelUp reports whether this answer passed a kanji of the user's
// current level, which is what unlocks level progression server-side.
func (q *Queue) detectLevelUp(ctx context.Context, payload models.SubmitPayload) bool {
	if payload.SubjectType != "kanji" {
		return false
	}
	if payload.StartingSRSStage > models.LevelUpStage || payload.EndingSRSStage <= models.LevelUpStage {
		return false
	}
	user, err := q.store.GetUser(ctx)
	if err != nil {
		return false
	}
	return payload.SubjectLevel == user.Level
}

func (q *Queue) recordFailure(ctx context.Context, item *models.QueueItem, cause error) (abandoned bool, err error) {
	q.logger.Warn().Err(cause).
		Int64("item", item.ID).
		Str("kind", item.Kind).
		Int("failed_attempts", item.FailedAttempts+1).
		Msg("Submission rejected")

	if err := q.store.BumpQueueItemFailure(ctx, item.ID, cause.Error()); err != nil {
		return false, err
	}
	if item.FailedAttempts+1 < q.maxFailures {
		return false, nil
	}

	if err := q.store.DeleteQueueItem(ctx, item.ID); err != nil {
		return false, err
	}
	metrics.IncAbandoned()
	q.logger.Error().
		Int64("item", item.ID).
		Str("kind", item.Kind).
		Int64("target", item.TargetID.Int64()).
		Msg("Submission abandoned after repeated rejections")
	_ = q.bus.PublishJSON(events.EventSubmissionAbandoned, events.AbandonPayload{
		ItemID:    item.ID,
		Kind:      item.Kind,
		TargetID:  item.TargetID.Int64(),
		LastError: cause.Error(),
	})
	return true, nil
}

// probeOnline issues a single cheap authenticated request, retrying once
// after a short backoff. Any response from the server, even an error one,
// proves the link is up.
func (q *Queue) probeOnline(ctx context.Context) bool {
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(q.probeBackoff):
			}
		}
		err := q.client.Ping(ctx)
		if err == nil || !isOffline(err) {
			return true
		}
		q.logger.Debug().Err(err).Msg("Connectivity probe failed")
	}
	return false
}

// isOffline separates "server said no" from "server unreachable". Structured
// rejections mean the link is up and the item itself is at fault.
func isOffline(err error) bool {
	var apiErr *dispatch.APIError
	var httpErr *dispatch.HTTPError
	if errors.As(err, &apiErr) || errors.As(err, &httpErr) {
		return false
	}
	if errors.Is(err, dispatch.ErrAttemptsExhausted) {
		return false
	}
	return true
}

// Depth reports the current queue length.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	return q.store.CountQueueItems(ctx)
}

func (q *Queue) publishDepth(ctx context.Context) {
	if n, err := q.store.CountQueueItems(ctx); err == nil {
		metrics.SetQueueDepth(n)
	}
}
