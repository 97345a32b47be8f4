package models

import "time"

// QueueItem is one durable pending mutation awaiting server confirmation.
// Owned exclusively by the submission queue; the sync engine never touches it.
type QueueItem struct {
	ID             int64      `json:"id"`
	Kind           string     `json:"kind"` // start, submit
	TargetID       EntityID   `json:"target_id"`
	SessionRef     string     `json:"session_ref"`
	ItemRef        int64      `json:"item_ref"`
	Payload        string     `json:"payload"`
	IdempotencyKey string     `json:"idempotency_key"`
	CreatedAt      time.Time  `json:"created_at"`
	FailedAttempts int        `json:"failed_attempts"`
	LastError      *string    `json:"last_error"`
	ProcessedAt    *time.Time `json:"processed_at"`
}

// SubmitPayload is persisted in QueueItem.Payload for kind=submit.
type SubmitPayload struct {
	AssignmentID     EntityID `json:"assignment_id"`
	SubjectID        int64    `json:"subject_id"`
	SubjectType      string   `json:"subject_type"`
	SubjectLevel     int      `json:"subject_level"`
	StartingSRSStage int      `json:"starting_srs_stage"`
	EndingSRSStage   int      `json:"ending_srs_stage"`
	IncorrectMeaning int      `json:"incorrect_meaning"`
	IncorrectReading int      `json:"incorrect_reading"`

	// Placeholder ids minted at enqueue time, removed once the server
	// confirms the submission. Zero when no placeholder was created.
	PendingReviewID    EntityID `json:"pending_review_id,omitempty"`
	PendingStatisticID EntityID `json:"pending_statistic_id,omitempty"`
}

// EffectiveTimestamp picks the timestamp reported to the server: the original
// creation time when the item sat queued for a while, otherwise now, so a
// fast flush does not back-date a submission.
func (q *QueueItem) EffectiveTimestamp(now time.Time) time.Time {
	if now.Sub(q.CreatedAt) > StaleSubmissionAge {
		return q.CreatedAt
	}
	return now
}
