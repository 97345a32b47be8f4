package models

import "time"

// Assignment mirrors the server's assignment resource, reduced to the fields
// the engine needs for gating, optimistic starts and forecast recompute.
type Assignment struct {
	ID            EntityID   `json:"id"`
	SubjectID     int64      `json:"subject_id"`
	SubjectType   string     `json:"subject_type"` // radical, kanji, vocabulary
	SRSStage      int        `json:"srs_stage"`
	Level         int        `json:"level"`
	UnlockedAt    *time.Time `json:"unlocked_at"`
	StartedAt     *time.Time `json:"started_at"`
	AvailableAt   *time.Time `json:"available_at"`
	PassedAt      *time.Time `json:"passed_at"`
	Hidden        bool       `json:"hidden"`
	DataUpdatedAt time.Time  `json:"data_updated_at"`
}

// Review is a single graded answer for an assignment.
type Review struct {
	ID                      EntityID  `json:"id"`
	AssignmentID            EntityID  `json:"assignment_id"`
	SubjectID               int64     `json:"subject_id"`
	StartingSRSStage        int       `json:"starting_srs_stage"`
	EndingSRSStage          int       `json:"ending_srs_stage"`
	IncorrectMeaningAnswers int       `json:"incorrect_meaning_answers"`
	IncorrectReadingAnswers int       `json:"incorrect_reading_answers"`
	CreatedAt               time.Time `json:"created_at"`
	DataUpdatedAt           time.Time `json:"data_updated_at"`
}

// ReviewStatistic is the server-computed per-subject accuracy record. The
// queue fabricates a pending copy of it after each submission so dashboards
// stay current while offline.
type ReviewStatistic struct {
	ID                   EntityID  `json:"id"`
	SubjectID            int64     `json:"subject_id"`
	SubjectType          string    `json:"subject_type"`
	MeaningCorrect       int       `json:"meaning_correct"`
	MeaningIncorrect     int       `json:"meaning_incorrect"`
	MeaningCurrentStreak int       `json:"meaning_current_streak"`
	MeaningMaxStreak     int       `json:"meaning_max_streak"`
	ReadingCorrect       int       `json:"reading_correct"`
	ReadingIncorrect     int       `json:"reading_incorrect"`
	ReadingCurrentStreak int       `json:"reading_current_streak"`
	ReadingMaxStreak     int       `json:"reading_max_streak"`
	PercentageCorrect    int       `json:"percentage_correct"`
	Hidden               bool      `json:"hidden"`
	DataUpdatedAt        time.Time `json:"data_updated_at"`
}

// Apply folds one graded answer into the statistic the way the server does,
// so the optimistic copy matches what the next authoritative pull returns.
func (s *ReviewStatistic) Apply(incorrectMeaning, incorrectReading int) {
	if incorrectMeaning > 0 {
		s.MeaningIncorrect += incorrectMeaning
		s.MeaningCurrentStreak = 0
	} else {
		s.MeaningCorrect++
		s.MeaningCurrentStreak++
		if s.MeaningCurrentStreak > s.MeaningMaxStreak {
			s.MeaningMaxStreak = s.MeaningCurrentStreak
		}
	}

	if incorrectReading > 0 {
		s.ReadingIncorrect += incorrectReading
		s.ReadingCurrentStreak = 0
	} else {
		s.ReadingCorrect++
		s.ReadingCurrentStreak++
		if s.ReadingCurrentStreak > s.ReadingMaxStreak {
			s.ReadingMaxStreak = s.ReadingCurrentStreak
		}
	}

	correct := s.MeaningCorrect + s.ReadingCorrect
	total := correct + s.MeaningIncorrect + s.ReadingIncorrect
	if total > 0 {
		s.PercentageCorrect = 100 * correct / total
	}
}

// User is the profile record gating level-dependent logic.
type User struct {
	Username        string    `json:"username"`
	Level           int       `json:"level"`
	MaxLevelGranted int       `json:"max_level_granted"`
	StartedAt       time.Time `json:"started_at"`
	DataUpdatedAt   time.Time `json:"data_updated_at"`
}

// Summary is the cheap "pending lessons/reviews" mirror persisted for fast
// restart without re-deriving counts from the full replica.
type Summary struct {
	PendingLessons int        `json:"pending_lessons"`
	PendingReviews int        `json:"pending_reviews"`
	NextReviewsAt  *time.Time `json:"next_reviews_at"`
	RefreshedAt    time.Time  `json:"refreshed_at"`
}

// SyncCursor is the per-collection incremental sync watermark.
type SyncCursor struct {
	Collection    string     `json:"collection"`
	LastSyncedAt  *time.Time `json:"last_synced_at"`
	SchemaVersion int        `json:"schema_version"`
	KnownTotal    int        `json:"known_total"`
}
