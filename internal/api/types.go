package api

import (
	"encoding/json"
	"time"

	"kamesync/internal/models"
)

// Resource is the server's per-item envelope: the id rides outside the
// resource body.
type Resource struct {
	ID            models.EntityID `json:"id"`
	Object        string          `json:"object"`
	DataUpdatedAt time.Time       `json:"data_updated_at"`
	Data          json.RawMessage `json:"data"`
}

// Page is one decoded page of a collection listing.
type Page struct {
	Data       []Resource
	TotalCount int
	NextURL    string
}

type pages struct {
	NextURL     *string `json:"next_url"`
	PreviousURL *string `json:"previous_url"`
}

type collectionEnvelope struct {
	Object     string     `json:"object"`
	TotalCount int        `json:"total_count"`
	Pages      pages      `json:"pages"`
	Data       []Resource `json:"data"`
}

type singleEnvelope struct {
	Object        string          `json:"object"`
	DataUpdatedAt time.Time       `json:"data_updated_at"`
	Data          json.RawMessage `json:"data"`
}

// ReviewResult is a created review plus the server's recomputed side-channel
// resources.
type ReviewResult struct {
	Review            Resource
	UpdatedAssignment *Resource
	UpdatedStatistic  *Resource
}

type reviewCreateEnvelope struct {
	ID               models.EntityID `json:"id"`
	Object           string          `json:"object"`
	DataUpdatedAt    time.Time       `json:"data_updated_at"`
	Data             json.RawMessage `json:"data"`
	ResourcesUpdated struct {
		Assignment      *Resource `json:"assignment"`
		ReviewStatistic *Resource `json:"review_statistic"`
	} `json:"resources_updated"`
}

type summaryData struct {
	Lessons []struct {
		AvailableAt time.Time `json:"available_at"`
		SubjectIDs  []int64   `json:"subject_ids"`
	} `json:"lessons"`
	Reviews []struct {
		AvailableAt time.Time `json:"available_at"`
		SubjectIDs  []int64   `json:"subject_ids"`
	} `json:"reviews"`
	NextReviewsAt *time.Time `json:"next_reviews_at"`
}
