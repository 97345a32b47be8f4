package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"kamesync/internal/dispatch"
	"kamesync/internal/models"
)

// Doer dispatches one outbound request; satisfied by *dispatch.Dispatcher.
type Doer interface {
	Do(ctx context.Context, task dispatch.Task) (*dispatch.Response, error)
}

// Client is the typed surface over the remote /v2 API. All traffic flows
// through the dispatcher, which owns rate limiting and retries.
type Client struct {
	baseURL        string
	token          string
	revision       string
	doer           Doer
	requestTimeout time.Duration
	pageTimeout    time.Duration
}

type Option func(*Client)

func WithTimeouts(request, page time.Duration) Option {
	return func(c *Client) {
		if request > 0 {
			c.requestTimeout = request
		}
		if page > 0 {
			c.pageTimeout = page
		}
	}
}

func NewClient(baseURL, token, revision string, doer Doer, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:          strings.TrimSpace(token),
		revision:       revision,
		doer:           doer,
		requestTimeout: models.DefaultRequestTimeout,
		pageTimeout:    models.PageRequestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) headers(idempotencyKey string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.token)
	h.Set("Wanikani-Revision", c.revision)
	h.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		h.Set("Idempotency-Key", idempotencyKey)
	}
	return h
}

// CollectionURL builds the first-page URL for a collection listing,
// optionally filtered to records updated after the given time.
func (c *Client) CollectionURL(collection string, updatedAfter *time.Time) string {
	u := c.baseURL + "/" + collection
	if updatedAfter != nil {
		q := url.Values{}
		q.Set("updated_after", updatedAfter.UTC().Format(time.RFC3339))
		u += "?" + q.Encode()
	}
	return u
}

// GetPage fetches and decodes one collection page. Paginated pulls get the
// longer page timeout.
func (c *Client) GetPage(ctx context.Context, collection, pageURL string) (Page, error) {
	resp, err := c.doer.Do(ctx, dispatch.Task{
		Method:   http.MethodGet,
		URL:      pageURL,
		Endpoint: collection,
		Header:   c.headers(""),
		Timeout:  c.pageTimeout,
	})
	if err != nil {
		return Page{}, err
	}

	var envelope collectionEnvelope
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return Page{}, fmt.Errorf("decode %s page: %w", collection, err)
	}

	page := Page{Data: envelope.Data, TotalCount: envelope.TotalCount}
	if envelope.Pages.NextURL != nil {
		page.NextURL = *envelope.Pages.NextURL
	}
	return page, nil
}

// GetUser fetches the profile record.
func (c *Client) GetUser(ctx context.Context) (*models.User, error) {
	resp, err := c.doer.Do(ctx, dispatch.Task{
		Method:   http.MethodGet,
		URL:      c.baseURL + "/user",
		Endpoint: "user",
		Header:   c.headers(""),
		Timeout:  c.requestTimeout,
	})
	if err != nil {
		return nil, err
	}

	var envelope singleEnvelope
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	var user models.User
	if err := json.Unmarshal(envelope.Data, &user); err != nil {
		return nil, fmt.Errorf("decode user data: %w", err)
	}
	user.DataUpdatedAt = envelope.DataUpdatedAt
	return &user, nil
}

// GetSummary fetches the pending lessons/reviews summary. Reviews count only
// buckets already available; lessons have no availability gate.
func (c *Client) GetSummary(ctx context.Context) (*models.Summary, error) {
	resp, err := c.doer.Do(ctx, dispatch.Task{
		Method:   http.MethodGet,
		URL:      c.baseURL + "/summary",
		Endpoint: "summary",
		Header:   c.headers(""),
		Timeout:  c.requestTimeout,
	})
	if err != nil {
		return nil, err
	}

	var envelope singleEnvelope
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	var data summaryData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return nil, fmt.Errorf("decode summary data: %w", err)
	}

	summary := &models.Summary{NextReviewsAt: data.NextReviewsAt, RefreshedAt: time.Now()}
	for _, bucket := range data.Lessons {
		summary.PendingLessons += len(bucket.SubjectIDs)
	}
	now := time.Now()
	for _, bucket := range data.Reviews {
		if !bucket.AvailableAt.After(now) {
			summary.PendingReviews += len(bucket.SubjectIDs)
		}
	}
	return summary, nil
}

// StartAssignment reports a lesson start. The idempotency key makes a
// retried PUT safe against double application.
func (c *Client) StartAssignment(ctx context.Context, id models.EntityID, startedAt time.Time, idempotencyKey string) (*Resource, error) {
	body, err := json.Marshal(map[string]interface{}{
		"assignment": map[string]interface{}{
			"started_at": startedAt.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode start body: %w", err)
	}

	resp, err := c.doer.Do(ctx, dispatch.Task{
		Method:   http.MethodPut,
		URL:      fmt.Sprintf("%s/assignments/%d/start", c.baseURL, id.Int64()),
		Endpoint: "assignments/start",
		Header:   c.headers(idempotencyKey),
		Body:     body,
		Timeout:  c.requestTimeout,
	})
	if err != nil {
		return nil, err
	}

	var resource Resource
	if err := json.Unmarshal(resp.Body, &resource); err != nil {
		return nil, fmt.Errorf("decode started assignment: %w", err)
	}
	return &resource, nil
}

// CreateReview submits one graded answer and returns the created review plus
// the server-recomputed assignment and statistic from the side-channel.
func (c *Client) CreateReview(ctx context.Context, payload models.SubmitPayload, createdAt time.Time, idempotencyKey string) (*ReviewResult, error) {
	body, err := json.Marshal(map[string]interface{}{
		"review": map[string]interface{}{
			"assignment_id":             payload.AssignmentID.Int64(),
			"incorrect_meaning_answers": payload.IncorrectMeaning,
			"incorrect_reading_answers": payload.IncorrectReading,
			"created_at":                createdAt.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode review body: %w", err)
	}

	resp, err := c.doer.Do(ctx, dispatch.Task{
		Method:   http.MethodPost,
		URL:      c.baseURL + "/reviews",
		Endpoint: "reviews",
		Header:   c.headers(idempotencyKey),
		Body:     body,
		Timeout:  c.requestTimeout,
	})
	if err != nil {
		return nil, err
	}

	var envelope reviewCreateEnvelope
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return nil, fmt.Errorf("decode created review: %w", err)
	}

	result := &ReviewResult{
		Review: Resource{
			ID:            envelope.ID,
			Object:        envelope.Object,
			DataUpdatedAt: envelope.DataUpdatedAt,
			Data:          envelope.Data,
		},
		UpdatedAssignment: envelope.ResourcesUpdated.Assignment,
		UpdatedStatistic:  envelope.ResourcesUpdated.ReviewStatistic,
	}
	return result, nil
}

// Ping is the cheap authenticated probe used before draining the queue.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.doer.Do(ctx, dispatch.Task{
		Method:      http.MethodGet,
		URL:         c.baseURL + "/user",
		Endpoint:    "ping",
		Header:      c.headers(""),
		Timeout:     c.requestTimeout,
		MaxAttempts: 1,
	})
	return err
}
