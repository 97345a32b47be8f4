package dispatch

import (
	"bytes"
	"container/heap"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"kamesync/internal/events"
	"kamesync/internal/metrics"
	"kamesync/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Options configures a Dispatcher; zero fields fall back to defaults.
type Options struct {
	Concurrency    int
	MaxAttempts    int
	DefaultTimeout time.Duration
	RPS            float64
	Burst          int
	HTTPClient     *http.Client

	// RateLimitSkew and RateLimitFallback shape the 429 pause window;
	// overridden only in tests.
	RateLimitSkew     time.Duration
	RateLimitFallback time.Duration
}

type taskResult struct {
	resp *Response
	err  error
}

type pendingTask struct {
	task Task
	done chan taskResult
	seq  uint64
}

// taskHeap orders pending tasks so retried requests (higher attempt) run
// before fresh ones, FIFO within the same attempt so nothing starves.
type taskHeap []*pendingTask

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Attempt != h[j].task.Attempt {
		return h[i].task.Attempt > h[j].task.Attempt
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) {
	*h = append(*h, x.(*pendingTask))
}
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Dispatcher is the only component that talks to the network: a bounded
// worker pool draining a priority queue, pausing globally around the
// server-dictated rate-limit window.
type Dispatcher struct {
	client         *http.Client
	limiter        *rate.Limiter
	bus            *events.EventBus
	logger         zerolog.Logger
	maxAttempts    int
	defaultTimeout time.Duration
	skew           time.Duration
	fallback       time.Duration

	mu          sync.Mutex
	cond        *sync.Cond
	queue       taskHeap
	seq         uint64
	paused      bool
	resetAt     time.Time
	resumeTimer *time.Timer
	closed      bool
	wg          sync.WaitGroup
}

func New(opts Options, bus *events.EventBus, logger *zerolog.Logger) *Dispatcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = models.DefaultConcurrency
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = models.MaxDispatchAttempts
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = models.DefaultRequestTimeout
	}
	if opts.RPS <= 0 {
		opts.RPS = 1
	}
	if opts.Burst <= 0 {
		opts.Burst = opts.Concurrency
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.RateLimitSkew <= 0 {
		opts.RateLimitSkew = models.RateLimitSkew
	}
	if opts.RateLimitFallback <= 0 {
		opts.RateLimitFallback = models.RateLimitFallback
	}

	d := &Dispatcher{
		client:         opts.HTTPClient,
		limiter:        rate.NewLimiter(rate.Limit(opts.RPS), opts.Burst),
		bus:            bus,
		logger:         logger.With().Str("component", "dispatch").Logger(),
		maxAttempts:    opts.MaxAttempts,
		defaultTimeout: opts.DefaultTimeout,
		skew:           opts.RateLimitSkew,
		fallback:       opts.RateLimitFallback,
	}
	d.cond = sync.NewCond(&d.mu)

	d.wg.Add(opts.Concurrency)
	for i := 0; i < opts.Concurrency; i++ {
		go d.worker()
	}

	return d
}

// Close stops the worker pool. Queued tasks fail with ErrClosed.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	if d.resumeTimer != nil {
		d.resumeTimer.Stop()
		d.resumeTimer = nil
	}
	drained := d.queue
	d.queue = nil
	d.cond.Broadcast()
	d.mu.Unlock()

	for _, p := range drained {
		p.done <- taskResult{err: ErrClosed}
	}
	d.wg.Wait()
}

// Do queues the task and blocks until it terminally succeeds or fails. A
// canceled caller context abandons the wait; the task still completes in the
// background.
func (d *Dispatcher) Do(ctx context.Context, task Task) (*Response, error) {
	done := make(chan taskResult, 1)
	if err := d.enqueue(task, done); err != nil {
		return nil, err
	}

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RateLimitedUntil reports the current pause deadline, zero when unpaused.
func (d *Dispatcher) RateLimitedUntil() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.paused {
		return time.Time{}
	}
	return d.resetAt
}

func (d *Dispatcher) enqueue(task Task, done chan taskResult) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.seq++
	heap.Push(&d.queue, &pendingTask{task: task, done: done, seq: d.seq})
	d.cond.Signal()
	return nil
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		for !d.closed && (len(d.queue) == 0 || d.paused) {
			d.cond.Wait()
		}
		if d.closed {
			d.mu.Unlock()
			return
		}
		p := heap.Pop(&d.queue).(*pendingTask)
		d.mu.Unlock()

		// Client-side pacing; keeps us under budget before the first 429.
		_ = d.limiter.Wait(context.Background())

		d.execute(p)
	}
}

func (d *Dispatcher) execute(p *pendingTask) {
	timeout := p.task.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, p.task.Method, p.task.URL, bytes.NewReader(p.task.Body))
	if err != nil {
		p.done <- taskResult{err: err}
		metrics.IncDispatch(p.task.Endpoint, "invalid")
		return
	}
	for key, values := range p.task.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		// Timeouts and transport failures are treated as recoverable: the
		// task re-enters the queue with a fresh timeout budget.
		d.retryOrFail(p, err)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		d.retryOrFail(p, err)
		return
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		d.pauseUntil(parseReset(resp.Header, time.Now(), d.skew, d.fallback))
		d.retryOrFail(p, &HTTPError{StatusCode: resp.StatusCode, Body: "rate limited"})
		return
	}

	if apiErr := decodeAPIError(body); apiErr != nil {
		metrics.IncDispatch(p.task.Endpoint, "api_error")
		p.done <- taskResult{err: apiErr}
		return
	}

	if resp.StatusCode >= 500 {
		d.retryOrFail(p, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)})
		return
	}

	if resp.StatusCode >= 400 {
		metrics.IncDispatch(p.task.Endpoint, "http_error")
		p.done <- taskResult{err: &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}}
		return
	}

	metrics.IncDispatch(p.task.Endpoint, "ok")
	p.done <- taskResult{resp: &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}}
}

// retryOrFail resubmits the task with a bumped attempt, or fails it
// terminally once the attempt budget is spent.
func (d *Dispatcher) retryOrFail(p *pendingTask, cause error) {
	budget := d.maxAttempts
	if p.task.MaxAttempts > 0 {
		budget = p.task.MaxAttempts
	}
	next := p.task.Attempt + 1
	if next >= budget {
		d.logger.Error().Err(cause).Str("endpoint", p.task.Endpoint).
			Int("attempts", next).Msg("task abandoned")
		metrics.IncDispatch(p.task.Endpoint, "exhausted")
		p.done <- taskResult{err: ErrAttemptsExhausted}
		return
	}

	d.logger.Warn().Err(cause).Str("endpoint", p.task.Endpoint).
		Int("attempt", next).Msg("resubmitting task")
	metrics.IncRetry()

	p.task.Attempt = next
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		p.done <- taskResult{err: ErrClosed}
		return
	}
	d.seq++
	p.seq = d.seq
	heap.Push(&d.queue, p)
	d.cond.Signal()
	d.mu.Unlock()
}

// pauseUntil extends the global rate-limit window. The deadline only ever
// moves forward, and exactly one resume timer is armed for it.
func (d *Dispatcher) pauseUntil(resetAt time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !resetAt.After(d.resetAt) {
		// A later 429 may extend the window but never shorten it.
		return
	}
	d.resetAt = resetAt

	if !d.paused {
		d.paused = true
		metrics.IncRateLimitPause()
		d.logger.Warn().Time("reset_at", resetAt).Msg("rate limited, pausing dispatch")
	}

	if d.resumeTimer != nil {
		d.resumeTimer.Stop()
	}
	d.resumeTimer = time.AfterFunc(time.Until(resetAt), d.resume)

	if d.bus != nil {
		go d.bus.PublishJSON(events.EventRateLimited, events.RateLimitPayload{ResetAt: resetAt})
	}
}

func (d *Dispatcher) resume() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if remaining := time.Until(d.resetAt); remaining > 0 {
		// Window was extended after this timer was armed; re-arm once.
		d.resumeTimer = time.AfterFunc(remaining, d.resume)
		return
	}

	d.paused = false
	d.resumeTimer = nil
	d.logger.Info().Msg("rate limit window elapsed, resuming dispatch")
	d.cond.Broadcast()
}

func decodeAPIError(body []byte) *APIError {
	if len(body) == 0 {
		return nil
	}
	var payload APIError
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}
	if payload.Message == "" {
		return nil
	}
	return &payload
}
