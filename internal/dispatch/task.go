package dispatch

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrAttemptsExhausted marks a task abandoned after the retry budget.
var ErrAttemptsExhausted = errors.New("dispatch attempts exhausted")

// ErrClosed is returned when submitting to a stopped dispatcher.
var ErrClosed = errors.New("dispatcher closed")

// Task is one outbound request. Attempt starts at zero and is bumped on every
// resubmission; retried tasks cut ahead of fresh traffic of the same kind.
type Task struct {
	Method   string
	URL      string
	Endpoint string // logical name for logging and metrics
	Body     []byte
	Header   http.Header
	Timeout  time.Duration
	Attempt  int

	// MaxAttempts overrides the dispatcher's attempt budget for this task;
	// zero means the dispatcher default. Probes set 1 to fail fast.
	MaxAttempts int
}

// Response is the raw outcome of a successfully transported request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// APIError is a structured application-level error payload returned by the
// server. The dispatcher never retries these; callers decide.
type APIError struct {
	Message string `json:"error"`
	Code    int    `json:"code"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Code, e.Message)
}

// HTTPError is a non-2xx response without a structured error body.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}
