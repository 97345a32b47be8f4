package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	dispatchRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kamesync",
			Name:      "dispatch_requests_total",
			Help:      "Dispatched requests by endpoint and outcome.",
		},
		[]string{"endpoint", "outcome"},
	)

	dispatchRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kamesync",
			Name:      "dispatch_retries_total",
			Help:      "Requests resubmitted after a transient failure.",
		},
	)

	rateLimitPauses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kamesync",
			Name:      "rate_limit_pauses_total",
			Help:      "Times the dispatcher paused on HTTP 429.",
		},
	)

	syncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kamesync",
			Name:      "sync_runs_total",
			Help:      "Completed sync walks by collection and result.",
		},
		[]string{"collection", "result"},
	)

	syncPages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kamesync",
			Name:      "sync_pages_total",
			Help:      "Pages applied to the local replica by collection.",
		},
		[]string{"collection"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kamesync",
			Name:      "submission_queue_depth",
			Help:      "Pending submissions in the durable queue.",
		},
	)

	abandonedSubmissions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kamesync",
			Name:      "abandoned_submissions_total",
			Help:      "Queue items dropped after exhausting retries.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			dispatchRequests,
			dispatchRetries,
			rateLimitPauses,
			syncRuns,
			syncPages,
			queueDepth,
			abandonedSubmissions,
		)
	})
}

// IncDispatch counts one finished dispatch by endpoint and outcome label.
func IncDispatch(endpoint, outcome string) {
	dispatchRequests.WithLabelValues(endpoint, outcome).Inc()
}

func IncRetry() {
	dispatchRetries.Inc()
}

func IncRateLimitPause() {
	rateLimitPauses.Inc()
}

func IncSyncRun(collection, result string) {
	syncRuns.WithLabelValues(collection, result).Inc()
}

func IncSyncPage(collection string) {
	syncPages.WithLabelValues(collection).Inc()
}

func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

func IncAbandoned() {
	abandonedSubmissions.Inc()
}
