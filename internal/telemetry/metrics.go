package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	PostsPromoted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_posts_promoted_total", Help: "Due posts promoted into the work queue"})
	PostsPosted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_posts_posted_total", Help: "Posts delivered successfully"})
	PostsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_posts_failed_total", Help: "Posts terminally failed"})
	PostsRetried   = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_posts_retried_total", Help: "Delivery attempts scheduled for queue-level retry"})
	PostsRecovered = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_posts_recovered_total", Help: "Stuck PROCESSING rows reset to PENDING"})
	DuplicateSkips = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_duplicate_jobs_skipped_total", Help: "Promotions skipped because the job id was already live"})

	QueueReadyGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scheduler_queue_ready", Help: "Jobs waiting in the ready set"})
	QueueScheduledGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scheduler_queue_scheduled", Help: "Jobs waiting in the delayed set"})
	InFlightGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scheduler_jobs_inflight", Help: "Jobs currently leased by workers"})

	DeliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scheduler_delivery_duration_seconds",
		Help:    "Wall time of one delivery attempt against the platform",
		Buckets: prometheus.DefBuckets,
	})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			PostsPromoted,
			PostsPosted,
			PostsFailed,
			PostsRetried,
			PostsRecovered,
			DuplicateSkips,
			QueueReadyGauge,
			QueueScheduledGauge,
			InFlightGauge,
			DeliveryDuration,
		)
	})
	return promhttp.Handler()
}
