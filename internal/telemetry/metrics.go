package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ChecksSubmitted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "checks_submitted_total", Help: "Checks accepted by the gateway"})
	ChecksRejected       = prometheus.NewCounter(prometheus.CounterOpts{Name: "checks_rejected_total", Help: "Submissions rejected by validation"})
	ChecksFinalized      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "checks_finalized_total", Help: "Checks that reached a terminal status"}, []string{"status"})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "checks_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	OutboxPublished      = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_published_total", Help: "Outbox messages handed to the queue"})
	OutboxErrors         = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_publish_errors_total", Help: "Outbox publish attempts that failed"})
	WorkerSuccess        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_completed_total", Help: "Tasks completed successfully"}, []string{"kind"})
	WorkerFailures       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_failed_total", Help: "Tasks that failed and will retry"}, []string{"kind"})
	WorkerDeadLetter     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_dead_letter_total", Help: "Tasks moved to DLQ"}, []string{"kind"})
	EmailsSent           = prometheus.NewCounter(prometheus.CounterOpts{Name: "notifications_sent_total", Help: "Result emails delivered to the SMTP relay"})
	QueueDepthGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tasks_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tasks_inflight", Help: "Tasks currently leased"})
	CalculationHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "prime_calculation_seconds", Help: "Time spent evaluating primality", Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10)})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// Register adds the collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			ChecksSubmitted,
			ChecksRejected,
			ChecksFinalized,
			RateLimitRejects,
			OutboxPublished,
			OutboxErrors,
			WorkerSuccess,
			WorkerFailures,
			WorkerDeadLetter,
			EmailsSent,
			QueueDepthGauge,
			InFlightGauge,
			CalculationHistogram,
		)
	})
}
