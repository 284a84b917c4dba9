package prometheus

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fluxorio/buildqueue/pkg/workqueue"
)

var (
	// DefaultRegistry is the registry the CLI exposes on /metrics.
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer labels every metric with the service name.
	DefaultRegisterer = prometheus.WrapRegistererWith(prometheus.Labels{"service": "buildqueue"}, DefaultRegistry)
)

// Outcome label values.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// QueueMetrics records work queue activity. It implements
// workqueue.Observer; one instance can serve several queues, told apart by
// the queue label.
type QueueMetrics struct {
	JobsPushed    *prometheus.CounterVec
	JobsCompleted *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	Workers       *prometheus.GaugeVec
	PendingJobs   *prometheus.GaugeVec
	AdminRequests *prometheus.CounterVec
}

var _ workqueue.Observer = (*QueueMetrics)(nil)

// NewQueueMetrics registers the queue metrics with registerer
// (DefaultRegisterer when nil).
func NewQueueMetrics(registerer prometheus.Registerer) *QueueMetrics {
	if registerer == nil {
		registerer = DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &QueueMetrics{
		JobsPushed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildqueue_jobs_pushed_total",
				Help: "Total number of jobs pushed",
			},
			[]string{"queue"},
		),
		JobsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildqueue_jobs_completed_total",
				Help: "Total number of completed jobs by outcome",
			},
			[]string{"queue", "outcome"},
		),
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "buildqueue_job_duration_seconds",
				Help:    "Time from dequeue to completion in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 900},
			},
			[]string{"queue", "outcome"},
		),
		Workers: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "buildqueue_workers",
				Help: "Number of live workers",
			},
			[]string{"queue"},
		),
		PendingJobs: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "buildqueue_pending_jobs",
				Help: "Number of pending queue entries",
			},
			[]string{"queue"},
		),
		AdminRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildqueue_admin_requests_total",
				Help: "Total number of admin HTTP requests",
			},
			[]string{"path", "status"},
		),
	}
}

// WorkersChanged implements workqueue.Observer.
func (m *QueueMetrics) WorkersChanged(queue string, live int) {
	m.Workers.WithLabelValues(queue).Set(float64(live))
}

// JobPushed implements workqueue.Observer.
func (m *QueueMetrics) JobPushed(queue string, pending int) {
	m.JobsPushed.WithLabelValues(queue).Inc()
	m.PendingJobs.WithLabelValues(queue).Set(float64(pending))
}

// PendingChanged implements workqueue.Observer.
func (m *QueueMetrics) PendingChanged(queue string, pending int) {
	m.PendingJobs.WithLabelValues(queue).Set(float64(pending))
}

// JobStarted implements workqueue.Observer.
func (m *QueueMetrics) JobStarted(ctx context.Context, _ string, _ workqueue.JobInfo) context.Context {
	return ctx
}

// JobFinished implements workqueue.Observer.
func (m *QueueMetrics) JobFinished(_ context.Context, queue string, _ workqueue.JobInfo, ok bool, elapsed time.Duration) {
	outcome := OutcomeSucceeded
	if !ok {
		outcome = OutcomeFailed
	}
	m.JobsCompleted.WithLabelValues(queue, outcome).Inc()
	m.JobDuration.WithLabelValues(queue, outcome).Observe(elapsed.Seconds())
}
