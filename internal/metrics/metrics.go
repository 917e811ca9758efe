package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	jobsCompleted *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	jobsCancelled *prometheus.CounterVec

	jobDuration     *prometheus.HistogramVec
	workspaceCreate *prometheus.HistogramVec
)

// Source exposes the live scheduler and broker counts the gauges sample.
type Source interface {
	RunningCount() int
	QueueDepth() int
	SubscriberCount() int
}

func Register(src Source) {
	registerOnce.Do(func() {
		if src == nil {
			return
		}

		jobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "promptd",
			Name:      "jobs_completed_total",
			Help:      "Number of jobs that completed successfully.",
		}, []string{"repo"})
		jobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "promptd",
			Name:      "jobs_failed_total",
			Help:      "Number of jobs that failed.",
		}, []string{"repo", "reason"})
		jobsCancelled = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "promptd",
			Name:      "jobs_cancelled_total",
			Help:      "Number of jobs that were cancelled.",
		}, []string{"repo"})

		jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "promptd",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of jobs from start to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"repo"})
		workspaceCreate = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "promptd",
			Name:      "workspace_create_duration_seconds",
			Help:      "Duration of workspace materialization.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"})

		prometheus.MustRegister(
			jobsCompleted,
			jobsFailed,
			jobsCancelled,
			jobDuration,
			workspaceCreate,
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "promptd",
				Name:      "jobs_running",
				Help:      "Number of jobs currently running.",
			}, func() float64 {
				return float64(src.RunningCount())
			}),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "promptd",
				Name:      "queue_depth",
				Help:      "Number of jobs waiting in the queue.",
			}, func() float64 {
				return float64(src.QueueDepth())
			}),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "promptd",
				Name:      "output_subscribers",
				Help:      "Number of live output stream subscriptions.",
			}, func() float64 {
				return float64(src.SubscriberCount())
			}),
		)
	})
}

// The record helpers are no-ops until Register runs, so packages can emit
// unconditionally.

func JobCompleted(repo string) {
	if jobsCompleted != nil {
		jobsCompleted.WithLabelValues(repo).Inc()
	}
}

func JobFailed(repo, reason string) {
	if jobsFailed != nil {
		jobsFailed.WithLabelValues(repo, reason).Inc()
	}
}

func JobCancelled(repo string) {
	if jobsCancelled != nil {
		jobsCancelled.WithLabelValues(repo).Inc()
	}
}

func ObserveJobDuration(repo string, d time.Duration) {
	if jobDuration != nil {
		jobDuration.WithLabelValues(repo).Observe(d.Seconds())
	}
}

func ObserveWorkspaceCreate(mode string, d time.Duration) {
	if workspaceCreate != nil {
		workspaceCreate.WithLabelValues(mode).Observe(d.Seconds())
	}
}
