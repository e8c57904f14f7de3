// Package monitoring exposes Prometheus collectors for the work
// scheduler and search engine.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the server's Prometheus collectors.
type Metrics struct {
	JobsSubmitted prometheus.Counter
	JobsCompleted prometheus.Counter
	JobsFailed    prometheus.Counter
	JobsCancelled prometheus.Counter

	QueueDepth prometheus.Gauge
	ActiveJobs prometheus.Gauge

	JobDuration      prometheus.Histogram
	SearchIterations prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		JobsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kodama",
			Name:      "jobs_submitted_total",
			Help:      "Work generation jobs accepted into the queue.",
		}),
		JobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kodama",
			Name:      "jobs_completed_total",
			Help:      "Jobs that produced a result, including exhausted searches.",
		}),
		JobsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kodama",
			Name:      "jobs_failed_total",
			Help:      "Jobs that ended with a driver or device error.",
		}),
		JobsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kodama",
			Name:      "jobs_cancelled_total",
			Help:      "Queued jobs removed by work_cancel or purge.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "kodama",
			Name:      "queue_depth",
			Help:      "Jobs currently waiting in the priority queue.",
		}),
		ActiveJobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "kodama",
			Name:      "active_jobs",
			Help:      "Jobs currently being searched on a device.",
		}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kodama",
			Name:      "job_duration_seconds",
			Help:      "Wall time from search start to completion.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		SearchIterations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kodama",
			Name:      "search_iterations_total",
			Help:      "Blake2b trials performed, observed in coarse batches.",
		}),
	}
}

// NewDefault registers against the default Prometheus registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}
