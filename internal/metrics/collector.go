// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the Prometheus instruments for the orchestration
// core. Construct one per process; pass a private registry in tests.
type Collector struct {
	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Job lifecycle metrics
	jobsCreatedTotal   prometheus.Counter
	jobsFinishedTotal  *prometheus.CounterVec
	jobsRunning        prometheus.Gauge
	jobsSuspendedTotal *prometheus.CounterVec

	// Stage metrics
	stageExecutionsTotal *prometheus.CounterVec
	stageDuration        *prometheus.HistogramVec
	stageTokensUsed      *prometheus.CounterVec

	// Sweeper metrics
	stuckJobsRequeued prometheus.Counter
	checkpointsPurged prometheus.Counter

	// Worker pool gauges
	poolWorkers prometheus.Gauge
	poolQueued  prometheus.Gauge
}

// NewCollector registers the instrument set under namespace. A nil
// registerer uses the default registry.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{}

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.jobsCreatedTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_created_total",
		Help:      "Total number of jobs created",
	})
	c.jobsFinishedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of jobs reaching a terminal state",
		},
		[]string{"outcome"}, // completed, failed, cancelled
	)
	c.jobsRunning = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "jobs_running",
		Help:      "Number of jobs currently holding an execution lease",
	})
	c.jobsSuspendedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_suspended_total",
			Help:      "Total number of HIL gate suspensions",
		},
		[]string{"gate"},
	)

	c.stageExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_executions_total",
			Help:      "Total number of stage executions",
		},
		[]string{"stage", "status"},
	)
	c.stageDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Stage execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stage"},
	)
	c.stageTokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_tokens_used_total",
			Help:      "Total tokens reported by agent capabilities",
		},
		[]string{"stage"},
	)

	c.stuckJobsRequeued = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stuck_jobs_requeued_total",
		Help:      "Jobs the sweeper found stuck and requeued",
	})
	c.checkpointsPurged = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checkpoints_purged_total",
		Help:      "Checkpoint records removed by garbage collection",
	})

	c.poolWorkers = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_workers",
		Help:      "Worker pool resident worker count",
	})
	c.poolQueued = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_queued_tasks",
		Help:      "Worker pool queued task count",
	})

	return c
}

// RecordHTTPRequest records one served request.
func (c *Collector) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// JobCreated counts a new job.
func (c *Collector) JobCreated() {
	if c == nil {
		return
	}
	c.jobsCreatedTotal.Inc()
}

// JobFinished counts a job reaching a terminal state.
func (c *Collector) JobFinished(outcome string) {
	if c == nil {
		return
	}
	c.jobsFinishedTotal.WithLabelValues(outcome).Inc()
}

// RunningJobs adjusts the running-jobs gauge.
func (c *Collector) RunningJobs(delta float64) {
	if c == nil {
		return
	}
	c.jobsRunning.Add(delta)
}

// JobSuspended counts a HIL gate suspension.
func (c *Collector) JobSuspended(gate string) {
	if c == nil {
		return
	}
	c.jobsSuspendedTotal.WithLabelValues(gate).Inc()
}

// StageExecuted records one stage execution with its outcome.
func (c *Collector) StageExecuted(stage, status string, duration time.Duration, tokens int) {
	if c == nil {
		return
	}
	c.stageExecutionsTotal.WithLabelValues(stage, status).Inc()
	c.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
	if tokens > 0 {
		c.stageTokensUsed.WithLabelValues(stage).Add(float64(tokens))
	}
}

// StuckJobRequeued counts one sweeper requeue.
func (c *Collector) StuckJobRequeued() {
	if c == nil {
		return
	}
	c.stuckJobsRequeued.Inc()
}

// CheckpointsPurged counts garbage-collected checkpoint records.
func (c *Collector) CheckpointsPurged(n int) {
	if c == nil {
		return
	}
	c.checkpointsPurged.Add(float64(n))
}

// PoolGauges updates the worker pool gauges.
func (c *Collector) PoolGauges(workers, queued int) {
	if c == nil {
		return
	}
	c.poolWorkers.Set(float64(workers))
	c.poolQueued.Set(float64(queued))
}
