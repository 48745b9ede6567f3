package jobqueue

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultCompleted = "completed"
	resultRetried   = "retried"
	resultFailed    = "failed"
)

var (
	jobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "battle",
		Subsystem: "jobs",
		Name:      "processed_total",
		Help:      "Job attempts by type and outcome",
	}, []string{"type", "result"})
	jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "battle",
		Subsystem: "jobs",
		Name:      "handler_seconds",
		Help:      "Job handler latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"type"})

	metricsOnce sync.Once
)

func registerMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(jobsProcessed, jobDuration)
	})
}

func observe(jobType, result string, took time.Duration) {
	jobsProcessed.WithLabelValues(jobType, result).Inc()
	if took > 0 {
		jobDuration.WithLabelValues(jobType).Observe(took.Seconds())
	}
}
