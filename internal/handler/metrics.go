package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmerrifield20/intentledger/internal/ledger"
	"github.com/jmerrifield20/intentledger/internal/queue"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intentledger_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "intentledger_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	commitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intentledger_commits_total",
		Help: "Envelope submissions by outcome (committed or error tag).",
	}, []string{"outcome"})

	commitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "intentledger_commit_duration_seconds",
		Help:    "Time spent validating, verifying and writing one envelope.",
		Buckets: prometheus.DefBuckets,
	})

	queueItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intentledger_queue_items_total",
		Help: "Staged files processed by outcome.",
	}, []string{"outcome"})

	queueSweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intentledger_queue_sweeps_total",
		Help: "Completed queue sweeps.",
	})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordCommit records one submission. It matches commit.Observer.
func RecordCommit(outcome string, elapsed time.Duration) {
	commitsTotal.WithLabelValues(outcome).Inc()
	commitDuration.Observe(elapsed.Seconds())
}

// RecordSweep records a queue sweep.
func RecordSweep(rep queue.SweepReport) {
	queueSweepsTotal.Inc()
	for _, it := range rep.Items {
		queueItemsTotal.WithLabelValues(string(it.Outcome)).Inc()
	}
}

// RegisterLedgerGauges exports index counts read from store at scrape time.
func RegisterLedgerGauges(reg prometheus.Registerer, store *ledger.Store) error {
	commits := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "intentledger_index_commits",
		Help: "Idempotency keys in the ledger index.",
	}, func() float64 { return float64(store.Stats().Commits) })
	dirty := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "intentledger_index_dirty",
		Help: "1 when the in-memory index has not been persisted.",
	}, func() float64 {
		if store.Stats().Dirty {
			return 1
		}
		return 0
	})
	for _, c := range []prometheus.Collector{commits, dirty} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
