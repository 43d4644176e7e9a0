package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ayurchain/ayurchain/internal/ledger"
	"github.com/ayurchain/ayurchain/internal/verification"
)

var (
	ayurRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ayurchain_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	ayurRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ayurchain_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	ayurLedgerEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ayurchain_ledger_events_total",
		Help: "Total custody events committed by stage.",
	}, []string{"stage"})

	ayurVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ayurchain_verifications_total",
		Help: "Total verifications by verdict.",
	}, []string{"status"})

	ayurIntegrityFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ayurchain_integrity_failures_total",
		Help: "Total chains that failed an integrity audit.",
	})

	ayurAuditChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ayurchain_audit_checks_total",
		Help: "Total chains audited by result.",
	}, []string{"result"})

	ayurStaleParentRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ayurchain_stale_parent_retries_total",
		Help: "Total appends retried after another writer moved the chain head.",
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

		ayurRequestsTotal.WithLabelValues(method, path, status).Inc()
		ayurRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordLedgerEvent records a committed custody event.
func RecordLedgerEvent(stage ledger.Stage) {
	ayurLedgerEventsTotal.WithLabelValues(string(stage)).Inc()
}

// RecordStaleParentRetry records a retried append.
func RecordStaleParentRetry() {
	ayurStaleParentRetriesTotal.Inc()
}

// RecordVerification records a verification verdict.
func RecordVerification(status verification.Status) {
	ayurVerificationsTotal.WithLabelValues(string(status)).Inc()
}

// RecordAuditCheck records the audit result of one chain.
func RecordAuditCheck(ok bool) {
	if ok {
		ayurAuditChecksTotal.WithLabelValues("success").Inc()
	} else {
		ayurAuditChecksTotal.WithLabelValues("failure").Inc()
		ayurIntegrityFailuresTotal.Inc()
	}
}
