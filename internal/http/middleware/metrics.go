// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file exposes Prometheus instrumentation for HTTP traffic and for
// control-bot webhook deliveries. Labels stay bounded: the route template
// (never the raw URL of a matched route), the status code, and fixed
// update kind/result vocabularies.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Webhook update results.
const (
	UpdateHandled   = "handled"
	UpdateDuplicate = "duplicate"
	UpdateIgnored   = "ignored"
	UpdateThrottled = "throttled"
	UpdateRejected  = "rejected"
)

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	// Status is omitted to keep histogram cardinality lower.
	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "warden",
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "warden",
			Name:      "http_requests_inflight",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRespSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "warden",
			Name:      "http_response_size_bytes",
			Help:      "Size of HTTP responses in bytes.",
			Buckets:   []float64{64, 256, 1 << 10, 4 << 10, 16 << 10, 64 << 10, 256 << 10},
		},
		[]string{"method", "path"},
	)

	webhookUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "webhook_updates_total",
			Help:      "Control bot updates received, by kind and result.",
		},
		[]string{"kind", "result"},
	)
)

func init() {
	prometheus.MustRegister(httpReqs, httpLat, httpInflight, httpRespSize, webhookUpdates)
}

// ObserveUpdate counts one webhook delivery. kind is "message", "callback"
// or "other"; result is one of the Update* constants.
func ObserveUpdate(kind, result string) {
	webhookUpdates.WithLabelValues(kind, result).Inc()
}

// Metrics returns a Gin middleware that instruments requests with Prometheus.
// The path label is the registered route (c.FullPath()); unmatched requests
// are grouped under "unmatched" so scanners cannot blow up cardinality.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		httpInflight.Inc()
		defer httpInflight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method

		httpReqs.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpLat.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		if size := c.Writer.Size(); size >= 0 {
			httpRespSize.WithLabelValues(method, path).Observe(float64(size))
		}
	}
}
