// Package metrics exposes the Prometheus vectors the chat subsystem
// records, plus a gin middleware that fills in the HTTP-side ones.
package metrics

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "chat_http_request_duration_seconds",
			Help: "HTTP request latencies in seconds",
		},
		[]string{"method", "path", "status"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// WSConnections tracks the number of live WebSocket sessions
	// currently registered with the hub.
	WSConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Number of currently connected WebSocket sessions",
	})

	// MessagesSent counts persisted, broadcast chat messages.
	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_sent_total",
		Help: "Total number of chat messages persisted and broadcast",
	})

	// RateLimitDrops counts message:send frames rejected by a session's
	// sliding-window limiter.
	RateLimitDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_rate_limit_drops_total",
		Help: "Total number of message:send frames rejected for exceeding the rate limit",
	})

	// SlowConsumerEvictions counts sessions evicted because their
	// outbound buffer filled up.
	SlowConsumerEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_slow_consumer_evictions_total",
		Help: "Total number of WebSocket sessions evicted for a full outbound buffer",
	})
)

func init() {
	prometheus.MustRegister(httpDuration, httpRequests, WSConnections, MessagesSent, RateLimitDrops, SlowConsumerEvictions)
}

// Middleware records request latency and outcome for every HTTP request
// routed through gin.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		httpDuration.WithLabelValues(c.Request.Method, path, fmt.Sprintf("%d", status)).Observe(duration.Seconds())
		httpRequests.WithLabelValues(c.Request.Method, path, fmt.Sprintf("%d", status)).Inc()
	}
}
