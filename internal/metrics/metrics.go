// SPDX-License-Identifier: MIT

// Package metrics declares the Prometheus series exported on /metrics.
// The names below are an external contract consumed by dashboards and
// alerting; renaming one is a breaking change. There is deliberately no
// namespace prefix.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StreamsActive counts channels whose worker reports running playback.
	StreamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streams_active",
		Help: "Number of channels currently broadcasting",
	})

	// StreamListeners tracks the last reported voice-chat participant count
	// per channel.
	StreamListeners = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stream_listeners",
		Help: "Current listener count per channel",
	}, []string{"channel_id"})

	// QueueSize tracks the pending item count per channel queue.
	QueueSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_size",
		Help: "Pending items per channel queue",
	}, []string{"channel_id"})

	// QueueOperations counts queue mutations by operation.
	QueueOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_operations_total",
		Help: "Queue mutations by channel and operation",
	}, []string{"channel_id", "op"})

	// TracksPlayed counts tracks that reached a terminal played status.
	TracksPlayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracks_played_total",
		Help: "Tracks played to completion",
	})

	// AutoEndTriggered counts auto-end firings by reason.
	AutoEndTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auto_end_triggered_total",
		Help: "Streams ended by the idle timeout, by reason",
	}, []string{"channel_id", "reason"})

	// WebsocketConnections tracks currently attached hub subscribers.
	WebsocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "websocket_connections",
		Help: "Open event hub websocket connections",
	})

	// HTTPRequests counts ops-surface requests. path_template is the chi
	// route pattern, never the raw URL, so cardinality stays bounded.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests by method, route template and status class",
	}, []string{"method", "path_template", "status_class"})

	// HTTPRequestDuration observes ops-surface request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency by method and route template",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "path_template"})

	// RateLimiterRejections counts admissions denied per bucket.
	RateLimiterRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limiter_rejections_total",
		Help: "Requests rejected by the rate limiter, by bucket",
	}, []string{"bucket"})

	// RateLimiterFallback counts fail-open admissions taken while the
	// shared store was unreachable.
	RateLimiterFallback = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rate_limiter_fallback_total",
		Help: "Admissions granted because the rate limit store was unavailable",
	})

	// HubDrops counts events dropped from slow subscriber buffers.
	HubDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_drops_total",
		Help: "Events dropped per slow hub subscriber",
	}, []string{"subscriber_id"})
)

// Supplemental series. Not part of the published contract, same style.
var (
	// WorkerRestarts counts supervisor restarts per channel.
	WorkerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_restarts_total",
		Help: "Worker process restarts per channel",
	}, []string{"channel_id"})

	// SessionStateTransitions counts account lifecycle transitions.
	SessionStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_state_transitions_total",
		Help: "Account session state transitions",
	}, []string{"from", "to"})

	// SchedulerFires counts trigger firings by result.
	SchedulerFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_fires_total",
		Help: "Trigger firings by result",
	}, []string{"result"})

	// StoreRetries counts retried shared-store operations.
	StoreRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "store_retries_total",
		Help: "Shared store operations that needed a retry",
	}, []string{"op"})

	// TrackErrors counts items that entered the failed status.
	TrackErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "track_errors_total",
		Help: "Tracks that failed, by channel and reason",
	}, []string{"channel_id", "reason"})
)

// IncQueueOperation records one queue mutation.
func IncQueueOperation(channelID, op string) {
	QueueOperations.WithLabelValues(channelID, op).Inc()
}

// SetQueueSize records a channel's pending queue depth.
func SetQueueSize(channelID string, size int) {
	QueueSize.WithLabelValues(channelID).Set(float64(size))
}

// SetListeners records a channel's listener count.
func SetListeners(channelID string, count int) {
	StreamListeners.WithLabelValues(channelID).Set(float64(count))
}

// IncAutoEnd records one auto-end firing.
func IncAutoEnd(channelID, reason string) {
	AutoEndTriggered.WithLabelValues(channelID, reason).Inc()
}

// IncHubDrop records one dropped event for a slow subscriber.
func IncHubDrop(subscriberID string) {
	HubDrops.WithLabelValues(subscriberID).Inc()
}

// IncRejection records one rate limiter rejection.
func IncRejection(bucket string) {
	RateLimiterRejections.WithLabelValues(bucket).Inc()
}

// ObserveHTTPRequest records one ops-surface request.
func ObserveHTTPRequest(method, pathTemplate, statusClass string, duration time.Duration) {
	HTTPRequests.WithLabelValues(method, pathTemplate, statusClass).Inc()
	HTTPRequestDuration.WithLabelValues(method, pathTemplate).Observe(duration.Seconds())
}

// ForgetChannel drops per-channel series after a channel is deleted so the
// exposition does not accumulate dead label sets.
func ForgetChannel(channelID string) {
	StreamListeners.DeleteLabelValues(channelID)
	QueueSize.DeleteLabelValues(channelID)
}
