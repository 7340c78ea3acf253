package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "audiotrans"

// Capture counters (incremented directly by the recorder pipeline).
var (
	SessionsStartedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "capture_sessions_started_total",
		Help:      "Capture sessions that reached the recording state.",
	})

	SessionsFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "capture_sessions_failed_total",
		Help:      "Capture attempts that never reached the recording state.",
	}, []string{"reason"})

	ChunksAppendedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "capture_chunks_appended_total",
		Help:      "Non-empty fragments appended to a session.",
	})

	BytesCapturedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "capture_bytes_total",
		Help:      "Encoded audio bytes collected across all sessions.",
	})

	RecordingsFinalizedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recordings_finalized_total",
		Help:      "Finalized recordings by container mime type.",
	}, []string{"mime_type"})

	DurationRepairsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duration_repairs_total",
		Help:      "WebM duration repair outcomes (applied, skipped).",
	}, []string{"result"})

	RecordingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "recording_duration_seconds",
		Help:      "Wall-clock length of finalized recordings.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})
)

// Transcription counters.
var (
	TranscriptionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transcriptions_total",
		Help:      "Transcription requests by outcome (ok, error).",
	}, []string{"result"})

	TranscriptionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "transcription_request_seconds",
		Help:      "Round-trip time of transcription requests.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	})
)

// HTTP metrics (incremented by the server middleware).
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed.",
	}, []string{"method", "path_pattern", "status_code"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path_pattern"})
)

func init() {
	prometheus.MustRegister(
		SessionsStartedTotal,
		SessionsFailedTotal,
		ChunksAppendedTotal,
		BytesCapturedTotal,
		RecordingsFinalizedTotal,
		DurationRepairsTotal,
		RecordingDuration,
		TranscriptionsTotal,
		TranscriptionDuration,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// GinMiddleware records HTTP request metrics. It uses gin's route pattern
// as the path label to avoid cardinality explosion.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		pattern := c.FullPath()
		if pattern == "" {
			pattern = "unknown"
		}
		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		HTTPRequestsTotal.WithLabelValues(method, pattern, status).Inc()
		HTTPRequestDuration.WithLabelValues(method, pattern).Observe(time.Since(start).Seconds())
	}
}
