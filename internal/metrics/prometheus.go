package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the transcriber. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Capture and chunking metrics
	FrameQueueDrops prometheus.Counter
	InputLevel      prometheus.Gauge
	ChunksEmitted   *prometheus.CounterVec
	ChunksRejected  prometheus.Counter
	ChunkDuration   prometheus.Histogram
	ChunkSize       prometheus.Histogram

	// Upload transport metrics
	UploadRequests  prometheus.Counter
	UploadSuccesses prometheus.Counter
	UploadFailures  prometheus.Counter
	UploadRetries   prometheus.Counter
	UploadDuration  prometheus.Histogram
	PendingChunks   prometheus.Gauge
	FailedChunks    prometheus.Gauge

	// Streaming transport metrics
	FramesSent        prometheus.Counter
	FramesDropped     prometheus.Counter
	ReconnectAttempts prometheus.Counter
	MessagesReceived  *prometheus.CounterVec
	ParseErrors       prometheus.Counter

	// Session and reconciliation metrics
	SessionTransitions *prometheus.CounterVec
	SessionDuration    prometheus.Histogram
	Polls              *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg. Passing
// prometheus.DefaultRegisterer exposes them on the default handler; tests
// pass a fresh prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Capture and chunking metrics
		FrameQueueDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_frame_queue_drops_total",
			Help: "Total number of capture blocks dropped because the segmenter fell behind",
		}),
		InputLevel: factory.NewGauge(prometheus.GaugeOpts{
			Name: "transcriber_input_level",
			Help: "Smoothed RMS level of the mixed input, 0 to 1",
		}),
		ChunksEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transcriber_chunks_emitted_total",
			Help: "Total number of audio chunks emitted by the segmenter",
		}, []string{"format"}),
		ChunksRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_chunks_rejected_total",
			Help: "Total number of near-empty chunks discarded before upload",
		}),
		ChunkDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "transcriber_chunk_duration_seconds",
			Help:    "Play time of emitted audio chunks",
			Buckets: prometheus.ExponentialBuckets(0.125, 2, 10), // 125ms to ~1 minute
		}),
		ChunkSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "transcriber_chunk_size_bytes",
			Help:    "Size of emitted audio chunks in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),

		// Upload transport metrics
		UploadRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_upload_requests_total",
			Help: "Total number of chunk upload attempts",
		}),
		UploadSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_upload_successes_total",
			Help: "Total number of chunks accepted by the backend",
		}),
		UploadFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_upload_failures_total",
			Help: "Total number of chunks that exhausted their retries",
		}),
		UploadRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_upload_retries_total",
			Help: "Total number of chunk upload retries",
		}),
		UploadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "transcriber_upload_duration_seconds",
			Help:    "Duration of chunk upload attempts",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		PendingChunks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "transcriber_pending_chunks",
			Help: "Current number of chunk uploads in flight",
		}),
		FailedChunks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "transcriber_failed_chunks",
			Help: "Current number of chunks held for a retry at finalize",
		}),

		// Streaming transport metrics
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_stream_frames_sent_total",
			Help: "Total number of audio frames written to the streaming channel",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_stream_frames_dropped_total",
			Help: "Total number of audio frames dropped because the channel was not open",
		}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_stream_reconnect_attempts_total",
			Help: "Total number of streaming channel reconnect attempts",
		}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transcriber_stream_messages_received_total",
			Help: "Total number of server messages received, by type",
		}, []string{"type"}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_stream_parse_errors_total",
			Help: "Total number of malformed server messages",
		}),

		// Session and reconciliation metrics
		SessionTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transcriber_session_transitions_total",
			Help: "Total number of session status transitions, by target status",
		}, []string{"status"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "transcriber_session_duration_seconds",
			Help:    "Duration of recording sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5 hours
		}),
		Polls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transcriber_polls_total",
			Help: "Total number of backend status polls, by endpoint and result",
		}, []string{"endpoint", "result"}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transcriber_http_requests_total",
			Help: "Total number of HTTP requests to the status server",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transcriber_http_request_duration_seconds",
			Help:    "Duration of HTTP requests to the status server",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordFrameDropped increments the frame queue drop counter
func (m *Metrics) RecordFrameDropped() {
	if m == nil {
		return
	}
	m.FrameQueueDrops.Inc()
}

// SetInputLevel sets the current input level
func (m *Metrics) SetInputLevel(level float64) {
	if m == nil {
		return
	}
	m.InputLevel.Set(level)
}

// RecordChunkEmitted records an emitted audio chunk
func (m *Metrics) RecordChunkEmitted(format string, durationSeconds float64, sizeBytes int) {
	if m == nil {
		return
	}
	m.ChunksEmitted.WithLabelValues(format).Inc()
	m.ChunkDuration.Observe(durationSeconds)
	m.ChunkSize.Observe(float64(sizeBytes))
}

// RecordChunkRejected increments the rejected chunk counter
func (m *Metrics) RecordChunkRejected() {
	if m == nil {
		return
	}
	m.ChunksRejected.Inc()
}

// RecordUploadAttempt records one upload attempt and its outcome
func (m *Metrics) RecordUploadAttempt(durationSeconds float64, retry bool) {
	if m == nil {
		return
	}
	m.UploadRequests.Inc()
	if retry {
		m.UploadRetries.Inc()
	}
	m.UploadDuration.Observe(durationSeconds)
}

// RecordUploadSuccess increments the upload success counter
func (m *Metrics) RecordUploadSuccess() {
	if m == nil {
		return
	}
	m.UploadSuccesses.Inc()
}

// RecordUploadFailure increments the upload failure counter
func (m *Metrics) RecordUploadFailure() {
	if m == nil {
		return
	}
	m.UploadFailures.Inc()
}

// SetUploadBacklog sets the pending and failed chunk gauges
func (m *Metrics) SetUploadBacklog(pending, failed int) {
	if m == nil {
		return
	}
	m.PendingChunks.Set(float64(pending))
	m.FailedChunks.Set(float64(failed))
}

// RecordFrameSent increments the streamed frame counter
func (m *Metrics) RecordFrameSent() {
	if m == nil {
		return
	}
	m.FramesSent.Inc()
}

// RecordFrameRefused increments the refused frame counter
func (m *Metrics) RecordFrameRefused() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}

// RecordReconnectAttempt increments the reconnect counter
func (m *Metrics) RecordReconnectAttempt() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// RecordMessage counts an inbound server message
func (m *Metrics) RecordMessage(msgType string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(msgType).Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	if m == nil {
		return
	}
	m.ParseErrors.Inc()
}

// RecordSessionTransition counts a move into status
func (m *Metrics) RecordSessionTransition(status string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(status).Inc()
}

// RecordSessionFinished records the length of a finished session
func (m *Metrics) RecordSessionFinished(durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionDuration.Observe(durationSeconds)
}

// RecordPoll counts one poll of a backend status endpoint
func (m *Metrics) RecordPoll(endpoint string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Polls.WithLabelValues(endpoint, result).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
