package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tenvad"

// Metrics contains all Prometheus metrics for the VAD service
type Metrics struct {
	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsDestroyed *prometheus.CounterVec
	SessionDuration   prometheus.Histogram

	// Detector metrics
	FramesProcessed prometheus.Counter
	VoiceFrames     prometheus.Counter
	ProcessingTime  prometheus.Histogram
	Errors          *prometheus.CounterVec

	// Segmentation metrics
	SegmentsEmitted   prometheus.Counter
	SegmentDuration   prometheus.Histogram
	SegmentConfidence prometheus.Histogram

	// Streaming metrics
	ActiveStreams  prometheus.Gauge
	StreamMessages *prometheus.CounterVec
	SequenceGaps   prometheus.Counter

	// Segment delivery metrics
	Deliveries       *prometheus.CounterVec
	DeliveryRetries  prometheus.Counter
	DeliveryDuration prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewRegistry returns a registry preloaded with the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// registers with the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Current number of live VAD sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of sessions created",
		}),
		SessionsDestroyed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_destroyed_total",
			Help:      "Total number of sessions destroyed, by reason",
		}, []string{"reason"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of sessions in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34 minutes
		}),

		// Detector metrics
		FramesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_processed_total",
			Help:      "Total number of frames processed",
		}),
		VoiceFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_frames_total",
			Help:      "Total number of frames flagged as voice",
		}),
		ProcessingTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_processing_duration_seconds",
			Help:      "Time spent processing a single frame",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 14), // 10us to ~80ms
		}),
		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of failed operations, by operation and error code",
		}, []string{"operation", "code"}),

		// Segmentation metrics
		SegmentsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_emitted_total",
			Help:      "Total number of speech segments emitted",
		}),
		SegmentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_duration_seconds",
			Help:      "Duration of emitted speech segments",
			Buckets:   prometheus.ExponentialBuckets(0.125, 2, 10), // 125ms to ~1 minute
		}),
		SegmentConfidence: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_confidence",
			Help:      "Mean speech probability of emitted segments",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11), // 0.0 to 1.0
		}),

		// Streaming metrics
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Current number of open WebSocket streams",
		}),
		StreamMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_messages_total",
			Help:      "Total number of WebSocket messages, by direction and type",
		}, []string{"direction", "type"}),
		SequenceGaps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_sequence_gaps_total",
			Help:      "Total number of frame messages rejected for out-of-order sequence numbers",
		}),

		// Segment delivery metrics
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_deliveries_total",
			Help:      "Total number of segment uploads, by result",
		}, []string{"result"}),
		DeliveryRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_delivery_retries_total",
			Help:      "Total number of retried segment uploads",
		}),
		DeliveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_delivery_duration_seconds",
			Help:      "Time to deliver a segment including retries",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_errors_total",
			Help:      "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// SetActiveSessions sets the current number of live sessions
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
}

// RecordSessionDestroyed increments the destroyed counter and records lifetime
func (m *Metrics) RecordSessionDestroyed(reason string, durationSeconds float64) {
	m.SessionsDestroyed.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordFrame records one processed frame
func (m *Metrics) RecordFrame(hasVoice bool, processingTimeSeconds float64) {
	m.FramesProcessed.Inc()
	if hasVoice {
		m.VoiceFrames.Inc()
	}
	m.ProcessingTime.Observe(processingTimeSeconds)
}

// RecordError records a failed operation with its error code
func (m *Metrics) RecordError(operation, code string) {
	m.Errors.WithLabelValues(operation, code).Inc()
}

// RecordSegment records an emitted speech segment
func (m *Metrics) RecordSegment(durationSeconds float64, confidence float64) {
	m.SegmentsEmitted.Inc()
	m.SegmentDuration.Observe(durationSeconds)
	m.SegmentConfidence.Observe(confidence)
}

// StreamOpened increments the open streams gauge
func (m *Metrics) StreamOpened() {
	m.ActiveStreams.Inc()
}

// StreamClosed decrements the open streams gauge
func (m *Metrics) StreamClosed() {
	m.ActiveStreams.Dec()
}

// RecordStreamMessage counts a WebSocket message; direction is "in" or "out"
func (m *Metrics) RecordStreamMessage(direction, msgType string) {
	m.StreamMessages.WithLabelValues(direction, msgType).Inc()
}

// RecordSequenceGap increments the sequence gap counter
func (m *Metrics) RecordSequenceGap() {
	m.SequenceGaps.Inc()
}

// RecordDelivery records a finished segment upload; result is "success",
// "failed" or "dropped"
func (m *Metrics) RecordDelivery(result string, durationSeconds float64) {
	m.Deliveries.WithLabelValues(result).Inc()
	if result != "dropped" {
		m.DeliveryDuration.Observe(durationSeconds)
	}
}

// RecordDeliveryRetry increments the delivery retry counter
func (m *Metrics) RecordDeliveryRetry() {
	m.DeliveryRetries.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
