package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics of the capture client and the
// subtitle server. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Capture metrics
	BlocksProcessed *prometheus.CounterVec
	BlockEnergy     prometheus.Histogram
	PacketsEmitted  *prometheus.CounterVec
	PacketSamples   prometheus.Histogram
	SamplesTrimmed  prometheus.Counter
	QueueDepth      prometheus.Gauge
	QueueDrops      prometheus.Counter
	PacketsSent     prometheus.Counter
	SendFailures    prometheus.Counter
	RoundTripTime   prometheus.Gauge
	SubtitlesShown  prometheus.Counter

	// Server connection metrics
	ActiveConnections   prometheus.Gauge
	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected prometheus.Counter
	SessionDuration     prometheus.Histogram
	FramesReceived      prometheus.Counter
	BytesReceived       prometheus.Counter
	FrameErrors         *prometheus.CounterVec
	PingsAnswered       prometheus.Counter
	ResultsSent         *prometheus.CounterVec
	WindowsProcessed    prometheus.Counter

	// Transcription metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  prometheus.Counter
	TranscriptionDuration  prometheus.Histogram
	TranscriptionRetries   prometheus.Counter
	TranscriptionDiscarded prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them on reg. A nil registry
// gets a fresh one with the Go runtime and process collectors attached.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// Capture metrics
		BlocksProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livesub_capture_blocks_total",
			Help: "Total number of audio blocks processed by the frame gate, by gate decision",
		}, []string{"decision"}),
		BlockEnergy: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "livesub_capture_block_energy",
			Help:    "RMS energy of processed audio blocks",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 11), // 0.001 to ~1
		}),
		PacketsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livesub_capture_packets_emitted_total",
			Help: "Total number of packets emitted, by reason",
		}, []string{"reason"}),
		PacketSamples: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "livesub_capture_packet_samples",
			Help:    "Number of samples per emitted packet",
			Buckets: prometheus.ExponentialBuckets(128, 2, 10), // 128 to 64k samples
		}),
		SamplesTrimmed: factory.NewCounter(prometheus.CounterOpts{
			Name: "livesub_capture_samples_trimmed_total",
			Help: "Total number of trailing silence samples discarded on silence flush",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "livesub_capture_queue_depth",
			Help: "Current number of packets waiting for the transport",
		}),
		QueueDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "livesub_capture_queue_drops_total",
			Help: "Total number of packets dropped because the hand-off queue was full",
		}),
		PacketsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "livesub_capture_packets_sent_total",
			Help: "Total number of packets written to the transport",
		}),
		SendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "livesub_capture_send_failures_total",
			Help: "Total number of packets the transport failed to send",
		}),
		RoundTripTime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "livesub_transport_rtt_seconds",
			Help: "Last measured websocket round-trip time",
		}),
		SubtitlesShown: factory.NewCounter(prometheus.CounterOpts{
			Name: "livesub_transport_subtitles_received_total",
			Help: "Total number of subtitle messages received from the server",
		}),

		// Server connection metrics
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "livesub_server_active_connections",
			Help: "Current number of open websocket connections",
		}),
		ConnectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "livesub_server_connections_accepted_total",
			Help: "Total number of websocket connections accepted",
		}),
		ConnectionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "livesub_server_connections_rejected_total",
			Help: "Total number of websocket connections rejected at the connection limit",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "livesub_server_session_duration_seconds",
			Help:    "Duration of websocket sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "livesub_server_frames_received_total",
			Help: "Total number of binary audio frames received",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "livesub_server_bytes_received_total",
			Help: "Total number of audio bytes received",
		}),
		FrameErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livesub_server_frame_errors_total",
			Help: "Total number of rejected frames, by error type",
		}, []string{"error_type"}),
		PingsAnswered: factory.NewCounter(prometheus.CounterOpts{
			Name: "livesub_server_pings_answered_total",
			Help: "Total number of ping messages echoed",
		}),
		ResultsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livesub_server_results_sent_total",
			Help: "Total number of subtitle results sent, by result type",
		}, []string{"type"}),
		WindowsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "livesub_server_windows_processed_total",
			Help: "Total number of audio windows handed to the transcriber",
		}),

		// Transcription metrics
		TranscriptionRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "livesub_transcription_requests_total",
			Help: "Total number of transcription requests sent",
		}),
		TranscriptionSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "livesub_transcription_successes_total",
			Help: "Total number of successful transcription requests",
		}),
		TranscriptionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "livesub_transcription_failures_total",
			Help: "Total number of failed transcription requests",
		}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "livesub_transcription_duration_seconds",
			Help:    "Duration of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		TranscriptionRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "livesub_transcription_retries_total",
			Help: "Total number of transcription request retries",
		}),
		TranscriptionDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "livesub_transcription_discarded_total",
			Help: "Total number of transcripts discarded as too short",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livesub_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "livesub_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livesub_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// Registry returns the registry the metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordBlock records one processed block with its gate decision and energy
func (m *Metrics) RecordBlock(decision string, energy float64) {
	if m == nil {
		return
	}
	m.BlocksProcessed.WithLabelValues(decision).Inc()
	m.BlockEnergy.Observe(energy)
}

// RecordPacketEmitted records an emitted packet
func (m *Metrics) RecordPacketEmitted(reason string, samples int) {
	if m == nil {
		return
	}
	m.PacketsEmitted.WithLabelValues(reason).Inc()
	m.PacketSamples.Observe(float64(samples))
}

// RecordSamplesTrimmed adds discarded trailing silence samples
func (m *Metrics) RecordSamplesTrimmed(samples int) {
	if m == nil || samples <= 0 {
		return
	}
	m.SamplesTrimmed.Add(float64(samples))
}

// SetQueueDepth sets the current hand-off queue depth
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// RecordQueueDrop increments the dropped packets counter
func (m *Metrics) RecordQueueDrop() {
	if m == nil {
		return
	}
	m.QueueDrops.Inc()
}

// RecordPacketSent records a packet written to the transport, or a failure
func (m *Metrics) RecordPacketSent(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.PacketsSent.Inc()
	} else {
		m.SendFailures.Inc()
	}
}

// SetRoundTripTime sets the last measured round-trip time
func (m *Metrics) SetRoundTripTime(seconds float64) {
	if m == nil {
		return
	}
	m.RoundTripTime.Set(seconds)
}

// RecordSubtitleReceived increments the received subtitles counter
func (m *Metrics) RecordSubtitleReceived() {
	if m == nil {
		return
	}
	m.SubtitlesShown.Inc()
}

// SetActiveConnections sets the current number of open connections
func (m *Metrics) SetActiveConnections(count int) {
	if m == nil {
		return
	}
	m.ActiveConnections.Set(float64(count))
}

// RecordConnectionAccepted increments the accepted connections counter
func (m *Metrics) RecordConnectionAccepted() {
	if m == nil {
		return
	}
	m.ConnectionsAccepted.Inc()
}

// RecordConnectionRejected increments the rejected connections counter
func (m *Metrics) RecordConnectionRejected() {
	if m == nil {
		return
	}
	m.ConnectionsRejected.Inc()
}

// RecordSessionClosed records the duration of a finished session
func (m *Metrics) RecordSessionClosed(durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionDuration.Observe(durationSeconds)
}

// RecordFrameReceived records one accepted audio frame
func (m *Metrics) RecordFrameReceived(bytes int) {
	if m == nil {
		return
	}
	m.FramesReceived.Inc()
	m.BytesReceived.Add(float64(bytes))
}

// RecordFrameError records a rejected frame
func (m *Metrics) RecordFrameError(errorType string) {
	if m == nil {
		return
	}
	m.FrameErrors.WithLabelValues(errorType).Inc()
}

// RecordPing increments the answered pings counter
func (m *Metrics) RecordPing() {
	if m == nil {
		return
	}
	m.PingsAnswered.Inc()
}

// RecordResultSent records a subtitle result written to a client
func (m *Metrics) RecordResultSent(resultType string) {
	if m == nil {
		return
	}
	m.ResultsSent.WithLabelValues(resultType).Inc()
}

// RecordWindowProcessed increments the processed windows counter
func (m *Metrics) RecordWindowProcessed() {
	if m == nil {
		return
	}
	m.WindowsProcessed.Inc()
}

// RecordTranscriptionRequest increments transcription requests counter
func (m *Metrics) RecordTranscriptionRequest() {
	if m == nil {
		return
	}
	m.TranscriptionRequests.Inc()
}

// RecordTranscriptionSuccess records a successful transcription
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionSuccesses.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionFailure records a failed transcription
func (m *Metrics) RecordTranscriptionFailure(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionFailures.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionRetry increments the retry counter
func (m *Metrics) RecordTranscriptionRetry() {
	if m == nil {
		return
	}
	m.TranscriptionRetries.Inc()
}

// RecordTranscriptionDiscarded increments the discarded transcripts counter
func (m *Metrics) RecordTranscriptionDiscarded() {
	if m == nil {
		return
	}
	m.TranscriptionDiscarded.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
