package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the transcription proxy. The
// Record helpers are no-ops on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionsEnded   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Audio path
	AudioChunks      prometheus.Counter
	AudioBytes       prometheus.Counter
	DroppedChunks    prometheus.Counter
	QueueDepth       prometheus.Gauge
	EndOfStreamCount prometheus.Counter

	// Result path
	ResultEvents *prometheus.CounterVec

	// Usage
	AudioSeconds prometheus.Counter
	STTCostCents prometheus.Counter

	// Persistence
	TranscriptSaves *prometheus.CounterVec
}

// New creates all metrics on a dedicated registry, so more than one instance
// can exist in a process (tests construct several).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "streamscribe_active_sessions",
			Help: "Current number of live transcription sessions",
		}),
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "streamscribe_sessions_started_total",
			Help: "Total number of transcription sessions started",
		}),
		SessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streamscribe_sessions_ended_total",
			Help: "Total number of transcription sessions ended, by outcome",
		}, []string{"outcome"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamscribe_session_duration_seconds",
			Help:    "Duration of transcription sessions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),

		AudioChunks: f.NewCounter(prometheus.CounterOpts{
			Name: "streamscribe_audio_chunks_total",
			Help: "Total number of audio chunks received from clients",
		}),
		AudioBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "streamscribe_audio_bytes_total",
			Help: "Total number of audio bytes received from clients",
		}),
		DroppedChunks: f.NewCounter(prometheus.CounterOpts{
			Name: "streamscribe_audio_chunks_dropped_total",
			Help: "Audio chunks ignored because they arrived after end of stream",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "streamscribe_audio_queue_depth",
			Help: "Audio chunks buffered and not yet pulled by the backend, summed over sessions",
		}),
		EndOfStreamCount: f.NewCounter(prometheus.CounterOpts{
			Name: "streamscribe_end_of_stream_total",
			Help: "Total number of end-of-audio signals received from clients",
		}),

		ResultEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streamscribe_result_events_total",
			Help: "Transcription result events forwarded to clients, by kind",
		}, []string{"kind"}),

		AudioSeconds: f.NewCounter(prometheus.CounterOpts{
			Name: "streamscribe_audio_seconds_total",
			Help: "Seconds of audio streamed to the transcription backend",
		}),
		STTCostCents: f.NewCounter(prometheus.CounterOpts{
			Name: "streamscribe_stt_cost_cents_total",
			Help: "Estimated speech-to-text cost in cents",
		}),

		TranscriptSaves: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streamscribe_transcript_saves_total",
			Help: "Transcript save requests, by status",
		}, []string{"status"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordSessionStarted increments started and active session counts.
func (m *Metrics) RecordSessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionEnded records the outcome and duration of a session.
func (m *Metrics) RecordSessionEnded(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionsEnded.WithLabelValues(outcome).Inc()
	m.SessionDuration.Observe(d.Seconds())
}

// RecordAudioChunk records one chunk accepted into a session queue.
func (m *Metrics) RecordAudioChunk(size int) {
	if m == nil {
		return
	}
	m.AudioChunks.Inc()
	m.AudioBytes.Add(float64(size))
}

// AddQueueDepth moves the buffered chunk gauge by delta.
func (m *Metrics) AddQueueDepth(delta int) {
	if m == nil || delta == 0 {
		return
	}
	m.QueueDepth.Add(float64(delta))
}

// RecordDroppedChunk records a chunk rejected after end of stream.
func (m *Metrics) RecordDroppedChunk() {
	if m == nil {
		return
	}
	m.DroppedChunks.Inc()
}

// RecordEndOfStream records a client end-of-audio signal.
func (m *Metrics) RecordEndOfStream() {
	if m == nil {
		return
	}
	m.EndOfStreamCount.Inc()
}

// RecordResultEvent records one forwarded result event.
func (m *Metrics) RecordResultEvent(final bool) {
	if m == nil {
		return
	}
	kind := "partial"
	if final {
		kind = "final"
	}
	m.ResultEvents.WithLabelValues(kind).Inc()
}

// RecordSessionCost adds a finished session's usage estimate.
func (m *Metrics) RecordSessionCost(audioSeconds, cents float64) {
	if m == nil {
		return
	}
	// Counters reject negative deltas.
	if audioSeconds > 0 {
		m.AudioSeconds.Add(audioSeconds)
	}
	if cents > 0 {
		m.STTCostCents.Add(cents)
	}
}

// RecordTranscriptSave records a save request outcome ("ok", "invalid", "error").
func (m *Metrics) RecordTranscriptSave(status string) {
	if m == nil {
		return
	}
	m.TranscriptSaves.WithLabelValues(status).Inc()
}
