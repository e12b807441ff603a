package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the session engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Lifecycle metrics
	StateTransitions *prometheus.CounterVec
	SessionsActive   prometheus.Gauge
	ConnectDuration  *prometheus.HistogramVec
	Rotations        *prometheus.CounterVec
	ReconnectsTotal  *prometheus.CounterVec

	// Audio metrics
	AudioBytesTotal    *prometheus.CounterVec
	PlaybackInterrupts prometheus.Counter

	// Tool metrics
	ToolCallsTotal   *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Recorder metrics
	RecordingsTotal *prometheus.CounterVec
	RecordingBytes  prometheus.Counter
}

// New creates a Metrics instance with every collector registered on a
// private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vai_studio"
	}

	registry := prometheus.NewRegistry()

	stateTransitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Connection state transitions",
		},
		[]string{"from", "to"},
	)

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transport_sessions_active",
			Help:      "Number of open transport sessions",
		},
	)

	connectDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_duration_seconds",
			Help:      "Time from open to setup acknowledgement",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"outcome"},
	)

	rotations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotations_total",
			Help:      "Transport session rotations",
		},
		[]string{"trigger"},
	)

	reconnects := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Automatic reconnect attempts",
		},
		[]string{"outcome"},
	)

	audioBytes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes sent and received",
		},
		[]string{"direction"},
	)

	playbackInterrupts := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_interrupts_total",
			Help:      "Playback interruptions requested by the endpoint",
		},
	)

	toolCalls := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations handled",
		},
		[]string{"tool", "outcome"},
	)

	toolDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool handler duration",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"tool"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by kind",
		},
		[]string{"kind"},
	)

	recordings := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recordings_total",
			Help:      "Finalized recordings by handoff outcome",
		},
		[]string{"outcome"},
	)

	recordingBytes := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recording_bytes_total",
			Help:      "Encoded recording bytes",
		},
	)

	registry.MustRegister(
		stateTransitions,
		sessionsActive,
		connectDuration,
		rotations,
		reconnects,
		audioBytes,
		playbackInterrupts,
		toolCalls,
		toolDuration,
		errorsTotal,
		recordings,
		recordingBytes,
	)

	return &Metrics{
		registry:           registry,
		StateTransitions:   stateTransitions,
		SessionsActive:     sessionsActive,
		ConnectDuration:    connectDuration,
		Rotations:          rotations,
		ReconnectsTotal:    reconnects,
		AudioBytesTotal:    audioBytes,
		PlaybackInterrupts: playbackInterrupts,
		ToolCallsTotal:     toolCalls,
		ToolCallDuration:   toolDuration,
		ErrorsTotal:        errorsTotal,
		RecordingsTotal:    recordings,
		RecordingBytes:     recordingBytes,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordConnect(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ConnectDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) RecordSessionOpen() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) RecordSessionClose() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

func (m *Metrics) RecordRotation(trigger string) {
	if m == nil {
		return
	}
	m.Rotations.WithLabelValues(trigger).Inc()
}

func (m *Metrics) RecordReconnect(outcome string) {
	if m == nil {
		return
	}
	m.ReconnectsTotal.WithLabelValues(outcome).Inc()
}

// RecordAudio records audio bytes; direction is "in" or "out".
func (m *Metrics) RecordAudio(direction string, bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

func (m *Metrics) RecordInterrupt() {
	if m == nil {
		return
	}
	m.PlaybackInterrupts.Inc()
}

func (m *Metrics) RecordToolCall(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) RecordError(kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordRecording(outcome string, bytes int) {
	if m == nil {
		return
	}
	m.RecordingsTotal.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		m.RecordingBytes.Add(float64(bytes))
	}
}
