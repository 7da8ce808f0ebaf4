package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeRecordings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "recorder_active_recordings",
		Help: "Number of sessions currently in the recording state",
	})

	sessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recorder_sessions_started_total",
		Help: "Total number of recordings started",
	})

	sessionsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_sessions_finalized_total",
		Help: "Total number of finalize attempts",
	}, []string{"status"})

	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_state_transitions_total",
		Help: "Session state machine transitions by target state",
	}, []string{"state"})

	finalizeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "recorder_finalize_latency_seconds",
		Help:    "Time spent in the finalizing state",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	recordedSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "recorder_session_duration_seconds",
		Help:    "Active recording duration of finalized sessions",
		Buckets: []float64{10, 60, 300, 900, 1800, 3600, 7200},
	})

	// STT metrics
	sttConnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_stt_connects_total",
		Help: "STT connection attempts",
	}, []string{"result"})

	sttReconnectsScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recorder_stt_reconnects_scheduled_total",
		Help: "Reconnects scheduled after unsolicited closes",
	})

	sttErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_stt_errors_total",
		Help: "Streaming errors by kind",
	}, []string{"kind"})

	connectionQuality = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "recorder_stt_connection_quality",
		Help: "Connection quality (0=disconnected, 1=poor, 2=good, 3=excellent)",
	})

	pendingAudio = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "recorder_stt_pending_audio_buffers",
		Help: "Encoded buffers queued while the connection is not open",
	})

	transcriptSegments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_transcript_segments_total",
		Help: "Transcript segments produced",
	}, []string{"finality"})

	// Audio metrics
	audioBytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recorder_audio_bytes_sent_total",
		Help: "Encoded PCM bytes written to the provider",
	})

	processorSelected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_audio_processor_total",
		Help: "Audio processor strategy selected at stream start",
	}, []string{"kind"})

	speechFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recorder_audio_speech_frames_total",
		Help: "Encoded frames classified as speech by the local VAD",
	})

	// Collaborator metrics
	collaboratorRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_collaborator_requests_total",
		Help: "Requests to external collaborators",
	}, []string{"collaborator", "status"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "recorder_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// RecordStateTransition counts a transition into state and tracks active recordings
func RecordStateTransition(from, to string) {
	stateTransitions.WithLabelValues(to).Inc()
	if to == "recording" && from != "recording" {
		activeRecordings.Inc()
		if from == "ready" {
			sessionsStarted.Inc()
		}
	}
	if from == "recording" && to != "recording" {
		activeRecordings.Dec()
	}
}

// RecordFinalize records a finalize outcome, its latency and the recorded duration
func RecordFinalize(success bool, latency time.Duration, recorded time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	sessionsFinalized.WithLabelValues(status).Inc()
	finalizeLatency.Observe(latency.Seconds())
	if success {
		recordedSeconds.Observe(recorded.Seconds())
	}
}

// RecordSTTConnect records the result of a connect attempt
func RecordSTTConnect(success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	sttConnects.WithLabelValues(result).Inc()
}

// RecordReconnectScheduled counts a scheduled reconnect
func RecordReconnectScheduled() {
	sttReconnectsScheduled.Inc()
}

// RecordSTTError counts a streaming error by kind
func RecordSTTError(kind string) {
	sttErrors.WithLabelValues(kind).Inc()
}

// SetConnectionQuality updates the quality gauge
func SetConnectionQuality(level int) {
	connectionQuality.Set(float64(level))
}

// SetPendingAudio updates the pending queue depth gauge
func SetPendingAudio(n int) {
	pendingAudio.Set(float64(n))
}

// RecordSegment counts a transcript segment
func RecordSegment(isFinal bool) {
	finality := "interim"
	if isFinal {
		finality = "final"
	}
	transcriptSegments.WithLabelValues(finality).Inc()
}

// RecordAudioBytes records encoded bytes written to the provider
func RecordAudioBytes(n int) {
	audioBytesSent.Add(float64(n))
}

// RecordProcessor records which audio processor strategy was selected
func RecordProcessor(kind string) {
	processorSelected.WithLabelValues(kind).Inc()
}

// RecordSpeechFrame counts a frame the VAD classified as speech
func RecordSpeechFrame() {
	speechFrames.Inc()
}

// RecordCollaborator records a request to an external collaborator
func RecordCollaborator(name string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	collaboratorRequests.WithLabelValues(name, status).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
