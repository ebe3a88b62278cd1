package metrics

import "time"

// Event names recorded by the core pipeline.
const (
	EventRecordingStarted = "recording_started"
	EventRecordingPaused  = "recording_paused"
	EventRecordingResumed = "recording_resumed"
	EventRecordingStopped = "recording_stopped"
	EventAudioLevel       = "audio_level"
	EventChunkWritten     = "chunk_written"
	EventTranscriptFinal  = "transcript_final"
	EventRecognizerRetry  = "recognizer_retry"
	EventBreakerOpen      = "breaker_open"
	EventBreakerClose     = "breaker_close"
	EventUploadAttempt    = "upload_attempt"
	EventUploadCommitted  = "upload_committed"
	EventUploadFallback   = "upload_fallback"
	EventDiarizeCompleted = "diarize_completed"
	EventRateLimit        = "rate_limit"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}
