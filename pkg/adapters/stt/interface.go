package stt

import (
	"context"

	"github.com/notalog/notalog/pkg/frames"
)

// Stream is one live recognition session. A session ends exactly once, via
// Finalize, Cancel, or a provider-side failure; the terminal condition is
// delivered on Done, classified into an errorsx reason at the provider
// boundary. Downstream code never inspects provider error strings.
type Stream interface {
	// Name returns the provider name for logging/metrics.
	Name() string
	// Start opens the recognition connection.
	Start(ctx context.Context) error
	// SendAudio appends one converted target-format chunk.
	SendAudio(frame frames.AudioFrame) error
	// Finalize flushes the pending hypothesis before closing, so trailing
	// speech is not lost.
	Finalize() error
	// Cancel discards the pending hypothesis and closes.
	Cancel() error
	// Results yields transcript hypotheses as text frames.
	Results() <-chan frames.Frame
	// Done yields the session's single terminal error: nil for a natural
	// end, or a reason-classified error.
	Done() <-chan error
}

// Factory opens a new stream for a session. The supervisor calls it each
// time it (re)opens recognition.
type Factory func(sessionID string) (Stream, error)

// Config contains vendor-agnostic recognition configuration.
type Config struct {
	SessionID  string
	TraceID    string
	SampleRate int
	Language   string
	Interim    bool
}

// TimedToken is one word or phrase with batch-recognition timestamps in
// seconds. The midpoint is the alignment key for diarization.
type TimedToken struct {
	Text  string
	Start float64
	End   float64
}

func (t TimedToken) Midpoint() float64 { return (t.Start + t.End) / 2 }

// BatchResult is the output of whole-file recognition.
type BatchResult struct {
	Text   string
	Tokens []TimedToken
}

// BatchTranscriber runs non-live recognition over a finished audio file.
type BatchTranscriber interface {
	Transcribe(ctx context.Context, path string) (BatchResult, error)
}
