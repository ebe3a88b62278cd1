package recognition

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/notalog/notalog/pkg/adapters/stt"
	"github.com/notalog/notalog/pkg/errorsx"
	"github.com/notalog/notalog/pkg/frames"
	"github.com/notalog/notalog/pkg/logging"
	"github.com/notalog/notalog/pkg/metrics"
	"github.com/notalog/notalog/pkg/resilience"
)

// TranscriptLine is one committed utterance. Lines are append-only and
// ordered by arrival.
type TranscriptLine struct {
	Text  string
	Final bool
}

type SupervisorConfig struct {
	SessionID    string
	SilenceDelay time.Duration
	RetryDelay   time.Duration
	Observer     metrics.Observer
	Logger       *slog.Logger
}

// Supervisor keeps exactly one recognition stream live while recording.
// Silence ends are restarted silently, intentional cancels are ignored, and
// any other failure gets one retry before it surfaces. The audio append
// path tolerates the stream being nil (not yet open or already torn down).
type Supervisor struct {
	cfg     SupervisorConfig
	factory stt.Factory
	logger  *slog.Logger
	obs     metrics.Observer
	breaker *resilience.CircuitBreaker

	mu         sync.Mutex
	ctx        context.Context
	stream     stt.Stream
	generation int
	running    bool
	failures   int
	lines      []TranscriptLine
	partial    string
	lastErr    error
	idle       chan struct{}

	onPartial func(string)
	onLine    func(TranscriptLine)
}

func NewSupervisor(factory stt.Factory, cfg SupervisorConfig) *Supervisor {
	if cfg.SilenceDelay <= 0 {
		cfg.SilenceDelay = 500 * time.Millisecond
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Observer == nil {
		cfg.Observer = metrics.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Supervisor{
		cfg:     cfg,
		factory: factory,
		logger:  logging.NewComponentLogger(cfg.Logger, "recognition"),
		obs:     cfg.Observer,
		breaker: resilience.NewCircuitBreaker(3, 30*time.Second),
	}
}

// SetPartialFunc installs a callback for partial hypothesis updates.
func (s *Supervisor) SetPartialFunc(fn func(string)) {
	s.mu.Lock()
	s.onPartial = fn
	s.mu.Unlock()
}

// SetLineFunc installs a callback for committed lines.
func (s *Supervisor) SetLineFunc(fn func(TranscriptLine)) {
	s.mu.Lock()
	s.onLine = fn
	s.mu.Unlock()
}

// Start opens recognition and keeps it supervised until Stop.
func (s *Supervisor) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.ctx = ctx
	s.running = true
	s.failures = 0
	s.idle = make(chan struct{})
	s.mu.Unlock()
	s.open()
}

// Append forwards one converted chunk to the live stream. Safe to call at
// any time; chunks arriving while no stream is open are dropped.
func (s *Supervisor) Append(f frames.AudioFrame) {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return
	}
	if err := stream.SendAudio(f); err != nil {
		s.logger.Debug("recognizer_send_failed",
			slog.String("session_id", s.cfg.SessionID),
			slog.String("error", err.Error()))
	}
}

// Stop ends supervision. With finalize the pending hypothesis is flushed so
// trailing speech lands in the transcript; without it (pause) the pending
// hypothesis is dropped and recognition resumes fresh later.
func (s *Supervisor) Stop(finalize bool) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stream := s.stream
	idle := s.idle
	s.mu.Unlock()

	if stream != nil {
		if finalize {
			if err := stream.Finalize(); err != nil {
				s.logger.Debug("recognizer_finalize_failed", slog.String("error", err.Error()))
			}
		} else {
			if err := stream.Cancel(); err != nil {
				s.logger.Debug("recognizer_cancel_failed", slog.String("error", err.Error()))
			}
		}
		// Wait for the watcher to drain trailing results.
		select {
		case <-idle:
		case <-time.After(3 * time.Second):
			s.logger.Warn("recognizer_drain_timeout", slog.String("session_id", s.cfg.SessionID))
		}
	} else {
		safeClose(idle)
	}

	if !finalize {
		// A pause discards the uncommitted hypothesis; only finalized lines
		// survive. The drain above can repopulate it, so clear last.
		s.mu.Lock()
		s.partial = ""
		onPartial := s.onPartial
		s.mu.Unlock()
		if onPartial != nil {
			onPartial("")
		}
	}
}

// Lines returns a copy of the committed transcript lines.
func (s *Supervisor) Lines() []TranscriptLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TranscriptLine, len(s.lines))
	copy(out, s.lines)
	return out
}

// Partial returns the current replaceable hypothesis.
func (s *Supervisor) Partial() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partial
}

// TranscriptText joins committed lines plus any trimmed partial.
func (s *Supervisor) TranscriptText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := make([]string, 0, len(s.lines)+1)
	for _, l := range s.lines {
		parts = append(parts, l.Text)
	}
	if trimmed := strings.TrimSpace(s.partial); trimmed != "" {
		parts = append(parts, trimmed)
	}
	return strings.Join(parts, "\n")
}

// Err returns the surfaced recognition error after local retries were
// exhausted, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Reset clears transcript state for a fresh session.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = nil
	s.partial = ""
	s.lastErr = nil
	s.failures = 0
}

func (s *Supervisor) open() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	if !s.breaker.Allow() {
		s.mu.Unlock()
		s.logger.Warn("recognizer_breaker_open", slog.String("session_id", s.cfg.SessionID))
		s.record(metrics.EventBreakerOpen)
		return
	}
	ctx := s.ctx
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	stream, err := s.factory(s.cfg.SessionID)
	if err == nil {
		err = stream.Start(ctx)
	}
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonRecognizerConnect)
		s.breaker.OnError(err)
		s.handleTerminal(gen, err)
		return
	}
	s.breaker.OnSuccess()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		_ = stream.Cancel()
		return
	}
	s.stream = stream
	s.mu.Unlock()

	go s.watch(gen, stream)
}

func (s *Supervisor) watch(gen int, stream stt.Stream) {
	results := stream.Results()
	done := stream.Done()
	for {
		select {
		case f, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			if tf, isText := f.(frames.TextFrame); isText {
				s.handleText(tf)
			}
		case err := <-done:
			// Results emitted just before the terminal condition must not be
			// lost to select ordering.
			s.drainResults(results)
			s.handleTerminal(gen, err)
			return
		}
	}
}

func (s *Supervisor) drainResults(results <-chan frames.Frame) {
	if results == nil {
		return
	}
	for {
		select {
		case f, ok := <-results:
			if !ok {
				return
			}
			if tf, isText := f.(frames.TextFrame); isText {
				s.handleText(tf)
			}
		default:
			return
		}
	}
}

func (s *Supervisor) handleText(tf frames.TextFrame) {
	if !tf.IsFinal() {
		s.mu.Lock()
		s.partial = tf.Text()
		onPartial := s.onPartial
		s.mu.Unlock()
		if onPartial != nil {
			onPartial(tf.Text())
		}
		return
	}

	line := TranscriptLine{Text: tf.Text(), Final: true}
	s.mu.Lock()
	s.lines = append(s.lines, line)
	s.partial = ""
	s.failures = 0
	onLine := s.onLine
	onPartial := s.onPartial
	s.mu.Unlock()

	s.record(metrics.EventTranscriptFinal)
	if onLine != nil {
		onLine(line)
	}
	if onPartial != nil {
		onPartial("")
	}
}

func (s *Supervisor) handleTerminal(gen int, err error) {
	s.mu.Lock()
	if s.stream != nil && gen == s.generation {
		s.stream = nil
	}
	running := s.running
	idle := s.idle
	s.mu.Unlock()

	if !running {
		if idle != nil {
			safeClose(idle)
		}
		return
	}

	switch {
	case err == nil:
		// Natural end of a continuous session; reopen immediately.
		s.open()
	case errorsx.HasReason(err, errorsx.ReasonRecognizerSilence):
		// Expected during quiet stretches; restart without surfacing.
		s.logger.Debug("recognizer_silence_restart", slog.String("session_id", s.cfg.SessionID))
		s.reopenAfter(s.cfg.SilenceDelay)
	case errorsx.HasReason(err, errorsx.ReasonRecognizerCanceled):
		// Intentional stop; nothing to do.
	default:
		s.mu.Lock()
		s.failures++
		failures := s.failures
		if failures > 1 {
			s.lastErr = errorsx.Wrap(err, errorsx.ReasonRecognizerFailed)
		}
		s.mu.Unlock()
		if failures > 1 {
			s.logger.Error("recognizer_failed",
				slog.String("session_id", s.cfg.SessionID),
				slog.String("reason_code", string(errorsx.Reason(err))),
				slog.String("error", err.Error()))
			return
		}
		s.logger.Info("recognizer_retry",
			slog.String("session_id", s.cfg.SessionID),
			slog.String("error", err.Error()))
		s.record(metrics.EventRecognizerRetry)
		s.reopenAfter(s.cfg.RetryDelay)
	}
}

func (s *Supervisor) reopenAfter(delay time.Duration) {
	time.AfterFunc(delay, s.open)
}

func (s *Supervisor) record(name string) {
	s.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: map[string]string{frames.MetaSessionID: s.cfg.SessionID, "component": "recognition"},
	})
}

func safeClose(ch chan struct{}) {
	defer func() { _ = recover() }()
	close(ch)
}
