package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/notalog/notalog/pkg/adapters/stt"
	"github.com/notalog/notalog/pkg/errorsx"
	"github.com/notalog/notalog/pkg/frames"
)

// STTConfig scripts one mock recognition session. Tests drive restart
// behavior by handing the supervisor a factory that returns differently
// scripted streams per generation.
type STTConfig struct {
	SessionID string
	// Partial is emitted as a non-final hypothesis on the first chunk.
	Partial string
	// Final is emitted as a committed line once ChunksForFinal chunks have
	// arrived, or on Finalize when FlushOnFinalize is set.
	Final           string
	ChunksForFinal  int
	FlushOnFinalize bool
	// TerminalErr ends the session after the final emission; leave nil and
	// set EndAfterFinal for a natural end.
	TerminalErr   error
	EndAfterFinal bool
}

type StreamingSTT struct {
	cfg  STTConfig
	out  chan frames.Frame
	done chan error

	mu       sync.Mutex
	started  bool
	ended    bool
	chunks   int
	emittedP bool
	emittedF bool
}

func NewSTT(cfg STTConfig) *StreamingSTT {
	return &StreamingSTT{
		cfg:  cfg,
		out:  make(chan frames.Frame, 16),
		done: make(chan error, 1),
	}
}

func (s *StreamingSTT) Name() string { return "mock_stt" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	s.mu.Lock()
	if !s.started || s.ended {
		s.mu.Unlock()
		return errors.New("not started")
	}
	s.chunks++
	emitPartial := s.cfg.Partial != "" && !s.emittedP
	if emitPartial {
		s.emittedP = true
	}
	trigger := !s.emittedF && s.cfg.ChunksForFinal > 0 && s.chunks >= s.cfg.ChunksForFinal
	if trigger {
		s.emittedF = true
	}
	s.mu.Unlock()

	if emitPartial {
		s.emit(s.cfg.Partial, false)
	}
	if trigger {
		if s.cfg.Final != "" {
			s.emit(s.cfg.Final, true)
		}
		s.finish()
	}
	return nil
}

func (s *StreamingSTT) Finalize() error {
	s.mu.Lock()
	flush := s.cfg.FlushOnFinalize && s.cfg.Final != "" && !s.emittedF
	if flush {
		s.emittedF = true
	}
	s.mu.Unlock()
	if flush {
		s.emit(s.cfg.Final, true)
	}
	s.end(nil)
	return nil
}

func (s *StreamingSTT) Cancel() error {
	s.end(errorsx.New(errorsx.ReasonRecognizerCanceled, "canceled"))
	return nil
}

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.out }

func (s *StreamingSTT) Done() <-chan error { return s.done }

// Chunks returns how many chunks the session received.
func (s *StreamingSTT) Chunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks
}

func (s *StreamingSTT) emit(text string, final bool) {
	meta := map[string]string{
		frames.MetaSource:  "stt",
		frames.MetaIsFinal: "false",
	}
	if final {
		meta[frames.MetaIsFinal] = "true"
	}
	select {
	case s.out <- frames.NewTextFrame(s.cfg.SessionID, time.Now().UnixNano(), text, meta):
	default:
	}
}

// finish applies the scripted terminal condition after a final emission.
func (s *StreamingSTT) finish() {
	if s.cfg.TerminalErr != nil {
		s.end(s.cfg.TerminalErr)
		return
	}
	if s.cfg.EndAfterFinal {
		s.end(nil)
	}
}

func (s *StreamingSTT) end(err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.mu.Unlock()
	s.done <- err
}

var _ stt.Stream = (*StreamingSTT)(nil)
