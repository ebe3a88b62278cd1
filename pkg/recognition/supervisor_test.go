package recognition

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/notalog/notalog/pkg/adapters/stt"
	"github.com/notalog/notalog/pkg/errorsx"
	"github.com/notalog/notalog/pkg/frames"
	"github.com/notalog/notalog/pkg/providers/mock"
)

func chunk() frames.AudioFrame {
	return frames.NewAudioFrame("s1", time.Now().UnixNano(), make([]byte, 960), 16000, 1, nil)
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type scriptedFactory struct {
	mu      sync.Mutex
	scripts []mock.STTConfig
	streams []*mock.StreamingSTT
}

func (f *scriptedFactory) factory(sessionID string) (stt.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg := mock.STTConfig{SessionID: sessionID}
	if len(f.streams) < len(f.scripts) {
		cfg = f.scripts[len(f.streams)]
		cfg.SessionID = sessionID
	}
	s := mock.NewSTT(cfg)
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *scriptedFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

func TestPartialThenFinalAppendsLine(t *testing.T) {
	f := &scriptedFactory{scripts: []mock.STTConfig{
		{Partial: "hello", Final: "hello world", ChunksForFinal: 2, EndAfterFinal: true},
	}}
	s := NewSupervisor(f.factory, SupervisorConfig{SessionID: "s1"})
	s.Start(context.Background())
	defer s.Stop(false)

	s.Append(chunk())
	waitFor(t, func() bool { return s.Partial() == "hello" }, "partial hypothesis")

	s.Append(chunk())
	waitFor(t, func() bool { return len(s.Lines()) == 1 }, "final line")
	if got := s.Lines()[0].Text; got != "hello world" {
		t.Fatalf("unexpected line text %q", got)
	}
	if s.Partial() != "" {
		t.Fatalf("partial slot should be cleared after a final, got %q", s.Partial())
	}
	// Natural session end reopens a fresh stream.
	waitFor(t, func() bool { return f.count() == 2 }, "continuous reopen")
}

func TestSilenceRestartsWithoutSurfacing(t *testing.T) {
	silence := errorsx.New(errorsx.ReasonRecognizerSilence, "no speech detected")
	f := &scriptedFactory{scripts: []mock.STTConfig{
		{ChunksForFinal: 1, TerminalErr: silence},
		{Final: "after the pause", ChunksForFinal: 1, EndAfterFinal: false},
	}}
	s := NewSupervisor(f.factory, SupervisorConfig{SessionID: "s1", SilenceDelay: 10 * time.Millisecond})
	s.Start(context.Background())
	defer s.Stop(false)

	s.Append(chunk())
	waitFor(t, func() bool { return f.count() == 2 }, "silent restart")
	if s.Err() != nil {
		t.Fatalf("silence must never surface, got %v", s.Err())
	}

	waitFor(t, func() bool {
		s.Append(chunk())
		return len(s.Lines()) == 1
	}, "line from restarted session")
	if len(s.Lines()) == 0 || s.Lines()[0].Text != "after the pause" {
		t.Fatalf("unexpected lines %v", s.Lines())
	}
}

func TestHardFailureRetriesOnceThenSurfaces(t *testing.T) {
	boom := errors.New("decoder exploded")
	f := &scriptedFactory{scripts: []mock.STTConfig{
		{ChunksForFinal: 1, TerminalErr: boom},
		{ChunksForFinal: 1, TerminalErr: boom},
		{ChunksForFinal: 1, TerminalErr: boom},
	}}
	s := NewSupervisor(f.factory, SupervisorConfig{SessionID: "s1", RetryDelay: 10 * time.Millisecond})
	s.Start(context.Background())
	defer s.Stop(false)

	s.Append(chunk())
	waitFor(t, func() bool { return f.count() == 2 }, "single retry")

	waitFor(t, func() bool {
		s.Append(chunk())
		return s.Err() != nil
	}, "surfaced error")
	if !errorsx.HasReason(s.Err(), errorsx.ReasonRecognizerFailed) {
		t.Fatalf("expected recognizer_failed, got %s", errorsx.Reason(s.Err()))
	}
	time.Sleep(50 * time.Millisecond)
	if f.count() != 2 {
		t.Fatalf("expected exactly one retry, factory called %d times", f.count())
	}
}

func TestStopFinalizeKeepsTrailingSpeech(t *testing.T) {
	f := &scriptedFactory{scripts: []mock.STTConfig{
		{Partial: "closing rem", Final: "closing remarks", FlushOnFinalize: true},
	}}
	s := NewSupervisor(f.factory, SupervisorConfig{SessionID: "s1"})
	s.Start(context.Background())

	s.Append(chunk())
	waitFor(t, func() bool { return s.Partial() != "" }, "partial before stop")

	s.Stop(true)
	waitFor(t, func() bool { return len(s.Lines()) == 1 }, "flushed final line")
	if s.Lines()[0].Text != "closing remarks" {
		t.Fatalf("unexpected trailing line %q", s.Lines()[0].Text)
	}
	if f.count() != 1 {
		t.Fatalf("stop must not reopen, factory called %d times", f.count())
	}
}

func TestStopCancelDropsPartial(t *testing.T) {
	f := &scriptedFactory{scripts: []mock.STTConfig{
		{Partial: "half a thou", Final: "half a thought", FlushOnFinalize: true},
	}}
	s := NewSupervisor(f.factory, SupervisorConfig{SessionID: "s1"})
	s.Start(context.Background())

	s.Append(chunk())
	waitFor(t, func() bool { return s.Partial() != "" }, "partial before pause")

	s.Stop(false)
	if len(s.Lines()) != 0 {
		t.Fatalf("cancel must not commit lines, got %v", s.Lines())
	}
	if got := s.Partial(); got != "" {
		t.Fatalf("pause must drop the pending hypothesis, got %q", got)
	}
	if got := s.TranscriptText(); got != "" {
		t.Fatalf("dropped hypothesis must not leak into the transcript, got %q", got)
	}
}

func TestAppendWithoutStreamIsSafe(t *testing.T) {
	f := &scriptedFactory{}
	s := NewSupervisor(f.factory, SupervisorConfig{SessionID: "s1"})
	s.Append(chunk())
	s.Start(context.Background())
	s.Stop(false)
	s.Append(chunk())
}

func TestTranscriptTextJoinsLinesAndPartial(t *testing.T) {
	f := &scriptedFactory{}
	s := NewSupervisor(f.factory, SupervisorConfig{SessionID: "s1"})
	s.mu.Lock()
	s.lines = []TranscriptLine{{Text: "first line", Final: true}, {Text: "second line", Final: true}}
	s.partial = "  trailing partial  "
	s.mu.Unlock()
	want := "first line\nsecond line\ntrailing partial"
	if got := s.TranscriptText(); got != want {
		t.Fatalf("transcript text %q, want %q", got, want)
	}
}
