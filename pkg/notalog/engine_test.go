package notalog

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/notalog/notalog/pkg/audio"
	"github.com/notalog/notalog/pkg/capture"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(EngineOptions{
		Config: Config{
			LogLevel:   "error",
			Recordings: RecordingsConfig{Dir: t.TempDir()},
			Vendors:    VendorsConfig{Recognition: VendorConfig{Provider: "mock"}},
			Upload:     UploadConfig{MaxCommitAttempts: 3},
		},
		TapFactory: func() (capture.Tap, error) {
			pcm := make([]byte, 960*10)
			return capture.NewReaderTap(bytes.NewReader(pcm), audio.TargetFormat(), 960, false), nil
		},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func TestEngineSessionLifecycle(t *testing.T) {
	e := testEngine(t)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	s, err := e.NewSession("Test lecture", nil)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if e.Count() != 1 {
		t.Fatalf("expected 1 tracked session, got %d", e.Count())
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("session start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.BytesWritten() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.BytesWritten() == 0 {
		t.Fatalf("no audio flowed through the session")
	}

	res, err := s.Stop(context.Background(), true)
	if err != nil {
		t.Fatalf("session stop: %v", err)
	}
	if res.Uploaded {
		t.Fatalf("no backend configured, nothing should upload")
	}
	if _, err := os.Stat(res.Path); err != nil {
		t.Fatalf("saved file missing: %v", err)
	}
	e.Remove(s.ID())
	if e.Count() != 0 {
		t.Fatalf("session not removed")
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("engine stop: %v", err)
	}
}

func TestEngineDrainClosesLiveSessions(t *testing.T) {
	e := testEngine(t)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	s, err := e.NewSession("Interrupted lecture", nil)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("session start: %v", err)
	}

	if err := e.Stop(); err != nil {
		t.Fatalf("engine stop: %v", err)
	}
	if s.State() != capture.StateIdle {
		t.Fatalf("drain must stop live sessions, state is %s", s.State())
	}
}
