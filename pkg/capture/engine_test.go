package capture

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/notalog/notalog/pkg/audio"
	"github.com/notalog/notalog/pkg/errorsx"
	"github.com/notalog/notalog/pkg/frames"
)

type fakeTap struct {
	mu       sync.Mutex
	format   audio.Format
	cb       FrameCallback
	started  bool
	startErr error
}

func newFakeTap(format audio.Format) *fakeTap {
	return &fakeTap{format: format}
}

func (t *fakeTap) Format() audio.Format { return t.format }

func (t *fakeTap) Start(cb FrameCallback) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startErr != nil {
		return t.startErr
	}
	t.cb = cb
	t.started = true
	return nil
}

func (t *fakeTap) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = false
	return nil
}

func (t *fakeTap) emit(data []byte) bool {
	t.mu.Lock()
	cb := t.cb
	started := t.started
	t.mu.Unlock()
	if !started || cb == nil {
		return false
	}
	cb(data)
	return true
}

func waitForBytes(t *testing.T, e *Engine, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.BytesWritten() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d bytes, have %d", want, e.BytesWritten())
}

func TestStartStopProducesOneConsistentFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lecture_test.wav")
	tap := newFakeTap(audio.TargetFormat())
	e := NewEngine(tap, Config{SessionID: "s1", OutputPath: path})

	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	chunk := make([]byte, 960) // 30ms at 16kHz mono s16le
	const chunks = 20
	for i := 0; i < chunks; i++ {
		if !tap.emit(chunk) {
			t.Fatalf("tap not running at chunk %d", i)
		}
		time.Sleep(time.Millisecond)
	}
	waitForBytes(t, e, int64(chunks*len(chunk)))

	if err := e.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if e.State() != StateIdle {
		t.Fatalf("expected IDLE after stop, got %s", e.State())
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one file, got %d", len(entries))
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	want := int64(chunks*len(chunk)) + audio.HeaderBytes
	if info.Size() != want {
		t.Fatalf("expected %d bytes on disk, got %d", want, info.Size())
	}
}

func TestPauseResumeKeepsSingleFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lecture_test.wav")
	tap := newFakeTap(audio.TargetFormat())
	e := NewEngine(tap, Config{SessionID: "s1", OutputPath: path})

	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	chunk := make([]byte, 960)
	tap.emit(chunk)
	waitForBytes(t, e, int64(len(chunk)))

	if err := e.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if tap.emit(chunk) {
		t.Fatalf("tap should be stopped while paused")
	}
	frozen := e.Elapsed()
	time.Sleep(30 * time.Millisecond)
	if e.Elapsed() != frozen {
		t.Fatalf("elapsed advanced while paused: %v -> %v", frozen, e.Elapsed())
	}

	if err := e.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	tap.emit(chunk)
	waitForBytes(t, e, int64(2*len(chunk)))

	if err := e.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("pause/resume must not create a second file, got %d", len(entries))
	}
	if e.Elapsed() < frozen {
		t.Fatalf("accumulated time went backwards")
	}
}

func TestSetupFailureLeavesNothingBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lecture_test.wav")
	tap := newFakeTap(audio.TargetFormat())
	tap.startErr = os.ErrPermission
	e := NewEngine(tap, Config{SessionID: "s1", OutputPath: path})

	err := e.Start()
	if err == nil {
		t.Fatalf("expected start to fail")
	}
	if !errorsx.HasReason(err, errorsx.ReasonCaptureSetup) {
		t.Fatalf("expected capture_setup reason, got %s", errorsx.Reason(err))
	}
	if e.State() != StateIdle {
		t.Fatalf("expected IDLE after failed start, got %s", e.State())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected no half-open file after failed start")
	}
}

func TestChunkObserverGetsTargetFormat(t *testing.T) {
	dir := t.TempDir()
	native := audio.Format{SampleRate: 48000, Channels: 2, BitDepth: 16}
	tap := newFakeTap(native)
	e := NewEngine(tap, Config{SessionID: "s1", OutputPath: filepath.Join(dir, "take.wav")})

	var mu sync.Mutex
	var got []frames.AudioFrame
	e.RegisterChunkObserver(func(f frames.AudioFrame) {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
	})

	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	// 30ms of stereo 48kHz input.
	tap.emit(make([]byte, 48000*2*2*30/1000))
	waitForBytes(t, e, 1)
	if err := e.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) == 0 {
		t.Fatalf("expected at least one observed chunk")
	}
	f := got[0]
	if f.Rate() != 16000 || f.Channels() != 1 {
		t.Fatalf("expected 16kHz mono chunks, got %dHz %dch", f.Rate(), f.Channels())
	}
	// 30ms at 16kHz mono is 960 bytes.
	if len(f.RawPayload()) != 960 {
		t.Fatalf("expected 960-byte converted chunk, got %d", len(f.RawPayload()))
	}
}

func TestInterruptionAutoPauseResume(t *testing.T) {
	dir := t.TempDir()
	tap := newFakeTap(audio.TargetFormat())
	e := NewEngine(tap, Config{SessionID: "s1", OutputPath: filepath.Join(dir, "take.wav")})

	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	e.HandleInterruption(true, false)
	if e.State() != StatePaused {
		t.Fatalf("expected PAUSED during interruption, got %s", e.State())
	}
	e.HandleInterruption(false, true)
	if e.State() != StateRecording {
		t.Fatalf("expected RECORDING after should-resume, got %s", e.State())
	}
	e.HandleInterruption(true, false)
	e.HandleInterruption(false, false)
	if e.State() != StatePaused {
		t.Fatalf("expected PAUSED without should-resume, got %s", e.State())
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
