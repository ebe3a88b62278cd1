package session

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/notalog/notalog/pkg/adapters/stt"
	"github.com/notalog/notalog/pkg/api"
	"github.com/notalog/notalog/pkg/audio"
	"github.com/notalog/notalog/pkg/capture"
	"github.com/notalog/notalog/pkg/errorsx"
	"github.com/notalog/notalog/pkg/permission"
	"github.com/notalog/notalog/pkg/providers/mock"
	"github.com/notalog/notalog/pkg/upload"
)

type fakeTap struct {
	mu      sync.Mutex
	cb      capture.FrameCallback
	started bool
}

func (t *fakeTap) Format() audio.Format { return audio.TargetFormat() }

func (t *fakeTap) Start(cb capture.FrameCallback) error {
	t.mu.Lock()
	defer t.mu.Unlock()
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
	ok := t.started
	t.mu.Unlock()
	if !ok || cb == nil {
		return false
	}
	cb(data)
	return true
}

// fakeBackend implements both the coordinator's Backend and the upload
// pipeline's Backend.
type fakeBackend struct {
	mu         sync.Mutex
	created    []string
	deleted    []string
	tags       []string
	transcript string
	commits    int
}

func (b *fakeBackend) CreateSession(ctx context.Context, title string, tags []string) (api.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created = append(b.created, title)
	return api.Session{ID: "remote_1", Title: title}, nil
}

func (b *fakeBackend) UpdateTags(ctx context.Context, sessionID string, tags []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tags = append([]string(nil), tags...)
	return nil
}

func (b *fakeBackend) DeleteSession(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, sessionID)
	return nil
}

func (b *fakeBackend) PrepareAudioUpload(ctx context.Context, sessionID string, req api.PrepareUploadRequest) (api.PrepareUploadResponse, error) {
	return api.PrepareUploadResponse{UploadID: "up_1", UploadURL: "https://signed.example/up_1"}, nil
}

func (b *fakeBackend) UploadFile(ctx context.Context, dest api.PrepareUploadResponse, path, contentType string) error {
	return nil
}

func (b *fakeBackend) CommitAudioUpload(ctx context.Context, sessionID string, req api.CommitUploadRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commits++
	return nil
}

func (b *fakeBackend) UpdateTranscript(ctx context.Context, sessionID, transcript string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transcript = transcript
	return nil
}

func sttFactory() stt.Factory {
	return func(sessionID string) (stt.Stream, error) {
		return mock.NewSTT(mock.STTConfig{
			SessionID:      sessionID,
			Final:          "lecture begins",
			ChunksForFinal: 1,
		}), nil
	}
}

func TestStartDeniedWithoutPermission(t *testing.T) {
	s, err := New(Config{
		Dir:         t.TempDir(),
		Tap:         &fakeTap{},
		Permissions: permission.Static(permission.Denied),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = s.Start(context.Background())
	if !errorsx.HasReason(err, errorsx.ReasonPermissionDenied) {
		t.Fatalf("expected permission_denied, got %v", err)
	}
	if _, err := os.Stat(s.Path()); !os.IsNotExist(err) {
		t.Fatalf("denied start must not create a file")
	}
}

func TestSaveUploadsAudioAndTranscript(t *testing.T) {
	backend := &fakeBackend{}
	tap := &fakeTap{}
	s, err := New(Config{
		Dir:        t.TempDir(),
		Title:      "Physics 101",
		Tap:        tap,
		STTFactory: sttFactory(),
		Backend:    backend,
		Uploader: upload.NewPipeline(backend, nil, upload.Config{
			CommitBackoff:     []time.Duration{time.Millisecond},
			MaxCommitAttempts: 3,
		}),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	chunk := make([]byte, 960)
	deadline := time.Now().Add(2 * time.Second)
	for s.Transcript() == "" && time.Now().Before(deadline) {
		tap.emit(chunk)
		time.Sleep(5 * time.Millisecond)
	}
	if s.Transcript() == "" {
		t.Fatalf("no transcript arrived")
	}

	res, err := s.Stop(context.Background(), true)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !res.Uploaded || res.RemoteID != "remote_1" {
		t.Fatalf("expected upload against remote session, got %+v", res)
	}
	if res.Transcript != "lecture begins" {
		t.Fatalf("unexpected transcript %q", res.Transcript)
	}
	if backend.transcript != "lecture begins" {
		t.Fatalf("transcript not pushed to backend")
	}
	if len(backend.created) != 1 || backend.created[0] != "Physics 101" {
		t.Fatalf("remote session not created: %v", backend.created)
	}
	if _, err := os.Stat(res.Path); err != nil {
		t.Fatalf("saved recording must stay on disk: %v", err)
	}
}

func TestDiscardDeletesRecording(t *testing.T) {
	tap := &fakeTap{}
	s, err := New(Config{Dir: t.TempDir(), Tap: tap})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	tap.emit(make([]byte, 960))
	path := s.Path()

	res, err := s.Stop(context.Background(), false)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if res.Uploaded {
		t.Fatalf("discard must not upload")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("discard must delete the recording")
	}
}

func TestPauseResumeKeepsTranscript(t *testing.T) {
	tap := &fakeTap{}
	s, err := New(Config{Dir: t.TempDir(), Tap: tap, STTFactory: sttFactory()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	chunk := make([]byte, 960)
	deadline := time.Now().Add(2 * time.Second)
	for s.Transcript() == "" && time.Now().Before(deadline) {
		tap.emit(chunk)
		time.Sleep(5 * time.Millisecond)
	}

	if err := s.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if s.State() != capture.StatePaused {
		t.Fatalf("expected paused state, got %s", s.State())
	}
	if s.Transcript() != "lecture begins" {
		t.Fatalf("pause must keep committed lines, got %q", s.Transcript())
	}

	if err := s.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if s.State() != capture.StateRecording {
		t.Fatalf("expected recording state, got %s", s.State())
	}
	if _, err := s.Stop(context.Background(), false); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestStopTwiceRejected(t *testing.T) {
	tap := &fakeTap{}
	s, err := New(Config{Dir: t.TempDir(), Tap: tap})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := s.Stop(context.Background(), false); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := s.Stop(context.Background(), false); err == nil {
		t.Fatalf("second stop must fail")
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("start after stop must fail")
	}
}

func TestImportCopiesAndUploads(t *testing.T) {
	backend := &fakeBackend{}
	dir := t.TempDir()
	src := dir + "/original.wav"
	if err := os.WriteFile(src, []byte("RIFFdata"), 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}
	s, err := New(Config{
		Dir:     t.TempDir(),
		Tap:     &fakeTap{},
		Backend: backend,
		Uploader: upload.NewPipeline(backend, nil, upload.Config{
			CommitBackoff:     []time.Duration{time.Millisecond},
			MaxCommitAttempts: 3,
		}),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := s.Import(context.Background(), src)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if !res.Uploaded {
		t.Fatalf("import must upload")
	}
	if _, err := os.Stat(src); err != nil {
		t.Fatalf("import must leave the source untouched: %v", err)
	}
	if _, err := os.Stat(res.Path); err != nil {
		t.Fatalf("imported copy missing: %v", err)
	}
}
