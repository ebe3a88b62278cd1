package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/notalog/notalog/pkg/adapters/stt"
	"github.com/notalog/notalog/pkg/api"
	"github.com/notalog/notalog/pkg/capture"
	"github.com/notalog/notalog/pkg/diarize"
	"github.com/notalog/notalog/pkg/errorsx"
	"github.com/notalog/notalog/pkg/frames"
	"github.com/notalog/notalog/pkg/logging"
	"github.com/notalog/notalog/pkg/metrics"
	"github.com/notalog/notalog/pkg/permission"
	"github.com/notalog/notalog/pkg/recognition"
	"github.com/notalog/notalog/pkg/resilience"
	"github.com/notalog/notalog/pkg/upload"
)

// Backend is the slice of the session API the coordinator itself uses; the
// upload pipeline talks to the rest.
type Backend interface {
	CreateSession(ctx context.Context, title string, tags []string) (api.Session, error)
	UpdateTags(ctx context.Context, sessionID string, tags []string) error
	DeleteSession(ctx context.Context, sessionID string) error
}

type Config struct {
	Dir         string
	Title       string
	Tags        []string
	Tap         capture.Tap
	STTFactory  stt.Factory
	Permissions permission.Provider
	Backend     Backend
	Uploader    *upload.Pipeline
	Aligner     *diarize.Aligner
	Grants      capture.GrantProvider
	Observer    metrics.Observer
	Logger      *slog.Logger
}

// Result is what a saved session leaves behind.
type Result struct {
	SessionID  string
	RemoteID   string
	Path       string
	Transcript string
	Elapsed    time.Duration
	Upload     upload.Result
	Uploaded   bool
}

// Session is the single owner of one recording: it alone drives the capture
// engine and recognition supervisor, so their lifecycles can never disagree.
// All methods are safe for concurrent use but callers get serialized.
type Session struct {
	cfg    Config
	id     string
	path   string
	logger *slog.Logger
	obs    metrics.Observer

	mu         sync.Mutex
	engine     *capture.Engine
	supervisor *recognition.Supervisor
	tags       []string
	title      string
	remoteID   string
	stopped    bool
}

func New(cfg Config) (*Session, error) {
	if cfg.Dir == "" {
		cfg.Dir = os.TempDir()
	}
	if cfg.Permissions == nil {
		cfg.Permissions = permission.Static(permission.Granted)
	}
	if cfg.Observer == nil {
		cfg.Observer = metrics.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonCaptureSetup)
	}

	id := uuid.NewString()
	path := filepath.Join(cfg.Dir, fmt.Sprintf("lecture_%s.wav", time.Now().Format("20060102_150405")))

	s := &Session{
		cfg:    cfg,
		id:     id,
		path:   path,
		logger: logging.NewComponentLogger(cfg.Logger, "session"),
		obs:    cfg.Observer,
		tags:   append([]string(nil), cfg.Tags...),
		title:  cfg.Title,
	}

	s.engine = capture.NewEngine(cfg.Tap, capture.Config{
		SessionID:  id,
		OutputPath: path,
		Grants:     cfg.Grants,
		Observer:   cfg.Observer,
		Logger:     cfg.Logger,
	})
	if cfg.STTFactory != nil {
		s.supervisor = recognition.NewSupervisor(cfg.STTFactory, recognition.SupervisorConfig{
			SessionID: id,
			Observer:  cfg.Observer,
			Logger:    cfg.Logger,
		})
		s.engine.RegisterChunkObserver(func(f frames.AudioFrame) {
			s.supervisor.Append(f)
		})
	}
	return s, nil
}

func (s *Session) ID() string   { return s.id }
func (s *Session) Path() string { return s.path }

func (s *Session) State() capture.State    { return s.engine.State() }
func (s *Session) Elapsed() time.Duration  { return s.engine.Elapsed() }
func (s *Session) Level() float64          { return s.engine.Level() }
func (s *Session) BytesWritten() int64     { return s.engine.BytesWritten() }
func (s *Session) Engine() *capture.Engine { return s.engine }

// Transcript returns committed lines plus the live partial.
func (s *Session) Transcript() string {
	if s.supervisor == nil {
		return ""
	}
	return s.supervisor.TranscriptText()
}

// Supervisor exposes the recognition supervisor for callback wiring.
func (s *Session) Supervisor() *recognition.Supervisor { return s.supervisor }

func (s *Session) SetTitle(title string) {
	s.mu.Lock()
	s.title = title
	s.mu.Unlock()
}

func (s *Session) SetTags(ctx context.Context, tags []string) error {
	s.mu.Lock()
	s.tags = append([]string(nil), tags...)
	remoteID := s.remoteID
	s.mu.Unlock()
	if s.cfg.Backend != nil && remoteID != "" {
		return s.cfg.Backend.UpdateTags(ctx, remoteID, tags)
	}
	return nil
}

// Start checks the microphone permission, then brings up capture and
// recognition together.
func (s *Session) Start(ctx context.Context) error {
	if err := s.checkPermission(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errorsx.New(errorsx.ReasonCaptureSetup, "session already finished")
	}
	if err := s.engine.Start(); err != nil {
		return err
	}
	if s.supervisor != nil {
		s.supervisor.Start(ctx)
	}
	return nil
}

// Pause freezes capture and drops the in-flight hypothesis; committed lines
// stay.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.Pause(); err != nil {
		return err
	}
	if s.supervisor != nil {
		s.supervisor.Stop(false)
	}
	return nil
}

// Resume continues the same file and the same transcript.
func (s *Session) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.Resume(); err != nil {
		return err
	}
	if s.supervisor != nil {
		s.supervisor.Start(ctx)
	}
	return nil
}

// Stop finishes the recording. With save the audio (and transcript, when
// recognition ran) is pushed to the backend; without it the local file is
// deleted and nothing is sent.
func (s *Session) Stop(ctx context.Context, save bool) (Result, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return Result{}, errorsx.New(errorsx.ReasonCaptureSetup, "session already finished")
	}
	s.stopped = true
	s.mu.Unlock()

	if s.supervisor != nil {
		s.supervisor.Stop(save)
	}
	if err := s.engine.Stop(); err != nil {
		return Result{}, err
	}

	res := Result{
		SessionID:  s.id,
		Path:       s.path,
		Transcript: s.Transcript(),
		Elapsed:    s.engine.Elapsed(),
	}

	if !save {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("discard_remove_failed",
				slog.String("path", s.path),
				slog.String("error", err.Error()))
		}
		res.Path = ""
		return res, nil
	}

	remoteID, err := s.ensureRemote(ctx)
	if err != nil {
		return res, err
	}
	res.RemoteID = remoteID

	if s.cfg.Uploader != nil && remoteID != "" {
		uploadRes, err := s.cfg.Uploader.Upload(ctx, remoteID, s.path, res.Transcript)
		if err != nil {
			return res, err
		}
		res.Upload = uploadRes
		res.Uploaded = true
	}
	return res, nil
}

// Import uploads an existing audio file as its own session. The source is
// copied into the recordings dir first so the original stays untouched.
func (s *Session) Import(ctx context.Context, srcPath string) (Result, error) {
	dst := filepath.Join(s.cfg.Dir, fmt.Sprintf("import_%s%s",
		time.Now().Format("20060102_150405"), filepath.Ext(srcPath)))
	if err := copyFile(srcPath, dst); err != nil {
		return Result{}, errorsx.Wrap(err, errorsx.ReasonAudioLoadFailed)
	}

	remoteID, err := s.ensureRemote(ctx)
	if err != nil {
		_ = os.Remove(dst)
		return Result{}, err
	}

	res := Result{SessionID: s.id, RemoteID: remoteID, Path: dst}
	if s.cfg.Uploader != nil && remoteID != "" {
		uploadRes, err := s.cfg.Uploader.Upload(ctx, remoteID, dst, "")
		if err != nil {
			return res, err
		}
		res.Upload = uploadRes
		res.Uploaded = true
	}
	return res, nil
}

// Diarize runs offline speaker attribution over the saved recording. It is
// on-demand: nothing in the live path depends on it.
func (s *Session) Diarize(ctx context.Context) (diarize.AlignedTranscript, error) {
	if s.cfg.Aligner == nil {
		return diarize.AlignedTranscript{}, errorsx.New(errorsx.ReasonDiarizerInit, "no aligner configured")
	}
	return s.cfg.Aligner.Align(ctx, s.path)
}

// Delete removes the session locally and, when it was saved, remotely.
func (s *Session) Delete(ctx context.Context) error {
	s.mu.Lock()
	remoteID := s.remoteID
	s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if s.cfg.Backend != nil && remoteID != "" {
		return s.cfg.Backend.DeleteSession(ctx, remoteID)
	}
	return nil
}

// Err surfaces the first capture or recognition failure, if any.
func (s *Session) Err() error {
	if err := s.engine.Err(); err != nil {
		return err
	}
	if s.supervisor != nil {
		return s.supervisor.Err()
	}
	return nil
}

func (s *Session) checkPermission(ctx context.Context) error {
	status, err := s.cfg.Permissions.Microphone(ctx)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonPermissionDenied)
	}
	if status == permission.Undetermined {
		status, err = s.cfg.Permissions.RequestMicrophone(ctx)
		if err != nil {
			return errorsx.Wrap(err, errorsx.ReasonPermissionDenied)
		}
	}
	if status != permission.Granted {
		return errorsx.New(errorsx.ReasonPermissionDenied, "microphone permission %s", status)
	}
	return nil
}

func (s *Session) ensureRemote(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.remoteID != "" {
		id := s.remoteID
		s.mu.Unlock()
		return id, nil
	}
	title := s.title
	tags := append([]string(nil), s.tags...)
	s.mu.Unlock()

	if s.cfg.Backend == nil {
		return "", nil
	}
	var remote api.Session
	err := resilience.NewRetryPolicy(2, 500*time.Millisecond).Do(func() error {
		var err error
		remote, err = s.cfg.Backend.CreateSession(ctx, title, tags)
		return err
	})
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.remoteID = remote.ID
	s.mu.Unlock()
	return remote.ID, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}
