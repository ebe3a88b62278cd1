package notalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/notalog/notalog/pkg/adapters/stt"
	"github.com/notalog/notalog/pkg/api"
	"github.com/notalog/notalog/pkg/capture"
	"github.com/notalog/notalog/pkg/diarize"
	"github.com/notalog/notalog/pkg/logging"
	"github.com/notalog/notalog/pkg/metrics"
	"github.com/notalog/notalog/pkg/observers"
	"github.com/notalog/notalog/pkg/permission"
	"github.com/notalog/notalog/pkg/redact"
	"github.com/notalog/notalog/pkg/runner"
	"github.com/notalog/notalog/pkg/session"
	"github.com/notalog/notalog/pkg/upload"
)

type EngineOptions struct {
	Config      Config
	Providers   *ProviderRegistry
	Permissions permission.Provider
	Grants      capture.GrantProvider
	// TapFactory opens the host's microphone tap for each new session.
	TapFactory func() (capture.Tap, error)
	// Backend overrides the API client built from config, for tests and
	// embedded hosts.
	Backend interface {
		session.Backend
		upload.Backend
	}
}

// Engine wires configuration, providers, and observability into a factory
// for recording sessions, and owns graceful shutdown for all of them.
type Engine struct {
	cfg        Config
	opts       EngineOptions
	providers  *ProviderRegistry
	sttFactory stt.Factory
	uploader   *upload.Pipeline
	aligner    *diarize.Aligner
	obs        metrics.Observer
	asyncObs   *metrics.AsyncObserver
	metricsOut *os.File
	timeline   *observers.TimelineObserver
	logger     *slog.Logger
	runner     *runner.LifecycleRunner

	mu       sync.Mutex
	sessions map[string]*session.Session
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	base := logging.InitLogger(logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(base)

	slog.Info("notalog_init",
		"environment", cfg.Environment,
		"recognition_provider", cfg.Vendors.Recognition.Provider,
		"batch_provider", cfg.Vendors.Batch.Provider,
		"recordings_dir", cfg.Recordings.Dir,
	)

	providers := opts.Providers
	if providers == nil {
		providers = NewProviderRegistry()
	}

	e := &Engine{
		cfg:       cfg,
		opts:      opts,
		providers: providers,
		logger:    logging.NewComponentLogger(base, "engine"),
		sessions:  make(map[string]*session.Session),
	}

	if err := e.buildObservers(); err != nil {
		return nil, err
	}
	if err := e.buildProviders(); err != nil {
		return nil, err
	}

	e.runner = runner.NewLifecycleRunner(runner.DrainerFunc(e.drain), runner.Hooks{
		OnStart: func() {
			e.purgeStaleRecordings()
			slog.Info("engine_ready", "message", "Notalog Engine Ready")
		},
		OnStop: func() {
			slog.Info("shutdown",
				"goroutines", runtime.NumGoroutine(),
				"active_sessions", e.Count())
		},
	}, 30*time.Second)

	return e, nil
}

func (e *Engine) buildObservers() error {
	redact.SetEnabled(e.cfg.Observability.RedactPII)

	list := []metrics.Observer{
		observers.NewLoggerObserver(slog.Default()),
		observers.NewSessionLatencyObserver(slog.Default()),
	}
	if dir := e.cfg.Observability.TimelineDir; dir != "" {
		e.timeline = observers.NewTimelineObserver(dir)
		list = append(list, e.timeline)
	}
	if path := e.cfg.Observability.MetricsPath; path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open metrics path: %w", err)
		}
		e.metricsOut = f
		list = append(list, metrics.NewJSONLObserver(f))
	}
	var inner metrics.Observer = observers.NewMultiObserver(list...)
	if rate := e.cfg.Observability.SampleRate; rate > 0 && rate < 1 {
		inner = metrics.NewSamplingObserver(inner, rate)
	}
	e.asyncObs = metrics.NewAsyncObserver(inner, 2048)
	e.obs = e.asyncObs
	return nil
}

func (e *Engine) buildProviders() error {
	factory, err := e.providers.BuildStreaming(e.cfg.Vendors.Recognition.Provider, e.cfg)
	if err != nil {
		return err
	}
	e.sttFactory = factory

	backend := e.backend()
	if backend != nil {
		transcoder, err := e.buildTranscoder()
		if err != nil {
			return err
		}
		e.uploader = upload.NewPipeline(backend, transcoder, upload.Config{
			TempDir:           e.cfg.Upload.TempDir,
			CommitBackoff:     backoffSchedule(e.cfg.Upload.CommitBackoffMS),
			MaxCommitAttempts: e.cfg.Upload.MaxCommitAttempts,
			Observer:          e.obs,
		})
	}

	if e.cfg.Vendors.Batch.Provider != "" {
		transcriber, err := e.providers.BuildBatch(e.cfg.Vendors.Batch.Provider, e.cfg)
		if err != nil {
			return err
		}
		diarizer, err := diarize.NewDiarizer(diarize.Config{
			SegmenterModelPath:  e.cfg.Diarize.SegmenterModel,
			EmbedderModelPath:   e.cfg.Diarize.EmbedderModel,
			SimilarityThreshold: e.cfg.Diarize.SimilarityThreshold,
			MergeGap:            time.Duration(e.cfg.Diarize.MergeGapMS) * time.Millisecond,
			Observer:            e.obs,
		})
		if err != nil {
			return err
		}
		e.aligner = diarize.NewAligner(transcriber, diarizer, slog.Default())
	}
	return nil
}

func backoffSchedule(ms []int) []time.Duration {
	out := make([]time.Duration, 0, len(ms))
	for _, m := range ms {
		out = append(out, time.Duration(m)*time.Millisecond)
	}
	return out
}

func (e *Engine) buildTranscoder() (upload.Transcoder, error) {
	if e.cfg.Upload.Transcode.Command != "" {
		return e.providers.BuildTranscoder("exec", e.cfg)
	}
	return e.providers.BuildTranscoder("ffmpeg", e.cfg)
}

func (e *Engine) backend() interface {
	session.Backend
	upload.Backend
} {
	if e.opts.Backend != nil {
		return e.opts.Backend
	}
	if e.cfg.API.BaseURL != "" {
		return api.NewClient(e.cfg.API.BaseURL, e.cfg.API.Key)
	}
	return nil
}

// NewSession opens a recording session against the host microphone tap.
func (e *Engine) NewSession(title string, tags []string) (*session.Session, error) {
	if e.opts.TapFactory == nil {
		return nil, fmt.Errorf("no tap factory configured")
	}
	tap, err := e.opts.TapFactory()
	if err != nil {
		return nil, err
	}

	s, err := session.New(session.Config{
		Dir:         e.cfg.Recordings.Dir,
		Title:       title,
		Tags:        tags,
		Tap:         tap,
		STTFactory:  e.sttFactory,
		Permissions: e.opts.Permissions,
		Backend:     e.backend(),
		Uploader:    e.uploader,
		Aligner:     e.aligner,
		Grants:      e.opts.Grants,
		Observer:    e.obs,
		Logger:      slog.Default(),
	})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.sessions[s.ID()] = s
	e.mu.Unlock()
	return s, nil
}

// Remove forgets a finished session.
func (e *Engine) Remove(id string) {
	e.mu.Lock()
	delete(e.sessions, id)
	e.mu.Unlock()
}

func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Aligner exposes the offline diarization pipeline, when configured.
func (e *Engine) Aligner() *diarize.Aligner { return e.aligner }

// Uploader exposes the upload pipeline, when a backend is configured.
func (e *Engine) Uploader() *upload.Pipeline { return e.uploader }

func (e *Engine) Observer() metrics.Observer { return e.obs }

func (e *Engine) Config() Config { return e.cfg }

// Start blocks the runner goroutine until Stop or context cancellation.
func (e *Engine) Start(ctx context.Context) error {
	go func() {
		_ = e.runner.Run(ctx)
	}()
	return nil
}

func (e *Engine) Stop() error {
	return e.runner.Stop()
}

// drain finishes live sessions so no recording is left with a stale header,
// then flushes metrics.
func (e *Engine) drain() error {
	e.mu.Lock()
	open := make([]*session.Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		open = append(open, s)
	}
	e.sessions = make(map[string]*session.Session)
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, s := range open {
		if s.State() == capture.StateIdle {
			continue
		}
		if _, err := s.Stop(ctx, true); err != nil {
			e.logger.Warn("drain_session_failed",
				slog.String("session_id", s.ID()),
				slog.String("error", err.Error()))
		}
	}

	if e.asyncObs != nil {
		e.asyncObs.Close()
	}
	if e.timeline != nil {
		_ = e.timeline.Close()
	}
	if e.metricsOut != nil {
		_ = e.metricsOut.Close()
	}
	return nil
}

// purgeStaleRecordings enforces the local retention window, when one is
// configured.
func (e *Engine) purgeStaleRecordings() {
	days := e.cfg.Recordings.RetentionDays
	if days <= 0 {
		return
	}
	removed, err := observers.PurgeRecordings(e.cfg.Recordings.Dir, time.Duration(days)*24*time.Hour)
	if err != nil {
		e.logger.Warn("retention_purge_failed", slog.String("error", err.Error()))
	}
	if removed > 0 {
		e.logger.Info("retention_purged", slog.Int("removed", removed))
	}
}
