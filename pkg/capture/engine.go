package capture

import (
	"log/slog"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/notalog/notalog/pkg/audio"
	"github.com/notalog/notalog/pkg/errorsx"
	"github.com/notalog/notalog/pkg/frames"
	"github.com/notalog/notalog/pkg/logging"
	"github.com/notalog/notalog/pkg/metrics"
)

// ChunkObserver receives each converted target-format chunk on the capture
// worker. The recognition append path is one of these observers.
type ChunkObserver func(frames.AudioFrame)

// LevelFunc receives the RMS level in [0,1] of each written chunk.
type LevelFunc func(float64)

type Config struct {
	SessionID  string
	OutputPath string
	QueueSize  int
	Grants     GrantProvider
	Observer   metrics.Observer
	Logger     *slog.Logger
}

// Engine owns the audio input tap, converts frames to the fixed target
// format, persists them to a WAV file, and fans converted chunks out to
// observers. The tap callback does exactly one non-blocking enqueue; all
// I/O happens on one serial worker goroutine.
type Engine struct {
	cfg    Config
	tap    Tap
	fsm    *stateMachine
	obs    metrics.Observer
	logger *slog.Logger

	mu          sync.Mutex
	writer      *audio.Writer
	grant       *onceGrant
	queue       chan frames.AudioFrame
	quit        chan struct{}
	workerDone  chan struct{}
	activeSince time.Time
	accumulated time.Duration
	lastErr     error
	chunkObs    []ChunkObserver
	onLevel     LevelFunc

	accepting atomic.Bool
	dropped   atomic.Int64
	level     atomic.Uint64
}

func NewEngine(tap Tap, cfg Config) *Engine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Grants == nil {
		cfg.Grants = NoopGrants{}
	}
	if cfg.Observer == nil {
		cfg.Observer = metrics.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		tap:    tap,
		fsm:    newStateMachine(),
		obs:    cfg.Observer,
		logger: logging.NewComponentLogger(cfg.Logger, "capture"),
	}
}

// RegisterChunkObserver adds an observer for converted chunks. Must be
// called before Start.
func (e *Engine) RegisterChunkObserver(obs ChunkObserver) {
	e.mu.Lock()
	e.chunkObs = append(e.chunkObs, obs)
	e.mu.Unlock()
}

// SetLevelFunc installs a UI level callback. Must be called before Start.
func (e *Engine) SetLevelFunc(fn LevelFunc) {
	e.mu.Lock()
	e.onLevel = fn
	e.mu.Unlock()
}

func (e *Engine) State() State { return e.fsm.State() }

func (e *Engine) AddStateListener(l StateListener) { e.fsm.AddListener(l) }

// Err returns the first worker write failure, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Level returns the most recent RMS level in [0,1].
func (e *Engine) Level() float64 {
	return math.Float64frombits(e.level.Load())
}

// OutputPath returns the capture file path.
func (e *Engine) OutputPath() string { return e.cfg.OutputPath }

// BytesWritten returns the PCM payload bytes persisted so far.
func (e *Engine) BytesWritten() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.writer == nil {
		return 0
	}
	return e.writer.BytesWritten()
}

// Elapsed returns active recording time, pauses excluded.
func (e *Engine) Elapsed() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := e.accumulated
	if e.fsm.State() == StateRecording && !e.activeSince.IsZero() {
		total += time.Since(e.activeSince)
	}
	return total
}

// Start opens the output file, acquires a background-execution grant, and
// installs the tap callback. On any setup failure everything opened so far
// is torn down again; no half-open file or tap survives.
func (e *Engine) Start() error {
	if e.fsm.State() != StateIdle {
		return errorsx.New(errorsx.ReasonCaptureSetup, "capture already active in state %s", e.fsm.State())
	}

	writer, err := audio.NewWriter(e.cfg.OutputPath, audio.TargetFormat())
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonCaptureSetup)
	}

	rawGrant, err := e.cfg.Grants.Acquire(e.onGrantExpiry)
	if err != nil {
		writer.Close()
		os.Remove(e.cfg.OutputPath)
		return errorsx.Wrap(err, errorsx.ReasonCaptureSetup)
	}
	grant := wrapGrant(rawGrant)

	e.mu.Lock()
	e.writer = writer
	e.grant = grant
	e.lastErr = nil
	e.accumulated = 0
	e.queue = make(chan frames.AudioFrame, e.cfg.QueueSize)
	e.quit = make(chan struct{})
	e.workerDone = make(chan struct{})
	e.mu.Unlock()

	go e.workerLoop(e.queue, e.quit, e.workerDone)
	e.accepting.Store(true)

	if err := e.tap.Start(e.handleTapFrame); err != nil {
		e.accepting.Store(false)
		e.mu.Lock()
		close(e.quit)
		done := e.workerDone
		e.mu.Unlock()
		<-done
		writer.Close()
		os.Remove(e.cfg.OutputPath)
		grant.Release()
		e.mu.Lock()
		e.writer = nil
		e.grant = nil
		e.mu.Unlock()
		return errorsx.Wrap(err, errorsx.ReasonCaptureSetup)
	}

	e.mu.Lock()
	e.activeSince = time.Now()
	e.mu.Unlock()

	if err := e.fsm.Transition(StateRecording, "start"); err != nil {
		// State was validated above; a race here means a concurrent start won.
		e.teardown(false)
		return errorsx.Wrap(err, errorsx.ReasonCaptureSetup)
	}
	e.logger.Info("capture_started",
		slog.String("session_id", e.cfg.SessionID),
		slog.String("path", e.cfg.OutputPath))
	e.record(metrics.EventRecordingStarted, 0)
	return nil
}

// Pause stops the tap and accrues elapsed time. The output file stays open.
func (e *Engine) Pause() error {
	if err := e.fsm.Transition(StatePaused, "pause"); err != nil {
		return err
	}
	_ = e.tap.Stop()
	e.mu.Lock()
	if !e.activeSince.IsZero() {
		e.accumulated += time.Since(e.activeSince)
		e.activeSince = time.Time{}
	}
	e.mu.Unlock()
	e.logger.Info("capture_paused", slog.String("session_id", e.cfg.SessionID))
	e.record(metrics.EventRecordingPaused, 0)
	return nil
}

// Resume restarts the tap against the same output file.
func (e *Engine) Resume() error {
	if err := e.fsm.Transition(StateRecording, "resume"); err != nil {
		return err
	}
	if err := e.tap.Start(e.handleTapFrame); err != nil {
		_ = e.fsm.Transition(StatePaused, "resume failed")
		return errorsx.Wrap(err, errorsx.ReasonCaptureSetup)
	}
	e.mu.Lock()
	e.activeSince = time.Now()
	e.mu.Unlock()
	e.logger.Info("capture_resumed", slog.String("session_id", e.cfg.SessionID))
	e.record(metrics.EventRecordingResumed, 0)
	return nil
}

// Stop flushes and closes the file, tears down the tap, and releases the
// execution grant. The engine returns to Idle.
func (e *Engine) Stop() error {
	state := e.fsm.State()
	if state == StateIdle {
		return nil
	}
	if state == StateRecording {
		e.mu.Lock()
		if !e.activeSince.IsZero() {
			e.accumulated += time.Since(e.activeSince)
			e.activeSince = time.Time{}
		}
		e.mu.Unlock()
	}
	err := e.teardown(true)
	_ = e.fsm.Transition(StateIdle, "stop")
	e.logger.Info("capture_stopped",
		slog.String("session_id", e.cfg.SessionID),
		slog.Int64("dropped_frames", e.dropped.Load()))
	e.record(metrics.EventRecordingStopped, e.Elapsed().Seconds())
	return err
}

// HandleRouteChange reacts to an output/input route change. Route changes
// never stop capture.
func (e *Engine) HandleRouteChange(reason string) {
	e.logger.Info("audio_route_changed",
		slog.String("session_id", e.cfg.SessionID),
		slog.String("reason", reason))
}

// HandleInterruption auto-pauses on an interruption and auto-resumes when
// the host signals it should.
func (e *Engine) HandleInterruption(began, shouldResume bool) {
	if began {
		if e.fsm.State() == StateRecording {
			if err := e.Pause(); err != nil {
				e.logger.Warn("interruption_pause_failed", slog.String("error", err.Error()))
			}
		}
		return
	}
	if e.fsm.State() == StatePaused && shouldResume {
		if err := e.Resume(); err != nil {
			e.logger.Warn("interruption_resume_failed", slog.String("error", err.Error()))
		}
	}
}

// Rebuild recovers from a total audio-subsystem reset: the tap is restarted
// against the same session and file if a recording was in progress.
func (e *Engine) Rebuild() error {
	if e.fsm.State() != StateRecording {
		return nil
	}
	_ = e.tap.Stop()
	if err := e.tap.Start(e.handleTapFrame); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonCaptureSetup)
	}
	e.logger.Info("capture_rebuilt", slog.String("session_id", e.cfg.SessionID))
	return nil
}

// handleTapFrame runs on the tap's real-time delivery context: one pooled
// copy, one non-blocking enqueue, nothing else.
func (e *Engine) handleTapFrame(data []byte) {
	if !e.accepting.Load() {
		return
	}
	e.mu.Lock()
	queue := e.queue
	e.mu.Unlock()
	if queue == nil {
		return
	}
	format := e.tap.Format()
	f := frames.NewAudioFrameFromPool(e.cfg.SessionID, time.Now().UnixNano(), data, format.SampleRate, format.Channels, nil)
	select {
	case queue <- f:
	default:
		frames.ReleaseAudioFrame(f)
		e.dropped.Add(1)
	}
}

func (e *Engine) workerLoop(queue <-chan frames.AudioFrame, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case f := <-queue:
			e.processFrame(f)
			frames.ReleaseAudioFrame(f)
		case <-quit:
			// Drain whatever the tap enqueued before teardown flipped
			// accepting off, then exit.
			for {
				select {
				case f := <-queue:
					e.processFrame(f)
					frames.ReleaseAudioFrame(f)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) processFrame(f frames.AudioFrame) {
	from := audio.Format{SampleRate: f.Rate(), Channels: f.Channels(), BitDepth: 16}
	pcm := audio.ConvertToTarget(f.RawPayload(), from)
	if len(pcm) == 0 {
		return
	}

	e.mu.Lock()
	writer := e.writer
	observers := e.chunkObs
	onLevel := e.onLevel
	e.mu.Unlock()
	if writer == nil {
		return
	}

	if err := writer.Write(pcm); err != nil {
		e.mu.Lock()
		if e.lastErr == nil {
			e.lastErr = errorsx.Wrap(err, errorsx.ReasonCaptureWrite)
		}
		e.mu.Unlock()
		e.logger.Error("capture_write_failed",
			slog.String("session_id", e.cfg.SessionID),
			slog.String("error", err.Error()))
		return
	}

	lvl := audio.RMSLevel(pcm)
	e.level.Store(math.Float64bits(lvl))
	if onLevel != nil {
		onLevel(lvl)
	}
	e.record(metrics.EventAudioLevel, lvl)

	target := audio.TargetFormat()
	out := frames.NewAudioFrame(e.cfg.SessionID, f.PTS(), pcm, target.SampleRate, target.Channels, nil)
	for _, obs := range observers {
		obs(out)
	}
}

func (e *Engine) teardown(wait bool) error {
	e.accepting.Store(false)
	_ = e.tap.Stop()

	e.mu.Lock()
	quit := e.quit
	done := e.workerDone
	writer := e.writer
	grant := e.grant
	e.queue = nil
	e.quit = nil
	e.workerDone = nil
	e.mu.Unlock()

	if quit != nil {
		close(quit)
	}
	if wait && done != nil {
		<-done
	}

	e.mu.Lock()
	err := e.lastErr
	e.writer = nil
	e.grant = nil
	e.mu.Unlock()
	if writer != nil {
		if cerr := writer.Close(); cerr != nil && err == nil {
			err = errorsx.Wrap(cerr, errorsx.ReasonCaptureWrite)
		}
	}
	grant.Release()
	return err
}

func (e *Engine) onGrantExpiry() {
	e.logger.Warn("background_grant_expired", slog.String("session_id", e.cfg.SessionID))
	e.mu.Lock()
	grant := e.grant
	e.mu.Unlock()
	grant.Release()
}

func (e *Engine) record(name string, value float64) {
	e.obs.RecordEvent(metrics.MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: value,
		Tags:  map[string]string{frames.MetaSessionID: e.cfg.SessionID, "component": "capture"},
	})
}
