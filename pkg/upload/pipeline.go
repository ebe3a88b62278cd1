package upload

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/notalog/notalog/pkg/api"
	"github.com/notalog/notalog/pkg/audio"
	"github.com/notalog/notalog/pkg/errorsx"
	"github.com/notalog/notalog/pkg/frames"
	"github.com/notalog/notalog/pkg/logging"
	"github.com/notalog/notalog/pkg/metrics"
	"github.com/notalog/notalog/pkg/resilience"
)

// Backend is the slice of the session API the pipeline needs.
type Backend interface {
	PrepareAudioUpload(ctx context.Context, sessionID string, req api.PrepareUploadRequest) (api.PrepareUploadResponse, error)
	UploadFile(ctx context.Context, dest api.PrepareUploadResponse, path, contentType string) error
	CommitAudioUpload(ctx context.Context, sessionID string, req api.CommitUploadRequest) error
	UpdateTranscript(ctx context.Context, sessionID, transcript string) error
}

type Config struct {
	TempDir           string
	CommitBackoff     []time.Duration
	MaxCommitAttempts int
	Observer          metrics.Observer
	Logger            *slog.Logger
}

// Result reports which rendition was uploaded and how many commit attempts
// it took.
type Result struct {
	UploadID       string
	Variant        string
	ByteSize       int64
	CommitAttempts int
}

// Pipeline uploads a finished recording: compress, fingerprint, transfer to
// a signed destination, then commit. Compression failure falls back to the
// original WAV rather than blocking the save, and commit retries ride out
// the window where the stored object is not yet visible to the backend.
type Pipeline struct {
	backend    Backend
	transcoder Transcoder
	cfg        Config
	logger     *slog.Logger
	obs        metrics.Observer
}

func NewPipeline(backend Backend, transcoder Transcoder, cfg Config) *Pipeline {
	if len(cfg.CommitBackoff) == 0 {
		cfg.CommitBackoff = []time.Duration{300 * time.Millisecond, 800 * time.Millisecond, 1600 * time.Millisecond}
	}
	if cfg.MaxCommitAttempts <= 0 {
		cfg.MaxCommitAttempts = 3
	}
	if cfg.Observer == nil {
		cfg.Observer = metrics.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		backend:    backend,
		transcoder: transcoder,
		cfg:        cfg,
		logger:     logging.NewComponentLogger(cfg.Logger, "upload"),
		obs:        cfg.Observer,
	}
}

// Upload pushes one recording and, when present, its transcript. The
// transcript push is best-effort: the audio is already committed by then
// and a transcript can be re-sent later.
func (p *Pipeline) Upload(ctx context.Context, sessionID, wavPath, transcript string) (Result, error) {
	compressed, cleanup, ok := p.compress(ctx, sessionID, wavPath)
	defer cleanup()

	if ok {
		res, err := p.push(ctx, sessionID, compressed)
		switch {
		case err == nil:
			p.pushTranscript(ctx, sessionID, transcript)
			return res, nil
		case errorsx.HasReason(err, errorsx.ReasonUploadTransfer):
			// The rendition itself may be the problem; retry with the
			// source WAV before giving up.
			p.logger.Warn("compressed_transfer_failed_falling_back",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
			p.record(metrics.EventUploadFallback, sessionID, 0)
		default:
			return res, err
		}
	}

	payload, err := BuildPayload(wavPath, VariantOriginal, "audio/wav")
	if err != nil {
		return Result{}, err
	}
	payload.Meta = api.AudioMeta{
		Codec:       "pcm_s16le",
		Container:   "wav",
		SampleRate:  audio.TargetFormat().SampleRate,
		Channels:    audio.TargetFormat().Channels,
		DurationSec: wavDuration(payload.ByteSize),
	}
	res, err := p.push(ctx, sessionID, payload)
	if err != nil {
		return res, err
	}
	p.pushTranscript(ctx, sessionID, transcript)
	return res, nil
}

// push runs the prepare, transfer, commit protocol for one payload.
func (p *Pipeline) push(ctx context.Context, sessionID string, payload Payload) (Result, error) {
	dest, err := p.backend.PrepareAudioUpload(ctx, sessionID, api.PrepareUploadRequest{
		FileName:    payload.FileName,
		ByteSize:    payload.ByteSize,
		SHA256:      payload.SHA256,
		ContentType: payload.ContentType,
		Variant:     payload.Variant,
		Meta:        payload.Meta,
	})
	if err != nil {
		return Result{}, err
	}

	if err := p.backend.UploadFile(ctx, dest, payload.Path, payload.ContentType); err != nil {
		return Result{}, err
	}

	attempts := 0
	policy := resilience.SchedulePolicy{
		Schedule:  p.commitSchedule(),
		Retryable: func(err error) bool { return errorsx.HasReason(err, errorsx.ReasonUploadTransient) },
	}
	commit := api.CommitUploadRequest{
		UploadID:       dest.UploadID,
		StoragePath:    dest.StoragePath,
		ContentType:    payload.ContentType,
		ByteSize:       payload.ByteSize,
		Meta:           payload.Meta,
		ExpectedSize:   payload.ByteSize,
		ExpectedSHA256: payload.SHA256,
		OriginalSHA256: payload.OriginalSHA256,
	}
	err = policy.Do(ctx, func() error {
		attempts++
		p.record(metrics.EventUploadAttempt, sessionID, attempts)
		return p.backend.CommitAudioUpload(ctx, sessionID, commit)
	})
	if err != nil {
		p.logger.Error("upload_commit_failed",
			slog.String("session_id", sessionID),
			slog.Int("attempts", attempts),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		return Result{CommitAttempts: attempts}, err
	}

	p.record(metrics.EventUploadCommitted, sessionID, attempts)
	p.logger.Info("upload_committed",
		slog.String("session_id", sessionID),
		slog.String("upload_id", dest.UploadID),
		slog.String("variant", payload.Variant),
		slog.Int64("byte_size", payload.ByteSize),
		slog.Int("attempts", attempts))

	return Result{
		UploadID:       dest.UploadID,
		Variant:        payload.Variant,
		ByteSize:       payload.ByteSize,
		CommitAttempts: attempts,
	}, nil
}

func (p *Pipeline) pushTranscript(ctx context.Context, sessionID, transcript string) {
	if transcript == "" {
		return
	}
	if err := p.backend.UpdateTranscript(ctx, sessionID, transcript); err != nil {
		p.logger.Warn("transcript_push_failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
}

// compress builds the compressed rendition when a transcoder is configured
// and it succeeds. The returned cleanup always removes the temp rendition.
func (p *Pipeline) compress(ctx context.Context, sessionID, wavPath string) (Payload, func(), bool) {
	cleanup := func() {}
	if p.transcoder == nil {
		return Payload{}, cleanup, false
	}

	compressed, err := p.transcoder.Transcode(ctx, wavPath, p.cfg.TempDir)
	if err != nil {
		p.logger.Warn("transcode_failed_falling_back",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		p.record(metrics.EventUploadFallback, sessionID, 0)
		return Payload{}, cleanup, false
	}
	cleanup = func() { _ = os.Remove(compressed) }

	payload, err := BuildPayload(compressed, VariantCompressed, "audio/ogg")
	if err != nil {
		p.logger.Warn("compressed_payload_unreadable",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		p.record(metrics.EventUploadFallback, sessionID, 0)
		return Payload{}, cleanup, false
	}

	// The source digest travels with the rendition for provenance.
	origSHA, origSize, err := FileSHA256(wavPath)
	if err != nil {
		p.logger.Warn("source_fingerprint_failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		p.record(metrics.EventUploadFallback, sessionID, 0)
		return Payload{}, cleanup, false
	}
	payload.OriginalSHA256 = origSHA
	payload.Meta = api.AudioMeta{
		Codec:       "opus",
		Container:   "ogg",
		SampleRate:  audio.TargetFormat().SampleRate,
		Channels:    audio.TargetFormat().Channels,
		BitrateKbps: compressedBitrateKbps,
		DurationSec: wavDuration(origSize),
	}
	return payload, cleanup, true
}

func (p *Pipeline) commitSchedule() []time.Duration {
	sleeps := p.cfg.MaxCommitAttempts - 1
	if sleeps > len(p.cfg.CommitBackoff) {
		sleeps = len(p.cfg.CommitBackoff)
	}
	if sleeps < 0 {
		sleeps = 0
	}
	return p.cfg.CommitBackoff[:sleeps]
}

func (p *Pipeline) record(name, sessionID string, attempt int) {
	tags := map[string]string{frames.MetaSessionID: sessionID}
	if attempt > 0 {
		tags["attempt"] = strconv.Itoa(attempt)
	}
	p.obs.RecordEvent(metrics.MetricsEvent{Name: name, Time: time.Now(), Tags: tags})
}
