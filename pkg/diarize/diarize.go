package diarize

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/notalog/notalog/pkg/audio"
	"github.com/notalog/notalog/pkg/errorsx"
	"github.com/notalog/notalog/pkg/frames"
	"github.com/notalog/notalog/pkg/logging"
	"github.com/notalog/notalog/pkg/metrics"
)

// Turn is one speaker turn in the recording, in seconds.
type Turn struct {
	Start   float64
	End     float64
	Speaker int
}

type Config struct {
	SegmenterModelPath  string
	EmbedderModelPath   string
	SimilarityThreshold float64
	MergeGap            time.Duration
	SessionID           string
	Observer            metrics.Observer
	Logger              *slog.Logger
}

// Diarizer answers "who spoke when" for a finished recording, fully offline:
// speech segmentation, voice-print embedding, and clustering all run in
// process against the saved file.
type Diarizer struct {
	cfg       Config
	segmenter *Segmenter
	embedder  *Embedder
	logger    *slog.Logger
	obs       metrics.Observer
	rate      int
}

func NewDiarizer(cfg Config) (*Diarizer, error) {
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.82
	}
	if cfg.MergeGap <= 0 {
		cfg.MergeGap = 200 * time.Millisecond
	}
	if cfg.Observer == nil {
		cfg.Observer = metrics.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	segModel, err := LoadSegmenterModel(cfg.SegmenterModelPath)
	if err != nil {
		return nil, err
	}
	embModel, err := LoadEmbedderModel(cfg.EmbedderModelPath)
	if err != nil {
		return nil, err
	}
	if segModel.SampleRate != embModel.SampleRate {
		return nil, errorsx.New(errorsx.ReasonDiarizerInit,
			"model sample rates disagree: %d vs %d", segModel.SampleRate, embModel.SampleRate)
	}

	return &Diarizer{
		cfg:       cfg,
		segmenter: NewSegmenter(segModel),
		embedder:  NewEmbedder(embModel),
		logger:    logging.NewComponentLogger(cfg.Logger, "diarize"),
		obs:       cfg.Observer,
		rate:      segModel.SampleRate,
	}, nil
}

// Diarize loads the recording and returns ordered, non-overlapping speaker
// turns. Adjacent turns by the same speaker separated by less than the merge
// gap collapse into one.
func (d *Diarizer) Diarize(ctx context.Context, path string) ([]Turn, error) {
	started := time.Now()

	samples, err := audio.ReadMonoFloats(path, d.rate)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonAudioLoadFailed)
	}
	if ctx != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	segments := d.segmenter.Segment(samples)
	if len(segments) == 0 {
		return nil, errorsx.New(errorsx.ReasonNoSegments, "no speech found in %s", path)
	}

	var prints [][]float64
	var kept []Segment
	for _, seg := range segments {
		if ctx != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if print := d.embedder.Embed(samples, seg); print != nil {
			prints = append(prints, print)
			kept = append(kept, seg)
		}
	}
	if len(kept) == 0 {
		return nil, errorsx.New(errorsx.ReasonNoSegments, "no usable speech segments in %s", path)
	}

	labels := clusterPrints(prints, d.cfg.SimilarityThreshold)

	turns := make([]Turn, len(kept))
	for i, seg := range kept {
		turns[i] = Turn{Start: seg.Start, End: seg.End, Speaker: labels[i]}
	}
	sort.Slice(turns, func(i, j int) bool { return turns[i].Start < turns[j].Start })
	turns = mergeTurns(turns, d.cfg.MergeGap.Seconds())

	d.logger.Info("diarize_completed",
		slog.String("path", path),
		slog.Int("segments", len(kept)),
		slog.Int("turns", len(turns)),
		slog.Int("speakers", speakerCount(turns)),
		slog.Duration("took", time.Since(started)))
	d.obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventDiarizeCompleted,
		Time: time.Now(),
		Tags: map[string]string{frames.MetaSessionID: d.cfg.SessionID},
	})
	return turns, nil
}

// mergeTurns collapses same-speaker neighbors whose gap is under maxGap
// seconds. Overlapping turns from segment padding are clipped to keep the
// timeline non-overlapping.
func mergeTurns(turns []Turn, maxGap float64) []Turn {
	if len(turns) == 0 {
		return turns
	}
	out := []Turn{turns[0]}
	for _, t := range turns[1:] {
		last := &out[len(out)-1]
		if t.Speaker == last.Speaker && t.Start-last.End < maxGap {
			if t.End > last.End {
				last.End = t.End
			}
			continue
		}
		if t.Start < last.End {
			t.Start = last.End
			if t.End <= t.Start {
				continue
			}
		}
		out = append(out, t)
	}
	return out
}

func speakerCount(turns []Turn) int {
	seen := make(map[int]struct{})
	for _, t := range turns {
		seen[t.Speaker] = struct{}{}
	}
	return len(seen)
}
