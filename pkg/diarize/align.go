package diarize

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/notalog/notalog/pkg/adapters/stt"
	"github.com/notalog/notalog/pkg/errorsx"
	"github.com/notalog/notalog/pkg/logging"
)

// Block is one speaker-attributed stretch of transcript text.
type Block struct {
	Speaker int
	Start   float64
	End     float64
	Text    string
}

// AlignedTranscript is the result of attributing recognized text to the
// speaker turns of the same recording.
type AlignedTranscript struct {
	Blocks   []Block
	Speakers int
}

// Aligner combines whole-file recognition with diarization: each timed token
// is assigned to the speaker turn containing its midpoint, and consecutive
// same-speaker tokens fold into blocks.
type Aligner struct {
	transcriber stt.BatchTranscriber
	diarizer    *Diarizer
	mergeGap    float64
	logger      *slog.Logger
}

func NewAligner(transcriber stt.BatchTranscriber, diarizer *Diarizer, logger *slog.Logger) *Aligner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aligner{
		transcriber: transcriber,
		diarizer:    diarizer,
		mergeGap:    diarizer.cfg.MergeGap.Seconds(),
		logger:      logging.NewComponentLogger(logger, "align"),
	}
}

// Align transcribes and diarizes one saved recording and returns the
// speaker-attributed transcript. Blocks come back ordered by start time and
// never overlap.
func (a *Aligner) Align(ctx context.Context, path string) (AlignedTranscript, error) {
	started := time.Now()

	result, err := a.transcriber.Transcribe(ctx, path)
	if err != nil {
		return AlignedTranscript{}, err
	}
	if len(result.Tokens) == 0 {
		return AlignedTranscript{}, errorsx.New(errorsx.ReasonNoAlignedText,
			"recognition returned no timed tokens for %s", path)
	}

	turns, err := a.diarizer.Diarize(ctx, path)
	if err != nil {
		return AlignedTranscript{}, err
	}

	blocks := alignTokens(result.Tokens, turns)
	if len(blocks) == 0 {
		return AlignedTranscript{}, errorsx.New(errorsx.ReasonNoAlignedText,
			"no token fell inside a speaker turn for %s", path)
	}
	blocks = mergeBlocks(blocks, a.mergeGap)

	a.logger.Info("align_completed",
		slog.String("path", path),
		slog.Int("tokens", len(result.Tokens)),
		slog.Int("blocks", len(blocks)),
		slog.Duration("took", time.Since(started)))
	return AlignedTranscript{Blocks: blocks, Speakers: blockSpeakerCount(blocks)}, nil
}

// alignTokens walks tokens and turns with a single forward cursor; both are
// ordered by time, so no token ever looks backwards. A token whose midpoint
// lands outside every turn is skipped, it belongs to no speaker.
func alignTokens(tokens []stt.TimedToken, turns []Turn) []Block {
	var blocks []Block
	cursor := 0
	for _, tok := range tokens {
		mid := tok.Midpoint()
		for cursor < len(turns)-1 && mid >= turns[cursor].End {
			cursor++
		}
		turn := turns[cursor]
		if mid < turn.Start || mid >= turn.End {
			continue
		}
		speaker := turn.Speaker

		if n := len(blocks); n > 0 && blocks[n-1].Speaker == speaker {
			b := &blocks[n-1]
			b.Text += " " + tok.Text
			if tok.End > b.End {
				b.End = tok.End
			}
			continue
		}
		blocks = append(blocks, Block{
			Speaker: speaker,
			Start:   tok.Start,
			End:     tok.End,
			Text:    tok.Text,
		})
	}
	return blocks
}

// mergeBlocks collapses same-speaker neighbors separated by less than
// maxGap seconds. Merging is idempotent: a merged list passes through
// unchanged.
func mergeBlocks(blocks []Block, maxGap float64) []Block {
	if len(blocks) == 0 {
		return blocks
	}
	out := []Block{blocks[0]}
	for _, b := range blocks[1:] {
		last := &out[len(out)-1]
		if b.Speaker == last.Speaker && b.Start-last.End < maxGap {
			last.Text = strings.TrimSpace(last.Text + " " + b.Text)
			if b.End > last.End {
				last.End = b.End
			}
			continue
		}
		out = append(out, b)
	}
	return out
}

func blockSpeakerCount(blocks []Block) int {
	seen := make(map[int]struct{})
	for _, b := range blocks {
		seen[b.Speaker] = struct{}{}
	}
	return len(seen)
}
