package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
	"github.com/notalog/notalog/pkg/adapters/stt"
	"github.com/notalog/notalog/pkg/errorsx"
	"github.com/notalog/notalog/pkg/logging"
)

// Config drives whole-file recognition through an external whisper-style
// CLI that prints JSON with word-level timestamps on stdout.
type Config struct {
	Command   string
	ModelPath string
	Language  string
}

type Transcriber struct {
	cmd    []string
	cfg    Config
	logger *slog.Logger
	mu     sync.Mutex
}

type wordStamp struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type execResult struct {
	Text     string      `json:"text"`
	Words    []wordStamp `json:"words"`
	Segments []struct {
		Words []wordStamp `json:"words"`
	} `json:"segments"`
}

func New(cfg Config) (*Transcriber, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse transcribe command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("transcribe command is empty")
	}
	return &Transcriber{
		cmd:    args,
		cfg:    cfg,
		logger: logging.NewComponentLogger(slog.Default(), "whisper"),
	}, nil
}

// Transcribe runs the CLI over a finished recording and returns the full
// text plus timed tokens for alignment.
func (t *Transcriber) Transcribe(ctx context.Context, path string) (stt.BatchResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := os.Stat(path); err != nil {
		return stt.BatchResult{}, errorsx.Wrap(err, errorsx.ReasonAudioLoadFailed)
	}

	args := append([]string{}, t.cmd...)
	base := args[0]
	cmdArgs := args[1:]
	cmdArgs = append(cmdArgs, "--audio", path, "--output-json", "--word-timestamps")
	if t.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", t.cfg.ModelPath)
	}
	if t.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", t.cfg.Language)
	}

	t.logger.Info("batch_transcribe_start", slog.String("path", path))

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return stt.BatchResult{}, errorsx.New(errorsx.ReasonRecognizerFailed,
			"transcribe command failed: %v: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return stt.BatchResult{}, errorsx.New(errorsx.ReasonRecognizerFailed,
			"decode transcribe response: %v", err)
	}

	result := stt.BatchResult{
		Text:   strings.TrimSpace(resp.Text),
		Tokens: tokens(resp),
	}
	if result.Text == "" && len(result.Tokens) == 0 {
		return stt.BatchResult{}, errorsx.New(errorsx.ReasonTranscribeNoResult,
			"recognition produced no text for %s", path)
	}
	if result.Text == "" {
		result.Text = joinTokens(result.Tokens)
	}

	t.logger.Info("batch_transcribe_done",
		slog.String("path", path),
		slog.Int("tokens", len(result.Tokens)))
	return result, nil
}

func tokens(resp execResult) []stt.TimedToken {
	words := resp.Words
	if len(words) == 0 {
		for _, seg := range resp.Segments {
			words = append(words, seg.Words...)
		}
	}
	out := make([]stt.TimedToken, 0, len(words))
	for _, w := range words {
		text := strings.TrimSpace(w.Word)
		if text == "" {
			continue
		}
		out = append(out, stt.TimedToken{Text: text, Start: w.Start, End: w.End})
	}
	return out
}

func joinTokens(toks []stt.TimedToken) string {
	parts := make([]string, len(toks))
	for i, tok := range toks {
		parts[i] = tok.Text
	}
	return strings.Join(parts, " ")
}

var _ stt.BatchTranscriber = (*Transcriber)(nil)
