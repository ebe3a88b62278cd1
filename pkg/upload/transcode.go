package upload

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattn/go-shellwords"
	"github.com/notalog/notalog/pkg/errorsx"
)

// Transcoder shrinks a finished recording before upload.
type Transcoder interface {
	// Transcode writes a compressed rendition of src into dstDir and
	// returns its path.
	Transcode(ctx context.Context, src, dstDir string) (string, error)
}

// compressedBitrateKbps is the Opus target the default transcoder encodes at.
const compressedBitrateKbps = 24

// FFmpegTranscoder produces a mono 16kHz Opus rendition, which cuts a
// lecture-length WAV by roughly an order of magnitude.
type FFmpegTranscoder struct {
	Binary  string
	Bitrate string
}

func NewFFmpegTranscoder() *FFmpegTranscoder {
	return &FFmpegTranscoder{Binary: "ffmpeg", Bitrate: "24k"}
}

func (t *FFmpegTranscoder) Transcode(ctx context.Context, src, dstDir string) (string, error) {
	if dstDir == "" {
		dstDir = os.TempDir()
	}
	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	out := filepath.Join(dstDir, base+".ogg")

	binary := t.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	bitrate := t.Bitrate
	if bitrate == "" {
		bitrate = "24k"
	}

	cmd := exec.CommandContext(ctx, binary,
		"-y", "-i", src,
		"-ac", "1", "-ar", "16000",
		"-c:a", "libopus", "-b:a", bitrate,
		out,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		_ = os.Remove(out)
		return "", errorsx.New(errorsx.ReasonTranscodeFailed,
			"ffmpeg: %v: %s", err, stderr.String())
	}
	return out, nil
}

// ExecTranscoder runs an arbitrary compression command, for hosts without
// ffmpeg on PATH. The command receives the source and destination paths as
// its last two arguments.
type ExecTranscoder struct {
	cmd []string
	ext string
}

func NewExecTranscoder(command, ext string) (*ExecTranscoder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse transcode command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("transcode command is empty")
	}
	if ext == "" {
		ext = ".ogg"
	}
	return &ExecTranscoder{cmd: args, ext: ext}, nil
}

func (t *ExecTranscoder) Transcode(ctx context.Context, src, dstDir string) (string, error) {
	if dstDir == "" {
		dstDir = os.TempDir()
	}
	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	out := filepath.Join(dstDir, base+t.ext)

	args := append(append([]string{}, t.cmd[1:]...), src, out)
	cmd := exec.CommandContext(ctx, t.cmd[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		_ = os.Remove(out)
		return "", errorsx.New(errorsx.ReasonTranscodeFailed,
			"transcode command failed: %v: %s", err, stderr.String())
	}
	return out, nil
}
