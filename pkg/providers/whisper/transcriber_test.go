package whisper

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/notalog/notalog/pkg/errorsx"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake_whisper.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func audioFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "take.wav")
	if err := os.WriteFile(path, []byte("RIFF"), 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	return path
}

func TestTranscribeParsesWords(t *testing.T) {
	script := writeScript(t, `echo '{"text":"hello there","words":[{"word":"hello","start":0.1,"end":0.4},{"word":"there","start":0.5,"end":0.9}]}'`)
	tr, err := New(Config{Command: "sh " + script})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := tr.Transcribe(context.Background(), audioFile(t))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "hello there" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if len(res.Tokens) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(res.Tokens))
	}
	if mid := res.Tokens[0].Midpoint(); mid != 0.25 {
		t.Fatalf("expected midpoint 0.25, got %v", mid)
	}
}

func TestTranscribeFlattensSegments(t *testing.T) {
	script := writeScript(t, `echo '{"segments":[{"words":[{"word":" one ","start":0,"end":1}]},{"words":[{"word":"two","start":1,"end":2}]}]}'`)
	tr, err := New(Config{Command: "sh " + script})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := tr.Transcribe(context.Background(), audioFile(t))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "one two" {
		t.Fatalf("expected joined token text, got %q", res.Text)
	}
}

func TestTranscribeEmptyOutputIsNoResult(t *testing.T) {
	script := writeScript(t, `echo '{"text":"","words":[]}'`)
	tr, err := New(Config{Command: "sh " + script})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = tr.Transcribe(context.Background(), audioFile(t))
	if !errorsx.HasReason(err, errorsx.ReasonTranscribeNoResult) {
		t.Fatalf("expected transcribe_no_result, got %v", err)
	}
}

func TestTranscribeMissingAudio(t *testing.T) {
	script := writeScript(t, `echo '{"text":"x"}'`)
	tr, err := New(Config{Command: "sh " + script})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = tr.Transcribe(context.Background(), filepath.Join(t.TempDir(), "missing.wav"))
	if !errorsx.HasReason(err, errorsx.ReasonAudioLoadFailed) {
		t.Fatalf("expected audio_load_failed, got %v", err)
	}
}

func TestTranscribeCommandFailure(t *testing.T) {
	script := writeScript(t, `echo "boom" >&2; exit 3`)
	tr, err := New(Config{Command: "sh " + script})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = tr.Transcribe(context.Background(), audioFile(t))
	if !errorsx.HasReason(err, errorsx.ReasonRecognizerFailed) {
		t.Fatalf("expected recognizer_failed, got %v", err)
	}
}

func TestEmptyCommandRejected(t *testing.T) {
	if _, err := New(Config{Command: "   "}); err == nil {
		t.Fatalf("expected error for empty command")
	}
}
