package diarize

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/notalog/notalog/pkg/audio"
	"github.com/notalog/notalog/pkg/errorsx"
)

const testRate = 16000

func tone(freq float64, dur time.Duration) []int16 {
	n := int(float64(testRate) * dur.Seconds())
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(0.3 * 32767 * math.Sin(2*math.Pi*freq*float64(i)/testRate))
	}
	return out
}

func silence(dur time.Duration) []int16 {
	return make([]int16, int(float64(testRate)*dur.Seconds()))
}

func writeTake(t *testing.T, parts ...[]int16) string {
	t.Helper()
	var samples []int16
	for _, p := range parts {
		samples = append(samples, p...)
	}
	path := filepath.Join(t.TempDir(), "take.wav")
	w, err := audio.NewWriter(path, audio.TargetFormat())
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	if err := w.Write(audio.Int16ToBytes(samples)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return path
}

func newTestDiarizer(t *testing.T) *Diarizer {
	t.Helper()
	d, err := NewDiarizer(Config{SessionID: "s1"})
	if err != nil {
		t.Fatalf("new diarizer: %v", err)
	}
	return d
}

func TestDiarizeTwoAlternatingVoices(t *testing.T) {
	path := writeTake(t,
		tone(220, time.Second),
		silence(500*time.Millisecond),
		tone(1800, time.Second),
		silence(500*time.Millisecond),
		tone(220, time.Second),
	)
	d := newTestDiarizer(t)
	turns, err := d.Diarize(context.Background(), path)
	if err != nil {
		t.Fatalf("diarize: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d: %v", len(turns), turns)
	}
	if turns[0].Speaker != 0 {
		t.Fatalf("first voice heard must be speaker 0, got %d", turns[0].Speaker)
	}
	if turns[1].Speaker == turns[0].Speaker {
		t.Fatalf("distinct voices clustered together: %v", turns)
	}
	if turns[2].Speaker != turns[0].Speaker {
		t.Fatalf("returning voice should keep its label: %v", turns)
	}
	for i := 1; i < len(turns); i++ {
		if turns[i].Start < turns[i-1].End {
			t.Fatalf("turns overlap at %d: %v", i, turns)
		}
	}
}

func TestDiarizeSingleVoiceShortPausesMerge(t *testing.T) {
	path := writeTake(t,
		tone(300, 800*time.Millisecond),
		silence(100*time.Millisecond),
		tone(300, 800*time.Millisecond),
	)
	d := newTestDiarizer(t)
	turns, err := d.Diarize(context.Background(), path)
	if err != nil {
		t.Fatalf("diarize: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("a sub-merge-gap pause must not split the turn, got %v", turns)
	}
	if turns[0].Speaker != 0 {
		t.Fatalf("expected speaker 0, got %d", turns[0].Speaker)
	}
}

func TestDiarizeSilenceOnly(t *testing.T) {
	path := writeTake(t, silence(2*time.Second))
	d := newTestDiarizer(t)
	_, err := d.Diarize(context.Background(), path)
	if !errorsx.HasReason(err, errorsx.ReasonNoSegments) {
		t.Fatalf("expected no_segments, got %v", err)
	}
}

func TestDiarizeMissingFile(t *testing.T) {
	d := newTestDiarizer(t)
	_, err := d.Diarize(context.Background(), filepath.Join(t.TempDir(), "nope.wav"))
	if !errorsx.HasReason(err, errorsx.ReasonAudioLoadFailed) {
		t.Fatalf("expected audio_load_failed, got %v", err)
	}
}

func TestMissingModelResources(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.json")
	if _, err := NewDiarizer(Config{SegmenterModelPath: missing}); !errorsx.HasReason(err, errorsx.ReasonSegmentationModelMissing) {
		t.Fatalf("expected segmentation_model_missing, got %v", err)
	}
	if _, err := NewDiarizer(Config{EmbedderModelPath: missing}); !errorsx.HasReason(err, errorsx.ReasonEmbeddingModelMissing) {
		t.Fatalf("expected embedding_model_missing, got %v", err)
	}
}

func TestMergeTurns(t *testing.T) {
	turns := []Turn{
		{Start: 0, End: 1.0, Speaker: 0},
		{Start: 1.1, End: 2.0, Speaker: 0},
		{Start: 2.5, End: 3.0, Speaker: 1},
		{Start: 3.05, End: 3.5, Speaker: 0},
	}
	got := mergeTurns(turns, 0.2)
	if len(got) != 3 {
		t.Fatalf("expected 3 turns after merge, got %v", got)
	}
	if got[0].Start != 0 || got[0].End != 2.0 {
		t.Fatalf("same-speaker 0.1s gap must merge, got %v", got[0])
	}
	again := mergeTurns(got, 0.2)
	if len(again) != len(got) {
		t.Fatalf("merge must be idempotent: %v vs %v", got, again)
	}
}
