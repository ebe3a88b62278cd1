package audio

import (
	"math"
	"path/filepath"
	"testing"
)

func TestDownmixAveragesChannels(t *testing.T) {
	stereo := []int16{100, 300, -200, -400, 0, 0}
	mono := Downmix(stereo, 2)
	want := []int16{200, -300, 0}
	if len(mono) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(mono))
	}
	for i := range want {
		if mono[i] != want[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, want[i], mono[i])
		}
	}
}

func TestResampleHalvesSampleCount(t *testing.T) {
	in := make([]int16, 32000)
	for i := range in {
		in[i] = int16(i % 1000)
	}
	out := Resample(in, 32000, 16000)
	if len(out) != 16000 {
		t.Fatalf("expected 16000 samples, got %d", len(out))
	}
}

func TestConvertToTargetByteRate(t *testing.T) {
	// One second of stereo 48kHz audio must become one second of mono 16kHz.
	from := Format{SampleRate: 48000, Channels: 2, BitDepth: 16}
	in := make([]byte, from.BytesPerSecond())
	out := ConvertToTarget(in, from)
	if len(out) != TargetFormat().BytesPerSecond() {
		t.Fatalf("expected %d bytes, got %d", TargetFormat().BytesPerSecond(), len(out))
	}
}

func TestRMSLevelBounds(t *testing.T) {
	silence := make([]byte, 640)
	if lvl := RMSLevel(silence); lvl != 0 {
		t.Fatalf("expected 0 for silence, got %f", lvl)
	}
	loud := Int16ToBytes([]int16{32767, -32768, 32767, -32768})
	lvl := RMSLevel(loud)
	if lvl <= 0.9 || lvl > 1 {
		t.Fatalf("expected level near 1 for full-scale square, got %f", lvl)
	}
}

func TestWriterProducesReadableFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "take.wav")
	w, err := NewWriter(path, TargetFormat())
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	// Half a second of a 440Hz tone at 16kHz.
	n := 8000
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(12000 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	if err := w.Write(Int16ToBytes(samples)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if w.BytesWritten() != int64(n*2) {
		t.Fatalf("expected %d payload bytes, got %d", n*2, w.BytesWritten())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	floats, err := ReadMonoFloats(path, 16000)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(floats) != n {
		t.Fatalf("expected %d samples back, got %d", n, len(floats))
	}
	var peak float64
	for _, f := range floats {
		if math.Abs(f) > peak {
			peak = math.Abs(f)
		}
	}
	if peak < 0.3 {
		t.Fatalf("expected tone to survive the roundtrip, peak %f", peak)
	}
}

func TestReadMonoFloatsRejectsEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wav")
	w, err := NewWriter(path, TargetFormat())
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	floats, err := ReadMonoFloats(path, 16000)
	if err == nil {
		t.Fatalf("expected error for a sample-less file, got %d samples", len(floats))
	}
}

func TestReadMonoFloatsResamples(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "take48.wav")
	w, err := NewWriter(path, Format{SampleRate: 48000, Channels: 1, BitDepth: 16})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.Write(make([]byte, 96000)); err != nil { // 1s at 48kHz
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	floats, err := ReadMonoFloats(path, 16000)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(floats) != 16000 {
		t.Fatalf("expected 16000 samples after resample, got %d", len(floats))
	}
}
