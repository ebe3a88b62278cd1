package audio

import (
	"fmt"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// HeaderBytes is the canonical RIFF/WAVE header size written by the encoder.
const HeaderBytes = 44

// Writer streams 16-bit PCM into a WAV file. Writes happen on the capture
// worker only; the encoder finalizes the header on Close.
type Writer struct {
	file    *os.File
	enc     *wav.Encoder
	format  Format
	written int64
	closed  bool
}

// NewWriter creates the output file and WAV encoder for the given format.
func NewWriter(path string, format Format) (*Writer, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create audio file: %w", err)
	}
	enc := wav.NewEncoder(file, format.SampleRate, format.BitDepth, format.Channels, 1)
	return &Writer{file: file, enc: enc, format: format}, nil
}

// Write appends a block of little-endian 16-bit PCM bytes.
func (w *Writer) Write(pcm []byte) error {
	if w.closed {
		return fmt.Errorf("write on closed audio file")
	}
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	samples := BytesToInt16(pcm)
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: w.format.Channels,
			SampleRate:  w.format.SampleRate,
		},
		Data:           make([]int, len(samples)),
		SourceBitDepth: w.format.BitDepth,
	}
	for i, s := range samples {
		buf.Data[i] = int(s)
	}
	if err := w.enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	w.written += int64(len(pcm))
	return nil
}

// BytesWritten returns the PCM payload size written so far, header excluded.
func (w *Writer) BytesWritten() int64 { return w.written }

func (w *Writer) Path() string { return w.file.Name() }

// Close finalizes the WAV header and closes the file. Safe to call once.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.enc.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return w.file.Close()
}

// ReadMonoFloats decodes a WAV file into normalized mono float64 samples at
// the requested rate. Multi-channel input is downmixed, other rates are
// resampled.
func ReadMonoFloats(path string, targetRate int) ([]float64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("not a valid wav file: %s", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if buf == nil || len(buf.Data) == 0 {
		return nil, fmt.Errorf("wav file has no samples: %s", path)
	}

	channels := buf.Format.NumChannels
	if channels < 1 {
		channels = 1
	}
	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = int16(v)
	}
	samples = Downmix(samples, channels)
	floats := FloatsFromInt16(samples)
	return ResampleFloats(floats, buf.Format.SampleRate, targetRate), nil
}
