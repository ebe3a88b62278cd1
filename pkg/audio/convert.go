package audio

import (
	"encoding/binary"
	"math"
)

// Format describes a PCM stream layout.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// TargetFormat is the fixed capture output format: mono, 16-bit, 16 kHz.
// Everything downstream (recognition, diarization, byte-size accounting)
// assumes this layout.
func TargetFormat() Format {
	return Format{SampleRate: 16000, Channels: 1, BitDepth: 16}
}

// BytesPerSecond returns the PCM byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitDepth / 8
}

// BytesToInt16 reinterprets little-endian PCM bytes as int16 samples.
func BytesToInt16(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

// Int16ToBytes serializes int16 samples as little-endian PCM bytes.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Downmix averages interleaved multi-channel samples into mono.
func Downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	n := len(samples) / channels
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += int(samples[i*channels+c])
		}
		out[i] = int16(sum / channels)
	}
	return out
}

// Resample converts mono samples between rates using linear interpolation.
// Adequate for speech; the recognition and diarization models are tolerant
// of interpolation artifacts at these rates.
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 || len(samples) == 0 {
		return samples
	}
	ratio := float64(fromRate) / float64(toRate)
	n := int(math.Floor(float64(len(samples)) / ratio))
	if n == 0 {
		return nil
	}
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := pos - float64(idx)
		a := float64(samples[idx])
		b := float64(samples[idx+1])
		out[i] = int16(a + (b-a)*frac)
	}
	return out
}

// ConvertToTarget reformats a raw PCM block from the tap's native layout to
// the fixed target format. Pure and stateless per call.
func ConvertToTarget(data []byte, from Format) []byte {
	target := TargetFormat()
	samples := BytesToInt16(data)
	samples = Downmix(samples, from.Channels)
	samples = Resample(samples, from.SampleRate, target.SampleRate)
	return Int16ToBytes(samples)
}

// RMSLevel computes a root-mean-square level in [0,1] from 16-bit PCM bytes.
func RMSLevel(data []byte) float64 {
	if len(data) < 2 {
		return 0
	}
	var sum float64
	n := len(data) / 2
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(data[i*2:])))
		sum += s * s
	}
	rms := math.Sqrt(sum/float64(n)) / 32768.0
	if rms > 1 {
		rms = 1
	}
	return rms
}

// FloatsFromInt16 normalizes samples into [-1,1] float64.
func FloatsFromInt16(samples []int16) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = float64(s) / 32768.0
	}
	return out
}

// ResampleFloats converts mono float samples between rates using linear
// interpolation.
func ResampleFloats(samples []float64, fromRate, toRate int) []float64 {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 || len(samples) == 0 {
		return samples
	}
	ratio := float64(fromRate) / float64(toRate)
	n := int(math.Floor(float64(len(samples)) / ratio))
	if n == 0 {
		return nil
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := pos - float64(idx)
		out[i] = samples[idx] + (samples[idx+1]-samples[idx])*frac
	}
	return out
}
