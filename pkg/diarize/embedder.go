package diarize

import "math"

// Embedder summarizes a speech segment into a fixed-length voice print: the
// log energy of a bank of Goertzel filters, L2-normalized so prints compare
// by cosine similarity regardless of loudness.
type Embedder struct {
	model EmbedderModel
}

func NewEmbedder(model EmbedderModel) *Embedder {
	return &Embedder{model: model}
}

// Embed computes the voice print for one segment of the recording.
func (e *Embedder) Embed(samples []float64, seg Segment) []float64 {
	rate := float64(e.model.SampleRate)
	lo := int(seg.Start * rate)
	hi := int(seg.End * rate)
	if lo < 0 {
		lo = 0
	}
	if hi > len(samples) {
		hi = len(samples)
	}
	if hi <= lo {
		return nil
	}
	region := samples[lo:hi]

	frame := e.model.SampleRate * e.model.FrameMS / 1000
	if frame <= 0 || frame > len(region) {
		frame = len(region)
	}

	print := make([]float64, len(e.model.BandsHz))
	frameCount := 0
	for off := 0; off+frame <= len(region); off += frame {
		window := region[off : off+frame]
		for b, freq := range e.model.BandsHz {
			print[b] += goertzelPower(window, freq, rate)
		}
		frameCount++
	}
	if frameCount == 0 {
		return nil
	}

	var mean float64
	for b := range print {
		print[b] = math.Log(print[b]/float64(frameCount) + 1e-12)
		mean += print[b]
	}
	// Mean-centering cancels the common floor of unexcited bands so prints
	// compare by spectral shape, not overall level.
	mean /= float64(len(print))
	for b := range print {
		print[b] -= mean
	}
	normalize(print)
	return print
}

// goertzelPower evaluates the energy of one frequency bin over a frame.
func goertzelPower(frame []float64, freq, rate float64) float64 {
	omega := 2 * math.Pi * freq / rate
	coeff := 2 * math.Cos(omega)
	var s0, s1, s2 float64
	for _, v := range frame {
		s0 = v + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}
	power := s1*s1 + s2*s2 - coeff*s1*s2
	return power / float64(len(frame))
}

func normalize(v []float64) {
	var norm float64
	for _, x := range v {
		norm += x * x
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return
	}
	for i := range v {
		v[i] /= norm
	}
}

// cosine returns the similarity of two normalized prints.
func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += a[i] * b[i]
	}
	return dot
}
