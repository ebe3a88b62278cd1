package diarize

import (
	"math"
	"sort"
)

// Segment is one contiguous stretch of detected speech, in seconds from the
// start of the recording.
type Segment struct {
	Start float64
	End   float64
}

func (s Segment) Duration() float64 { return s.End - s.Start }

// Segmenter finds speech regions with an adaptive energy gate: the noise
// floor is estimated from the quietest frames of the recording itself, so a
// lecture hall and a quiet office both segment sensibly.
type Segmenter struct {
	model SegmenterModel
}

func NewSegmenter(model SegmenterModel) *Segmenter {
	return &Segmenter{model: model}
}

// Segment splits mono samples at the model sample rate into speech segments.
// Gaps shorter than the bridge window are absorbed, runs shorter than the
// minimum speech length are dropped, and overly long segments are split so
// a single segment never spans multiple likely speakers.
func (s *Segmenter) Segment(samples []float64) []Segment {
	m := s.model
	win := m.SampleRate * m.WindowMS / 1000
	hop := m.SampleRate * m.HopMS / 1000
	if win <= 0 || hop <= 0 || len(samples) < win {
		return nil
	}

	energies := frameEnergies(samples, win, hop)
	threshold := s.threshold(energies)

	active := make([]bool, len(energies))
	for i, e := range energies {
		active[i] = e >= threshold
	}
	bridge(active, m.MaxBridgeMS/m.HopMS)

	minFrames := m.MinSpeechMS / m.HopMS
	pad := float64(m.PadMS) / 1000
	total := float64(len(samples)) / float64(m.SampleRate)

	var out []Segment
	start := -1
	for i := 0; i <= len(active); i++ {
		inSpeech := i < len(active) && active[i]
		switch {
		case inSpeech && start < 0:
			start = i
		case !inSpeech && start >= 0:
			if i-start >= minFrames {
				seg := Segment{
					Start: math.Max(0, float64(start*m.HopMS)/1000-pad),
					End:   math.Min(total, float64(i*m.HopMS+m.WindowMS)/1000+pad),
				}
				out = append(out, split(seg, m.MaxSegmentSecs)...)
			}
			start = -1
		}
	}
	return out
}

func frameEnergies(samples []float64, win, hop int) []float64 {
	var energies []float64
	for off := 0; off+win <= len(samples); off += hop {
		var sum float64
		for _, v := range samples[off : off+win] {
			sum += v * v
		}
		energies = append(energies, math.Sqrt(sum/float64(win)))
	}
	return energies
}

func (s *Segmenter) threshold(energies []float64) float64 {
	if len(energies) == 0 {
		return s.model.MinEnergyAbs
	}
	sorted := append([]float64(nil), energies...)
	sort.Float64s(sorted)
	n := int(float64(len(sorted)) * s.model.NoiseFloorFrac)
	if n < 1 {
		n = 1
	}
	var floor float64
	for _, e := range sorted[:n] {
		floor += e
	}
	floor /= float64(n)
	return math.Max(s.model.MinEnergyAbs, floor*s.model.EnergyFactor)
}

// bridge fills inactive gaps of at most maxGap frames between active runs.
func bridge(active []bool, maxGap int) {
	if maxGap <= 0 {
		return
	}
	lastActive := -1
	for i, a := range active {
		if !a {
			continue
		}
		if lastActive >= 0 && i-lastActive-1 > 0 && i-lastActive-1 <= maxGap {
			for j := lastActive + 1; j < i; j++ {
				active[j] = true
			}
		}
		lastActive = i
	}
}

func split(seg Segment, maxSecs float64) []Segment {
	if maxSecs <= 0 || seg.Duration() <= maxSecs {
		return []Segment{seg}
	}
	var out []Segment
	for start := seg.Start; start < seg.End; start += maxSecs {
		end := math.Min(seg.End, start+maxSecs)
		out = append(out, Segment{Start: start, End: end})
	}
	return out
}
