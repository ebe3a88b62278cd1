package diarize

import (
	"encoding/json"
	"os"

	"github.com/notalog/notalog/pkg/errorsx"
)

// SegmenterModel holds the voice-activity parameters. These normally ship as
// a small JSON resource next to the binary; the zero path falls back to the
// built-in defaults.
type SegmenterModel struct {
	WindowMS        int     `json:"window_ms"`
	HopMS           int     `json:"hop_ms"`
	EnergyFactor    float64 `json:"energy_factor"`
	MinSpeechMS     int     `json:"min_speech_ms"`
	MaxBridgeMS     int     `json:"max_bridge_ms"`
	NoiseFloorFrac  float64 `json:"noise_floor_frac"`
	MinEnergyAbs    float64 `json:"min_energy_abs"`
	PadMS           int     `json:"pad_ms"`
	SampleRate      int     `json:"sample_rate"`
	MaxSegmentSecs  float64 `json:"max_segment_secs"`
	SplitOverlapSec float64 `json:"split_overlap_secs"`
}

// EmbedderModel holds the filterbank layout used to summarize each speech
// segment into a fixed-length voice print.
type EmbedderModel struct {
	BandsHz    []float64 `json:"bands_hz"`
	FrameMS    int       `json:"frame_ms"`
	SampleRate int       `json:"sample_rate"`
}

func DefaultSegmenterModel() SegmenterModel {
	return SegmenterModel{
		WindowMS:       25,
		HopMS:          10,
		EnergyFactor:   1.8,
		MinSpeechMS:    200,
		MaxBridgeMS:    150,
		NoiseFloorFrac: 0.2,
		MinEnergyAbs:   1e-6,
		PadMS:          30,
		SampleRate:     16000,
		MaxSegmentSecs: 10,
	}
}

func DefaultEmbedderModel() EmbedderModel {
	return EmbedderModel{
		BandsHz:    []float64{100, 200, 300, 450, 650, 900, 1200, 1600, 2100, 2700, 3400, 4200, 5100, 6100, 7200},
		FrameMS:    25,
		SampleRate: 16000,
	}
}

// LoadSegmenterModel reads the segmentation resource. A missing or unreadable
// file is a setup error, reported distinctly so callers can tell which model
// resource is absent.
func LoadSegmenterModel(path string) (SegmenterModel, error) {
	if path == "" {
		return DefaultSegmenterModel(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return SegmenterModel{}, errorsx.Wrap(err, errorsx.ReasonSegmentationModelMissing)
	}
	model := DefaultSegmenterModel()
	if err := json.Unmarshal(raw, &model); err != nil {
		return SegmenterModel{}, errorsx.Wrap(err, errorsx.ReasonSegmentationModelMissing)
	}
	return model, nil
}

// LoadEmbedderModel reads the embedding resource.
func LoadEmbedderModel(path string) (EmbedderModel, error) {
	if path == "" {
		return DefaultEmbedderModel(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return EmbedderModel{}, errorsx.Wrap(err, errorsx.ReasonEmbeddingModelMissing)
	}
	model := DefaultEmbedderModel()
	if err := json.Unmarshal(raw, &model); err != nil {
		return EmbedderModel{}, errorsx.Wrap(err, errorsx.ReasonEmbeddingModelMissing)
	}
	return model, nil
}
