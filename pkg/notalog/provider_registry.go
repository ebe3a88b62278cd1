package notalog

import (
	"fmt"
	"strings"

	"github.com/notalog/notalog/pkg/adapters/stt"
	"github.com/notalog/notalog/pkg/configutil"
	"github.com/notalog/notalog/pkg/providers/deepgram"
	"github.com/notalog/notalog/pkg/providers/mock"
	"github.com/notalog/notalog/pkg/providers/whisper"
	"github.com/notalog/notalog/pkg/providers/wsstream"
	"github.com/notalog/notalog/pkg/upload"
)

type STTFactoryBuilder func(cfg Config) (stt.Factory, error)
type BatchBuilder func(cfg Config) (stt.BatchTranscriber, error)
type TranscoderBuilder func(cfg Config) (upload.Transcoder, error)

// ProviderRegistry maps config provider names to concrete builders. Hosts
// can register their own vendors on top of the built-ins.
type ProviderRegistry struct {
	streaming  map[string]STTFactoryBuilder
	batch      map[string]BatchBuilder
	transcoder map[string]TranscoderBuilder
}

func NewProviderRegistry() *ProviderRegistry {
	r := &ProviderRegistry{
		streaming:  make(map[string]STTFactoryBuilder),
		batch:      make(map[string]BatchBuilder),
		transcoder: make(map[string]TranscoderBuilder),
	}
	r.registerBuiltins()
	return r
}

func (r *ProviderRegistry) RegisterStreaming(name string, builder STTFactoryBuilder) {
	r.streaming[normalize(name)] = builder
}

func (r *ProviderRegistry) RegisterBatch(name string, builder BatchBuilder) {
	r.batch[normalize(name)] = builder
}

func (r *ProviderRegistry) RegisterTranscoder(name string, builder TranscoderBuilder) {
	r.transcoder[normalize(name)] = builder
}

func (r *ProviderRegistry) BuildStreaming(provider string, cfg Config) (stt.Factory, error) {
	fn := r.streaming[normalize(provider)]
	if fn == nil {
		return nil, fmt.Errorf("recognition provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildBatch(provider string, cfg Config) (stt.BatchTranscriber, error) {
	fn := r.batch[normalize(provider)]
	if fn == nil {
		return nil, fmt.Errorf("batch provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildTranscoder(provider string, cfg Config) (upload.Transcoder, error) {
	fn := r.transcoder[normalize(provider)]
	if fn == nil {
		return nil, fmt.Errorf("transcoder not registered: %s", provider)
	}
	return fn(cfg)
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

type deepgramSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	Interim        bool   `mapstructure:"interim"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
}

type wsstreamSettings struct {
	URL      string `mapstructure:"url"`
	APIKey   string `mapstructure:"api_key"`
	Language string `mapstructure:"language"`
}

type whisperSettings struct {
	Command   string `mapstructure:"command"`
	ModelPath string `mapstructure:"model_path"`
	Language  string `mapstructure:"language"`
}

func (r *ProviderRegistry) registerBuiltins() {
	r.RegisterStreaming("mock", func(cfg Config) (stt.Factory, error) {
		return func(sessionID string) (stt.Stream, error) {
			return mock.NewSTT(mock.STTConfig{SessionID: sessionID}), nil
		}, nil
	})

	r.RegisterStreaming("deepgram", func(cfg Config) (stt.Factory, error) {
		if err := configutil.ValidateSettings(cfg.Vendors.Recognition.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "language", "interim", "utterance_end_ms"},
		}); err != nil {
			return nil, fmt.Errorf("vendors.recognition.settings: %w", err)
		}
		var settings deepgramSettings
		if err := configutil.DecodeSettings(cfg.Vendors.Recognition.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.recognition.settings.api_key"); err != nil {
			return nil, err
		}
		return func(sessionID string) (stt.Stream, error) {
			return deepgram.New(deepgram.Config{
				APIKey:         settings.APIKey,
				Model:          settings.Model,
				Language:       settings.Language,
				Interim:        settings.Interim,
				UtteranceEndMS: settings.UtteranceEndMS,
				SessionID:      sessionID,
			}), nil
		}, nil
	})

	r.RegisterStreaming("wsstream", func(cfg Config) (stt.Factory, error) {
		if err := configutil.ValidateSettings(cfg.Vendors.Recognition.Settings, configutil.Schema{
			Required: []string{"url"},
			Optional: []string{"api_key", "language"},
		}); err != nil {
			return nil, fmt.Errorf("vendors.recognition.settings: %w", err)
		}
		var settings wsstreamSettings
		if err := configutil.DecodeSettings(cfg.Vendors.Recognition.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.URL, "vendors.recognition.settings.url"); err != nil {
			return nil, err
		}
		return func(sessionID string) (stt.Stream, error) {
			return wsstream.New(wsstream.Config{
				URL:       settings.URL,
				APIKey:    settings.APIKey,
				Language:  settings.Language,
				SessionID: sessionID,
			}), nil
		}, nil
	})

	r.RegisterBatch("whisper", func(cfg Config) (stt.BatchTranscriber, error) {
		if err := configutil.ValidateSettings(cfg.Vendors.Batch.Settings, configutil.Schema{
			Required: []string{"command"},
			Optional: []string{"model_path", "language"},
		}); err != nil {
			return nil, fmt.Errorf("vendors.batch.settings: %w", err)
		}
		var settings whisperSettings
		if err := configutil.DecodeSettings(cfg.Vendors.Batch.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.Command, "vendors.batch.settings.command"); err != nil {
			return nil, err
		}
		return whisper.New(whisper.Config{
			Command:   settings.Command,
			ModelPath: settings.ModelPath,
			Language:  settings.Language,
		})
	})

	r.RegisterTranscoder("ffmpeg", func(cfg Config) (upload.Transcoder, error) {
		t := upload.NewFFmpegTranscoder()
		if cfg.Upload.Transcode.Bitrate != "" {
			t.Bitrate = cfg.Upload.Transcode.Bitrate
		}
		return t, nil
	})

	r.RegisterTranscoder("exec", func(cfg Config) (upload.Transcoder, error) {
		return upload.NewExecTranscoder(cfg.Upload.Transcode.Command, "")
	})
}
