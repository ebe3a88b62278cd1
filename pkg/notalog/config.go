package notalog

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	Recognition VendorConfig `mapstructure:"recognition"`
	Batch       VendorConfig `mapstructure:"batch"`
}

type RecordingsConfig struct {
	Dir           string `mapstructure:"dir"`
	QueueSize     int    `mapstructure:"queue_size"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type RecognitionConfig struct {
	SilenceDelayMS int `mapstructure:"silence_delay_ms"`
	RetryDelayMS   int `mapstructure:"retry_delay_ms"`
}

type DiarizeConfig struct {
	SegmenterModel      string  `mapstructure:"segmenter_model"`
	EmbedderModel       string  `mapstructure:"embedder_model"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	MergeGapMS          int     `mapstructure:"merge_gap_ms"`
}

type TranscodeConfig struct {
	Command string `mapstructure:"command"`
	Bitrate string `mapstructure:"bitrate"`
}

type UploadConfig struct {
	TempDir           string          `mapstructure:"temp_dir"`
	CommitBackoffMS   []int           `mapstructure:"commit_backoff_ms"`
	MaxCommitAttempts int             `mapstructure:"max_commit_attempts"`
	Transcode         TranscodeConfig `mapstructure:"transcode"`
}

type APIConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Key     string `mapstructure:"key"`
}

type ObservabilityConfig struct {
	MetricsPath string  `mapstructure:"metrics_path"`
	TimelineDir string  `mapstructure:"timeline_dir"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	RedactPII   bool    `mapstructure:"redact_pii"`
}

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	Recordings    RecordingsConfig    `mapstructure:"recordings"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Recognition   RecognitionConfig   `mapstructure:"recognition"`
	Diarize       DiarizeConfig       `mapstructure:"diarize"`
	Upload        UploadConfig        `mapstructure:"upload"`
	API           APIConfig           `mapstructure:"api"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("recordings.dir", "recordings")
	v.SetDefault("recordings.queue_size", 64)
	v.SetDefault("recordings.retention_days", 0)
	v.SetDefault("vendors.recognition.provider", "mock")
	v.SetDefault("vendors.batch.provider", "")
	v.SetDefault("recognition.silence_delay_ms", 500)
	v.SetDefault("recognition.retry_delay_ms", 1000)
	v.SetDefault("diarize.similarity_threshold", 0.82)
	v.SetDefault("diarize.merge_gap_ms", 200)
	v.SetDefault("upload.temp_dir", "")
	v.SetDefault("upload.commit_backoff_ms", []int{300, 800, 1600})
	v.SetDefault("upload.max_commit_attempts", 3)
	v.SetDefault("upload.transcode.bitrate", "24k")
	v.SetDefault("observability.metrics_path", "")
	v.SetDefault("observability.timeline_dir", "")
	v.SetDefault("observability.sample_rate", 1.0)
	v.SetDefault("observability.redact_pii", false)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Recordings.Dir) == "" {
		return fmt.Errorf("recordings.dir is required")
	}
	if strings.TrimSpace(c.Vendors.Recognition.Provider) == "" {
		return fmt.Errorf("vendors.recognition.provider is required")
	}
	if c.Upload.MaxCommitAttempts < 1 {
		return fmt.Errorf("upload.max_commit_attempts must be at least 1")
	}
	return nil
}

// expandEnvStrings lets config files reference secrets as ${VAR} instead of
// inlining them.
func expandEnvStrings(cfg *Config) {
	cfg.Recordings.Dir = os.ExpandEnv(cfg.Recordings.Dir)
	cfg.Diarize.SegmenterModel = os.ExpandEnv(cfg.Diarize.SegmenterModel)
	cfg.Diarize.EmbedderModel = os.ExpandEnv(cfg.Diarize.EmbedderModel)
	cfg.Upload.TempDir = os.ExpandEnv(cfg.Upload.TempDir)
	cfg.Upload.Transcode.Command = os.ExpandEnv(cfg.Upload.Transcode.Command)
	cfg.API.BaseURL = os.ExpandEnv(cfg.API.BaseURL)
	cfg.API.Key = os.ExpandEnv(cfg.API.Key)
	cfg.Observability.MetricsPath = os.ExpandEnv(cfg.Observability.MetricsPath)
	cfg.Observability.TimelineDir = os.ExpandEnv(cfg.Observability.TimelineDir)
	cfg.Vendors.Recognition.Settings = expandSettings(cfg.Vendors.Recognition.Settings)
	cfg.Vendors.Batch.Settings = expandSettings(cfg.Vendors.Batch.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}
