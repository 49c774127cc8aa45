// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrInvalidPort is returned when PORT is outside 1..65535.
	ErrInvalidPort = errors.New("config: PORT must be between 1 and 65535")
	// ErrInvalidConcurrency is returned when MAX_CONCURRENT_JOBS is not positive.
	ErrInvalidConcurrency = errors.New("config: MAX_CONCURRENT_JOBS must be positive")
	// ErrInvalidQueueSize is returned when QUEUE_SIZE is not positive.
	ErrInvalidQueueSize = errors.New("config: QUEUE_SIZE must be positive")
	// ErrInvalidBitrate is returned when a bitrate is negative.
	ErrInvalidBitrate = errors.New("config: bitrates must not be negative")
	// ErrS3RegionRequired is returned when S3_BUCKET is set without S3_REGION.
	ErrS3RegionRequired = errors.New("config: S3_REGION is required when S3_BUCKET is set")
	// ErrInvalidRetention is returned when JOB_RETENTION is negative.
	ErrInvalidRetention = errors.New("config: JOB_RETENTION must not be negative")
	// ErrInvalidLogFormat is returned when LOG_FORMAT is neither json nor text.
	ErrInvalidLogFormat = errors.New("config: LOG_FORMAT must be json or text")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port int `env:"PORT, default=8080" json:"port"`

	// Storage settings
	TempDir   string `env:"TEMP_DIR, default=/tmp/speedcut" json:"temp_dir"`
	OutputDir string `env:"OUTPUT_DIR, default=/tmp/speedcut/out" json:"output_dir"`
	// InputDir is where HTTP input paths may point. Empty accepts uploads only.
	InputDir string `env:"INPUT_DIR" json:"input_dir"`

	// Tool paths
	FFmpegPath  string `env:"FFMPEG_PATH, default=ffmpeg" json:"ffmpeg_path"`
	FFprobePath string `env:"FFPROBE_PATH, default=ffprobe" json:"ffprobe_path"`

	// Encoder settings
	VideoCodec   string `env:"VIDEO_CODEC, default=libx264" json:"video_codec"`
	VideoPreset  string `env:"VIDEO_PRESET, default=veryfast" json:"video_preset"`
	VideoBitrate int64  `env:"VIDEO_BITRATE, default=0" json:"video_bitrate"` // 0 keeps the source bitrate
	AudioBitrate int64  `env:"AUDIO_BITRATE, default=128000" json:"audio_bitrate"`

	// Processing settings
	QueueSize         int           `env:"QUEUE_SIZE, default=32" json:"queue_size"`
	MaxConcurrentJobs int           `env:"MAX_CONCURRENT_JOBS, default=2" json:"max_concurrent_jobs"`
	JobRetention      time.Duration `env:"JOB_RETENTION, default=24h" json:"job_retention"` // 0 keeps finished jobs

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// Load reads configuration from environment variables using go-envconfig
// and validates it.
func Load() (*Config, error) {
	return load(context.Background(), envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	cfg := &Config{}
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return ErrInvalidPort
	}
	if c.MaxConcurrentJobs < 1 {
		return ErrInvalidConcurrency
	}
	if c.QueueSize < 1 {
		return ErrInvalidQueueSize
	}
	if c.VideoBitrate < 0 || c.AudioBitrate < 0 {
		return ErrInvalidBitrate
	}
	if c.JobRetention < 0 {
		return ErrInvalidRetention
	}
	if c.S3Bucket != "" && c.S3Region == "" {
		return ErrS3RegionRequired
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text", "":
	default:
		return ErrInvalidLogFormat
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	return c.NewLoggerTo(os.Stdout)
}

// NewLoggerTo is NewLogger writing to w. The CLI logs to stderr so stdout
// stays free for command output.
func (c *Config) NewLoggerTo(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(c.LogLevel)}

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, TempDir: %s, OutputDir: %s, InputDir: %s, FFmpegPath: %s, FFprobePath: %s, VideoCodec: %s, VideoPreset: %s, VideoBitrate: %d, AudioBitrate: %d, QueueSize: %d, MaxConcurrentJobs: %d, JobRetention: %s, S3Bucket: %s, S3Region: %s, S3Endpoint: %s, AWSAccessKeyID: %s, AWSSecretAccessKey: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.TempDir,
		c.OutputDir,
		c.InputDir,
		c.FFmpegPath,
		c.FFprobePath,
		c.VideoCodec,
		c.VideoPreset,
		c.VideoBitrate,
		c.AudioBitrate,
		c.QueueSize,
		c.MaxConcurrentJobs,
		c.JobRetention,
		c.S3Bucket,
		c.S3Region,
		c.S3Endpoint,
		mask(c.AWSAccessKeyID),
		mask(c.AWSSecretAccessKey),
		c.LogFormat,
		c.LogLevel,
	)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "****"
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
