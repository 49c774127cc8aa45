// Package bootstrap provides dependency initialization for speedcut.
package bootstrap

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/maauso/speedcut/internal/config"
	"github.com/maauso/speedcut/internal/job"
	"github.com/maauso/speedcut/internal/media"
	"github.com/maauso/speedcut/internal/pipeline"
	"github.com/maauso/speedcut/internal/storage"
)

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	VideoService *job.ProcessVideoService
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	store, err := initStorage(cfg, logger)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.OutputDir, 0750); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	svc := job.NewProcessVideoService(
		job.NewMemoryRepository(),
		job.NewPipelineEditor(RunnerOptions(cfg, logger)...),
		store,
		logger,
		job.WithMaxConcurrentJobs(cfg.MaxConcurrentJobs),
		job.WithInputDir(cfg.InputDir),
		job.WithOutputDir(cfg.OutputDir),
		job.WithRetention(cfg.JobRetention),
	)

	return &Dependencies{
		VideoService: svc,
	}, nil
}

// RunnerOptions returns the pipeline options for the configured ffmpeg
// tools and encoder settings.
func RunnerOptions(cfg *config.Config, logger *slog.Logger) []pipeline.Option {
	codecs := media.NewFFmpeg(cfg.FFmpegPath,
		media.WithVideoCodec(cfg.VideoCodec),
		media.WithVideoPreset(cfg.VideoPreset),
		media.WithVideoBitrate(cfg.VideoBitrate),
		media.WithAudioBitrate(cfg.AudioBitrate),
		media.WithLogger(logger),
	)
	return []pipeline.Option{
		pipeline.WithCodecs(codecs),
		pipeline.WithProber(media.NewProber(cfg.FFprobePath)),
		pipeline.WithLogger(logger),
		pipeline.WithQueueSize(cfg.QueueSize),
	}
}

// initStorage creates the appropriate storage backend based on configuration.
func initStorage(cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	if cfg.S3Enabled() {
		s3Cfg := storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		}
		s3Store, err := storage.NewS3Storage(cfg.TempDir, s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
			slog.String("endpoint", cfg.S3Endpoint),
		)
		return s3Store, nil
	}

	localStore, err := storage.NewLocalStorage(cfg.TempDir)
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local storage configured",
		slog.String("temp_dir", cfg.TempDir),
	)
	return localStore, nil
}
