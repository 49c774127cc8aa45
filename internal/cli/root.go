// Package cli implements the speedcut command line.
package cli

import (
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/maauso/speedcut/internal/config"
	"github.com/maauso/speedcut/internal/pipeline"
)

// app is the state shared by the subcommands.
type app struct {
	load    func() (*config.Config, error)
	verbose bool

	cfg    *config.Config
	logger *slog.Logger
}

// NewRootCommand builds the speedcut command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(config.Load)
}

func newRootCommand(load func() (*config.Config, error)) *cobra.Command {
	a := &app{load: load}

	rootCmd := &cobra.Command{
		Use:   "speedcut",
		Short: "Change the playback speed of parts of a video",
		Long: `speedcut re-times MP4 videos. Each segment of the source plays at its own
speed; time outside every segment plays unchanged. Audio is time-stretched
without changing its pitch.

Configuration is read from the environment (FFMPEG_PATH, VIDEO_CODEC,
LOG_LEVEL, ...).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.load()
			if err != nil {
				return err
			}
			if a.verbose {
				cfg.LogLevel = "debug"
			}
			a.cfg = cfg
			a.logger = cfg.NewLoggerTo(cmd.ErrOrStderr())
			return nil
		},
	}

	rootCmd.PersistentFlags().
		BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		newProcessCmd(a),
		newProbeCmd(a),
		newServeCmd(a),
	)
	return rootCmd
}

// ExitCode maps the error returned by a command to the process exit code.
// Edit failures exit with their result code. Any other error is a usage or
// configuration problem and exits as an invalid argument.
func ExitCode(err error) int {
	if err == nil {
		return pipeline.CodeOK
	}
	var pe *pipeline.Error
	if errors.As(err, &pe) {
		return pe.Kind.Code()
	}
	return pipeline.InvalidArgument.Code()
}
