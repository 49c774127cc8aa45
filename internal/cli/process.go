package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/maauso/speedcut/internal/bootstrap"
	"github.com/maauso/speedcut/internal/pipeline"
)

func newProcessCmd(a *app) *cobra.Command {
	var (
		output   string
		specs    []string
		progress bool
	)

	cmd := &cobra.Command{
		Use:   "process INPUT",
		Short: "Apply speed segments to a video",
		Long: `Apply speed segments to an MP4 video and write a new MP4.

Each --segment is start:end:speed in seconds of the source. Where segments
overlap the later one wins. An end past the source duration is clipped.

The exit status is the result code of the edit: 0 on success, otherwise
1 invalid argument, 2 unreadable source, 3 unsupported format, 4 decode
failure, 5 encode failure, 6 mux failure, 7 cancelled.

Examples:
  speedcut process talk.mp4 -s 5:10:2
  speedcut process talk.mp4 -o fast.mp4 -s 0:60:1.5 -s 120:180:0.5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			segs, err := parseSegments(specs)
			if err != nil {
				return &pipeline.Error{Kind: pipeline.InvalidArgument, Op: "parse segments", Err: err}
			}
			if output == "" {
				output = defaultOutput(input)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := bootstrap.RunnerOptions(a.cfg, a.logger)
			if progress {
				opts = append(opts, pipeline.WithObserver(newProgressPrinter(cmd.ErrOrStderr())))
			}
			res, err := pipeline.NewRunner(opts...).Run(ctx, pipeline.Request{
				Input:    input,
				Output:   output,
				Segments: segs,
			})
			if err != nil {
				return err
			}

			abs, _ := filepath.Abs(res.Output)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote %s\n", abs)
			fmt.Fprintf(out, "Duration: %.3fs -> %.3fs\n", res.SourceDuration.Seconds(), res.OutputDuration.Seconds())
			fmt.Fprintf(out, "Frames: %d in, %d out (%d dropped, %d duplicated)\n",
				res.Video.In, res.Video.Out, res.Video.Dropped, res.Video.Duplicated)
			if res.HasAudio {
				fmt.Fprintf(out, "Audio samples: %d in, %d out\n", res.Audio.InSamples, res.Audio.OutSamples)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file path (default INPUT.speedcut.mp4)")
	cmd.Flags().StringArrayVarP(&specs, "segment", "s", nil, "Speed segment start:end:speed, repeatable")
	cmd.Flags().BoolVarP(&progress, "progress", "p", false, "Print progress to stderr")
	return cmd
}

// defaultOutput places the result next to the input.
func defaultOutput(input string) string {
	return strings.TrimSuffix(input, filepath.Ext(input)) + ".speedcut.mp4"
}

// progressPrinter writes state changes and whole-percent progress.
type progressPrinter struct {
	mu   sync.Mutex
	w    io.Writer
	last int
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w, last: -1}
}

func (p *progressPrinter) OnState(s pipeline.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s\n", s)
}

func (p *progressPrinter) OnProgress(f float64) {
	pct := int(f * 100)
	p.mu.Lock()
	defer p.mu.Unlock()
	if pct == p.last {
		return
	}
	p.last = pct
	fmt.Fprintf(p.w, "%3d%%\n", pct)
}
