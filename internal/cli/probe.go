package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/maauso/speedcut/internal/demux"
	"github.com/maauso/speedcut/internal/media"
	"github.com/maauso/speedcut/internal/pipeline"
)

func newProbeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "probe INPUT",
		Short: "Show the tracks speedcut would edit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := demux.Open(cmd.Context(), args[0],
				demux.WithProber(media.NewProber(a.cfg.FFprobePath)),
				demux.WithLogger(a.logger),
			)
			if err != nil {
				return &pipeline.Error{Kind: pipeline.KindOf(err), Op: "open source", Err: err}
			}
			defer func() { _ = src.Close() }()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "Path:\t%s\n", src.Path())
			fmt.Fprintf(tw, "Type:\t%s\n", src.MIME())
			fmt.Fprintf(tw, "Duration:\t%.3fs\n", src.Duration().Seconds())
			v := src.Video()
			fmt.Fprintf(tw, "Video:\t%dx%d %.3f fps, %d samples\n", v.Width, v.Height, v.FrameRate, src.SampleCount(v))
			if au, ok := src.Audio(); ok {
				fmt.Fprintf(tw, "Audio:\t%d Hz, %d channels, %d samples\n", au.SampleRate, au.Channels, src.SampleCount(au))
			} else {
				fmt.Fprintf(tw, "Audio:\tnone\n")
			}
			return tw.Flush()
		},
	}
}
