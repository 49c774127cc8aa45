package pipeline

import (
	"context"

	"github.com/maauso/speedcut/internal/timeline"
)

// ProcessVideo edits inputPath into outputPath. The three slices describe the
// segments in parallel: segment i spans [segmentStart[i], segmentEnd[i]) seconds
// of the source and plays at speed[i]. It returns CodeOK on success or the
// Code of the failure category.
func ProcessVideo(ctx context.Context, inputPath, outputPath string, segmentStart, segmentEnd, speed []float32, opts ...Option) int {
	segs, err := timeline.FromParallel(segmentStart, segmentEnd, speed)
	if err != nil {
		return InvalidArgument.Code()
	}
	_, err = NewRunner(opts...).Run(ctx, Request{
		Input:    inputPath,
		Output:   outputPath,
		Segments: segs,
	})
	return Code(err)
}
