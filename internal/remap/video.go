// Package remap moves decoded frames onto the output timeline. Video frames
// are retimed and then thinned or repeated to keep the output frame spacing
// within bounds; audio is time-stretched so pitch is preserved.
package remap

import (
	"math"
	"time"

	"github.com/maauso/speedcut/internal/media"
	"github.com/maauso/speedcut/internal/timeline"
)

// VideoOptions bounds the spacing of emitted video frames.
type VideoOptions struct {
	// MinInterval is the smallest allowed gap between emitted frames.
	// Frames that land closer to the previous one are dropped.
	MinInterval time.Duration
	// MaxInterval is the largest allowed gap. Wider gaps are filled by
	// repeating the previous frame.
	MaxInterval time.Duration
	// FillInterval is the target spacing of repeated frames.
	FillInterval time.Duration
}

// DefaultVideoOptions derives the bounds from the source frame interval so
// the output never runs at a higher frame rate than the source.
func DefaultVideoOptions(frameInterval time.Duration) VideoOptions {
	if frameInterval <= 0 {
		frameInterval = time.Second / 30
	}
	return VideoOptions{
		MinInterval:  frameInterval * 9 / 10,
		MaxInterval:  frameInterval * 3 / 2,
		FillInterval: frameInterval,
	}
}

// VideoStats counts what the video remapper did.
type VideoStats struct {
	In         int
	Out        int
	Dropped    int
	Duplicated int
}

// Video retimes decoded video frames. Frames must be fed in presentation order.
// A Video is not safe for concurrent use.
type Video struct {
	tl   *timeline.Timeline
	opts VideoOptions

	last  media.Frame
	have  bool
	stats VideoStats
}

// NewVideo creates a video remapper.
func NewVideo(tl *timeline.Timeline, opts VideoOptions) *Video {
	if opts.FillInterval <= 0 {
		opts.FillInterval = max(opts.MinInterval, time.Millisecond)
	}
	return &Video{tl: tl, opts: opts}
}

// Remap places f on the output timeline and returns the frames to encode:
// none when f is dropped, f alone, or repeats of the previous frame followed by f.
func (v *Video) Remap(f media.Frame) []media.Frame {
	v.stats.In++
	f.RemappedTimeUs = v.tl.OutputTimeUs(f.OriginalTimeUs)
	f.Duplicate = false

	if !v.have {
		v.emit(f)
		return []media.Frame{f}
	}

	gap := f.RemappedTimeUs - v.last.RemappedTimeUs
	if gap <= 0 || gap < v.opts.MinInterval.Microseconds() {
		v.stats.Dropped++
		return nil
	}

	var out []media.Frame
	if gap > v.opts.MaxInterval.Microseconds() {
		n := int(math.Round(float64(gap)/float64(v.opts.FillInterval.Microseconds()))) - 1
		n = max(n, 1)
		base := v.last
		for i := 1; i <= n; i++ {
			dup := base
			dup.RemappedTimeUs = base.RemappedTimeUs + gap*int64(i)/int64(n+1)
			dup.Duplicate = true
			out = append(out, dup)
		}
		v.stats.Duplicated += n
		v.stats.Out += n
	}

	v.emit(f)
	return append(out, f)
}

func (v *Video) emit(f media.Frame) {
	v.last = f
	v.have = true
	v.stats.Out++
}

// Stats returns the counters so far.
func (v *Video) Stats() VideoStats {
	return v.stats
}
