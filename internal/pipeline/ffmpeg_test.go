package pipeline

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/speedcut/internal/demux"
	"github.com/maauso/speedcut/internal/timeline"
)

func skipIfNoFFmpeg(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping ffmpeg test in short mode")
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not found in PATH, skipping test")
	}
}

// renderSource writes a 25 fps clip with a sine tone of the given length.
func renderSource(t *testing.T, seconds int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.mp4")
	args := []string{
		"-y",
		"-f", "lavfi", "-i", fmt.Sprintf("testsrc=size=96x64:rate=25:duration=%d", seconds),
		"-f", "lavfi", "-i", fmt.Sprintf("sine=frequency=440:sample_rate=44100:duration=%d", seconds),
		"-c:v", "libx264", "-preset", "ultrafast", "-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-shortest",
		path,
	}
	if output, err := exec.Command("ffmpeg", args...).CombinedOutput(); err != nil {
		t.Fatalf("failed to create test video: %v\noutput: %s", err, output)
	}
	return path
}

// outputSeconds reopens a finished file and returns its duration and track count.
func outputSeconds(t *testing.T, path string) (float64, int) {
	t.Helper()
	src, err := demux.Open(context.Background(), path, demux.WithProber(nil))
	require.NoError(t, err)
	defer func() { _ = src.Close() }()
	tracks := 1
	if _, ok := src.Audio(); ok {
		tracks++
	}
	return src.Duration().Seconds(), tracks
}

func TestRun_WithFFmpeg(t *testing.T) {
	skipIfNoFFmpeg(t)

	tests := []struct {
		name     string
		seconds  int
		segments []timeline.Segment
		want     float64
	}{
		{"identity", 4, nil, 4},
		{"first half at 2x", 4, []timeline.Segment{{Start: 0, End: 2, Speed: 2}}, 3},
		{"slow motion", 2, []timeline.Segment{{Start: 0, End: 2, Speed: 0.5}}, 4},
		{"mixed with clipped end", 20, []timeline.Segment{
			{Start: 0, End: 5, Speed: 1},
			{Start: 5, End: 7, Speed: 0.5},
			{Start: 7, End: 15, Speed: 1.5},
			{Start: 15, End: 999, Speed: 1},
		}, 5 + 4 + 8/1.5 + 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := renderSource(t, tt.seconds)
			out := filepath.Join(t.TempDir(), "out.mp4")

			res, err := NewRunner().Run(context.Background(), Request{Input: input, Output: out, Segments: tt.segments})
			require.NoError(t, err)

			assert.InDelta(t, tt.want, res.OutputDuration.Seconds(), 0.01)
			assert.True(t, res.HasAudio)
			assert.InDelta(t, tt.want*25, float64(res.Video.Out), 3)

			got, tracks := outputSeconds(t, out)
			assert.Equal(t, 2, tracks)
			assert.InDelta(t, tt.want, got, 0.2)
		})
	}
}

func TestRun_WithFFmpeg_Repeatable(t *testing.T) {
	skipIfNoFFmpeg(t)

	input := renderSource(t, 3)
	dir := t.TempDir()

	var durations []float64
	for i := 0; i < 2; i++ {
		out := filepath.Join(dir, fmt.Sprintf("out%d.mp4", i))
		code := ProcessVideo(context.Background(), input, out, []float32{1}, []float32{2}, []float32{4})
		require.Equal(t, CodeOK, code)

		d, tracks := outputSeconds(t, out)
		assert.Equal(t, 2, tracks)
		durations = append(durations, d)
	}
	assert.InDelta(t, durations[0], durations[1], 0.05)
	assert.InDelta(t, 2.25, durations[0], 0.2)
}
