package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ProbeInfo is the container metadata ffprobe reports for a file.
type ProbeInfo struct {
	FormatName string
	Duration   time.Duration
	Bitrate    int64
	Streams    []ProbeStream
}

// ProbeStream is ffprobe's view of one stream.
type ProbeStream struct {
	Index      int
	CodecType  string
	CodecName  string
	Width      int
	Height     int
	FrameRate  float64
	SampleRate int
	Channels   int
	Bitrate    int64
	Duration   time.Duration
}

// JSON output from ffprobe
type ffprobeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		BitRate    string `json:"bit_rate"`
	} `json:"format"`
	Streams []struct {
		Index        int    `json:"index"`
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
		SampleRate   string `json:"sample_rate"`
		Channels     int    `json:"channels"`
		BitRate      string `json:"bit_rate"`
		Duration     string `json:"duration"`
	} `json:"streams"`
}

// Prober reads container metadata with ffprobe.
type Prober struct {
	ffprobePath string
}

// NewProber creates a Prober.
// If ffprobePath is empty, it defaults to "ffprobe" (found via PATH).
func NewProber(ffprobePath string) *Prober {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Prober{ffprobePath: ffprobePath}
}

// Probe returns the metadata of the media file at path.
func (p *Prober) Probe(ctx context.Context, path string) (*ProbeInfo, error) {
	// #nosec G204 - ffprobePath is set by the application, not user input
	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ffprobe cancelled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("%w: %w, stderr: %s", ErrFFprobeExecution, err, stderr.String())
	}

	return parseProbeOutput(stdout.Bytes())
}

// GetMediaDuration returns the duration of a media file.
func (p *Prober) GetMediaDuration(ctx context.Context, path string) (time.Duration, error) {
	info, err := p.Probe(ctx, path)
	if err != nil {
		return 0, err
	}
	return info.Duration, nil
}

func parseProbeOutput(raw []byte) (*ProbeInfo, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}

	info := &ProbeInfo{
		FormatName: out.Format.FormatName,
		Duration:   parseSeconds(out.Format.Duration),
		Bitrate:    parseInt(out.Format.BitRate),
	}
	for _, s := range out.Streams {
		fps := parseRational(s.AvgFrameRate)
		if fps <= 0 {
			fps = parseRational(s.RFrameRate)
		}
		info.Streams = append(info.Streams, ProbeStream{
			Index:      s.Index,
			CodecType:  s.CodecType,
			CodecName:  s.CodecName,
			Width:      s.Width,
			Height:     s.Height,
			FrameRate:  fps,
			SampleRate: int(parseInt(s.SampleRate)),
			Channels:   s.Channels,
			Bitrate:    parseInt(s.BitRate),
			Duration:   parseSeconds(s.Duration),
		})
	}
	return info, nil
}

// Stream returns the first stream of the given type ("video" or "audio").
func (i *ProbeInfo) Stream(codecType string) (ProbeStream, bool) {
	for _, s := range i.Streams {
		if s.CodecType == codecType {
			return s, true
		}
	}
	return ProbeStream{}, false
}

func parseSeconds(v string) time.Duration {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || f < 0 {
		return 0
	}
	return time.Duration(math.Round(f * float64(time.Second)))
}

func parseInt(v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// parseRational parses ffprobe rates such as "30000/1001".
func parseRational(v string) float64 {
	num, den, ok := strings.Cut(v, "/")
	if !ok {
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}
