package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/codec/h264parser"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// videoEncoder encodes yuv420p frames to H.264. B-frames are disabled so
// pictures leave the encoder in the order they went in, and every access
// unit starts with a delimiter.
type videoEncoder struct {
	p     *process
	track Track
	size  int
	aus   *auReader

	mu    sync.Mutex
	times []int64

	codec     av.CodecData
	sentCodec bool
}

func newVideoEncoder(ctx context.Context, f *FFmpeg, track Track) (*videoEncoder, error) {
	w, h := EvenSize(track.Width, track.Height)
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, track.Width, track.Height)
	}
	track.Width, track.Height = w, h

	fps := track.FrameRate
	if fps <= 0 {
		fps = 30
	}

	out := ffmpeg.KwArgs{
		"c:v":      f.videoCodec,
		"preset":   f.videoPreset,
		"pix_fmt":  "yuv420p",
		"bf":       0,
		"bsf:v":    "h264_metadata=aud=insert",
		"fps_mode": "passthrough",
		"f":        "h264",
	}
	bitrate := f.videoBitrate
	if bitrate <= 0 {
		bitrate = track.Bitrate
	}
	if bitrate > 0 {
		out["b:v"] = strconv.FormatInt(bitrate, 10)
	}

	args := f.args(
		ffmpeg.KwArgs{
			"f":       "rawvideo",
			"pix_fmt": "yuv420p",
			"s":       fmt.Sprintf("%dx%d", w, h),
			"r":       strconv.FormatFloat(fps, 'f', 3, 64),
		},
		out,
	)
	p, err := f.start(ctx, args)
	if err != nil {
		return nil, err
	}
	return &videoEncoder{
		p:     p,
		track: track,
		size:  track.FrameSize(),
		aus:   newAUReader(p.stdout),
	}, nil
}

func (e *videoEncoder) Encode(f Frame) error {
	if len(f.Data) != e.size {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrFrameSize, len(f.Data), e.size)
	}
	e.mu.Lock()
	e.times = append(e.times, f.RemappedTimeUs)
	e.mu.Unlock()
	return e.p.write(f.Data)
}

func (e *videoEncoder) CloseInput() error {
	return e.p.closeInput()
}

// ReadSample returns the next encoded picture in AVCC framing, stamped with
// the time of the frame it was encoded from.
func (e *videoEncoder) ReadSample() (Sample, error) {
	au, err := e.aus.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			if werr := e.p.wait(); werr != nil {
				return Sample{}, werr
			}
			return Sample{}, io.EOF
		}
		return Sample{}, fmt.Errorf("read encoded video: %w", err)
	}

	if e.codec == nil {
		if au.sps == nil || au.pps == nil {
			return Sample{}, fmt.Errorf("%w: first encoded picture has no parameter sets", ErrCorruptSample)
		}
		codec, err := h264parser.NewCodecDataFromSPSAndPPS(au.sps, au.pps)
		if err != nil {
			return Sample{}, fmt.Errorf("%w: %w", ErrCorruptSample, err)
		}
		e.codec = codec
	}

	e.mu.Lock()
	if len(e.times) == 0 {
		e.mu.Unlock()
		return Sample{}, fmt.Errorf("%w: encoder produced more pictures than it was given", ErrCorruptSample)
	}
	ts := e.times[0]
	e.times = e.times[1:]
	e.mu.Unlock()

	s := Sample{
		TrackIndex:         e.track.Index,
		PresentationTimeUs: ts,
		DecodeTimeUs:       ts,
		Data:               au.avcc(),
		IsKeyFrame:         au.key,
	}
	if !e.sentCodec {
		s.Codec = e.codec
		e.sentCodec = true
	}
	return s, nil
}

func (e *videoEncoder) Close() error {
	return e.p.kill()
}
