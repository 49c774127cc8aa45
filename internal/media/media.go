// Package media models tracks, compressed samples and decoded frames, and
// provides decoder and encoder stages backed by ffmpeg processes.
package media

import (
	"errors"
	"time"

	"github.com/nareix/joy4/av"
)

// Static errors for media operations.
var (
	// ErrUnsupportedCodec is returned when a track uses a codec other than H.264 or AAC.
	ErrUnsupportedCodec = errors.New("unsupported codec")
	// ErrCorruptSample is returned when a compressed sample cannot be parsed.
	ErrCorruptSample = errors.New("corrupt sample")
	// ErrInvalidDimensions is returned when a video track has no usable size.
	ErrInvalidDimensions = errors.New("invalid dimensions: width and height must be positive")
	// ErrFrameSize is returned when a raw frame does not match the track layout.
	ErrFrameSize = errors.New("frame size does not match track layout")
	// ErrFFprobeExecution is returned when ffprobe command fails.
	ErrFFprobeExecution = errors.New("ffprobe execution failed")
	// ErrClosed is returned when feeding a stage after its input was closed.
	ErrClosed = errors.New("stage input closed")
)

// Kind distinguishes video tracks from audio tracks.
type Kind int

// Track kinds.
const (
	KindVideo Kind = iota
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// Track describes one elementary stream of the source. It is read-only once
// the source has been opened.
type Track struct {
	Index int
	Kind  Kind
	Codec av.CodecData

	// Video only.
	Width     int
	Height    int
	FrameRate float64

	// Audio only.
	SampleRate int
	Channels   int

	Bitrate  int64
	Duration time.Duration
}

// FrameInterval returns the nominal time between video frames.
func (t Track) FrameInterval() time.Duration {
	if t.FrameRate <= 0 {
		return time.Second / 30
	}
	return time.Duration(float64(time.Second) / t.FrameRate)
}

// FrameSize returns the byte size of one yuv420p frame of the track.
func (t Track) FrameSize() int {
	cw, ch := (t.Width+1)/2, (t.Height+1)/2
	return t.Width*t.Height + 2*cw*ch
}

// Sample is one compressed unit as stored in the container. Timestamps are
// in microseconds. Encoders set Codec on the first sample they emit.
type Sample struct {
	TrackIndex         int
	PresentationTimeUs int64
	DecodeTimeUs       int64
	Data               []byte
	IsKeyFrame         bool
	Codec              av.CodecData
}

// Frame is one decoded unit. Video frames carry a yuv420p picture in Data,
// audio frames carry interleaved signed 16-bit PCM.
type Frame struct {
	TrackIndex     int
	Kind           Kind
	OriginalTimeUs int64
	RemappedTimeUs int64
	Data           []byte
	PCM            []int16
	// Duplicate marks a repeated copy of the previous video frame.
	Duplicate bool
}
