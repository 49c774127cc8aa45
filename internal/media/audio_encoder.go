package media

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/codec/aacparser"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// audioEncoder encodes interleaved s16le PCM to AAC-LC.
type audioEncoder struct {
	p     *process
	track Track
	r     *bufio.Reader

	mu      sync.Mutex
	startUs int64
	started bool

	samples   int64
	codec     av.CodecData
	sentCodec bool
}

func newAudioEncoder(ctx context.Context, f *FFmpeg, track Track) (*audioEncoder, error) {
	if track.SampleRate <= 0 || track.Channels <= 0 {
		return nil, fmt.Errorf("%w: audio rate=%d channels=%d", ErrUnsupportedCodec, track.SampleRate, track.Channels)
	}

	args := f.args(
		ffmpeg.KwArgs{
			"f":  "s16le",
			"ar": track.SampleRate,
			"ac": track.Channels,
		},
		ffmpeg.KwArgs{
			"c:a":     "aac",
			"profile": "aac_low",
			"b:a":     f.audioBitrate,
			"f":       "adts",
		},
	)
	p, err := f.start(ctx, args)
	if err != nil {
		return nil, err
	}
	return &audioEncoder{
		p:     p,
		track: track,
		r:     bufio.NewReaderSize(p.stdout, 64<<10),
	}, nil
}

func (e *audioEncoder) Encode(f Frame) error {
	if len(f.PCM)%e.track.Channels != 0 {
		return fmt.Errorf("%w: %d samples for %d channels", ErrFrameSize, len(f.PCM), e.track.Channels)
	}
	if len(f.PCM) == 0 {
		return nil
	}
	e.mu.Lock()
	if !e.started {
		e.startUs = f.RemappedTimeUs
		e.started = true
	}
	e.mu.Unlock()

	buf := make([]byte, 2*len(f.PCM))
	for i, v := range f.PCM {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
	}
	return e.p.write(buf)
}

func (e *audioEncoder) CloseInput() error {
	return e.p.closeInput()
}

// ReadSample returns the next raw AAC frame. Frames are timed contiguously
// from the first PCM frame given to the encoder.
func (e *audioEncoder) ReadSample() (Sample, error) {
	frame, err := readADTS(e.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			if werr := e.p.wait(); werr != nil {
				return Sample{}, werr
			}
			return Sample{}, io.EOF
		}
		_ = e.p.kill()
		return Sample{}, err
	}

	if e.codec == nil {
		codec, err := aacparser.NewCodecDataFromMPEG4AudioConfig(frame.cfg)
		if err != nil {
			return Sample{}, fmt.Errorf("%w: %w", ErrCorruptSample, err)
		}
		e.codec = codec
	}

	e.mu.Lock()
	start := e.startUs
	e.mu.Unlock()

	ts := start + e.samples*1_000_000/int64(e.track.SampleRate)
	e.samples += int64(frame.samples)

	s := Sample{
		TrackIndex:         e.track.Index,
		PresentationTimeUs: ts,
		DecodeTimeUs:       ts,
		Data:               frame.payload,
		IsKeyFrame:         true,
	}
	if !e.sentCodec {
		s.Codec = e.codec
		e.sentCodec = true
	}
	return s, nil
}

func (e *audioEncoder) Close() error {
	return e.p.kill()
}
