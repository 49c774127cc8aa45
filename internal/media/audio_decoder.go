package media

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/nareix/joy4/codec/aacparser"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// pcmChunkFrames is how many samples per channel each decoded audio frame holds.
const pcmChunkFrames = 1024

// audioDecoder decodes an AAC track to interleaved s16le PCM at the track's
// sample rate and channel count.
type audioDecoder struct {
	p     *process
	track Track
	cfg   aacparser.MPEG4AudioConfig

	mu       sync.Mutex
	startUs  int64
	started  bool
	produced int64
}

func newAudioDecoder(ctx context.Context, f *FFmpeg, track Track) (*audioDecoder, error) {
	codec, ok := track.Codec.(aacparser.CodecData)
	if !ok {
		return nil, fmt.Errorf("%w: audio track %d is %v", ErrUnsupportedCodec, track.Index, track.Codec.Type())
	}
	if track.SampleRate <= 0 || track.Channels <= 0 {
		return nil, fmt.Errorf("%w: audio track %d has rate=%d channels=%d",
			ErrUnsupportedCodec, track.Index, track.SampleRate, track.Channels)
	}

	args := f.args(
		ffmpeg.KwArgs{"f": "aac"},
		ffmpeg.KwArgs{
			"f":  "s16le",
			"ar": track.SampleRate,
			"ac": track.Channels,
		},
	)
	p, err := f.start(ctx, args)
	if err != nil {
		return nil, err
	}
	return &audioDecoder{p: p, track: track, cfg: codec.Config}, nil
}

func (d *audioDecoder) Decode(s Sample) error {
	if len(s.Data) == 0 {
		return fmt.Errorf("%w: empty aac frame", ErrCorruptSample)
	}
	d.mu.Lock()
	if !d.started {
		d.startUs = s.PresentationTimeUs
		d.started = true
	}
	d.mu.Unlock()
	return d.p.write(adtsWrap(s.Data, d.cfg))
}

func (d *audioDecoder) CloseInput() error {
	return d.p.closeInput()
}

// ReadFrame returns the next chunk of PCM. Chunks are timed contiguously
// from the first sample fed to the decoder.
func (d *audioDecoder) ReadFrame() (Frame, error) {
	ch := d.track.Channels
	buf := make([]byte, pcmChunkFrames*ch*2)
	n, err := io.ReadFull(d.p.stdout, buf)
	n -= n % (ch * 2)
	if n == 0 && err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if werr := d.p.wait(); werr != nil {
				return Frame{}, werr
			}
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("read decoded audio: %w", err)
	}

	pcm := make([]int16, n/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(buf[2*i:]))
	}

	d.mu.Lock()
	ts := d.startUs + d.produced*1_000_000/int64(d.track.SampleRate)
	d.produced += int64(len(pcm) / ch)
	d.mu.Unlock()

	return Frame{
		TrackIndex:     d.track.Index,
		Kind:           KindAudio,
		OriginalTimeUs: ts,
		RemappedTimeUs: ts,
		PCM:            pcm,
	}, nil
}

func (d *audioDecoder) Close() error {
	return d.p.kill()
}
