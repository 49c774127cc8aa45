package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/maauso/speedcut/internal/media"
	"github.com/maauso/speedcut/internal/remap"
)

// ErrRetryFailed is returned when a sample still cannot be decoded after one retry.
var ErrRetryFailed = errors.New("sample failed to decode after a retry")

// frameRemapper is the per-track retiming step between decoder and encoder.
type frameRemapper interface {
	Remap(f media.Frame) ([]media.Frame, error)
	Flush() []media.Frame
}

type videoRemapper struct {
	v *remap.Video
}

func (r videoRemapper) Remap(f media.Frame) ([]media.Frame, error) { return r.v.Remap(f), nil }
func (r videoRemapper) Flush() []media.Frame                       { return nil }

// trackStage is the chain reader -> decoder -> remapper -> encoder -> out of
// one track. Every step runs in its own goroutine so a slow encoder never
// stalls reading and the ffmpeg pipes stay drained.
type trackStage struct {
	track  media.Track
	reader media.SampleReader
	dec    media.Decoder
	enc    media.Encoder
	rm     frameRemapper
	out    chan media.Sample

	onFrame func(f media.Frame)
	logger  *slog.Logger

	retried int
}

func (s *trackStage) start(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error { return s.feed(ctx) })
	g.Go(func() error { return s.transform() })
	g.Go(func() error { return s.drain(ctx) })
}

// close releases everything the stage opened. Closing a decoder or encoder
// kills its process, which unblocks any goroutine still using it.
func (s *trackStage) close() {
	if s.reader != nil {
		_ = s.reader.Close()
	}
	if s.dec != nil {
		_ = s.dec.Close()
	}
	if s.enc != nil {
		_ = s.enc.Close()
	}
}

func (s *trackStage) name() string {
	return s.track.Kind.String()
}

// feed pushes compressed samples into the decoder.
func (s *trackStage) feed(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		sample, err := s.reader.ReadSample()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return wrap(SourceUnreadable, "read "+s.name(), err)
		}
		if err := s.decode(sample); err != nil {
			return err
		}
	}

	if s.retried > 0 {
		s.logger.Warn("samples decoded on retry", slog.Int("count", s.retried))
	}
	return wrap(DecodeFailure, "close "+s.name()+" decoder", s.dec.CloseInput())
}

// decode feeds one sample, retrying it once when the decoder rejects its payload.
func (s *trackStage) decode(sample media.Sample) error {
	err := s.dec.Decode(sample)
	if errors.Is(err, media.ErrCorruptSample) {
		s.retried++
		s.logger.Warn("retrying undecodable sample",
			slog.Int64("pts_us", sample.PresentationTimeUs),
			slog.String("error", err.Error()),
		)
		err = s.dec.Decode(sample)
		if errors.Is(err, media.ErrCorruptSample) {
			err = errors.Join(ErrRetryFailed, err)
		}
	}
	return wrap(DecodeFailure, "decode "+s.name(), err)
}

// transform retimes decoded frames and feeds them to the encoder.
func (s *trackStage) transform() error {
	for {
		f, err := s.dec.ReadFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return wrap(DecodeFailure, "decode "+s.name(), err)
		}
		if s.onFrame != nil {
			s.onFrame(f)
		}

		frames, err := s.rm.Remap(f)
		if err != nil {
			return wrap(DecodeFailure, "remap "+s.name(), err)
		}
		if err := s.encode(frames); err != nil {
			return err
		}
	}

	if err := s.encode(s.rm.Flush()); err != nil {
		return err
	}
	return wrap(EncodeFailure, "close "+s.name()+" encoder", s.enc.CloseInput())
}

func (s *trackStage) encode(frames []media.Frame) error {
	for _, f := range frames {
		if err := s.enc.Encode(f); err != nil {
			return wrap(EncodeFailure, "encode "+s.name(), err)
		}
	}
	return nil
}

// drain hands encoded samples to the muxer. The output channel is closed
// when the encoder is done, which tells the muxer the track has ended.
func (s *trackStage) drain(ctx context.Context) error {
	defer close(s.out)
	for {
		sample, err := s.enc.ReadSample()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return wrap(EncodeFailure, "encode "+s.name(), err)
		}
		select {
		case s.out <- sample:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
