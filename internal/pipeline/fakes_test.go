package pipeline

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/codec/aacparser"

	"github.com/maauso/speedcut/internal/media"
)

// fakeSource serves synthetic samples: a video track at 30 fps and an
// optional audio track in 1024-sample frames at 16kHz.
type fakeSource struct {
	duration  time.Duration
	withAudio bool

	// onRead is called with the index of every video sample read.
	onRead func(i int)
	// corrupt marks video sample indexes whose payload the fake decoder rejects.
	corrupt map[int]bool
	// flaky marks video sample indexes the fake decoder rejects on the first attempt only.
	flaky   map[int]bool
	readErr error

	mu     sync.Mutex
	closed bool
}

func (s *fakeSource) Video() media.Track {
	return media.Track{Index: 0, Kind: media.KindVideo, Width: 4, Height: 2, FrameRate: 30, Duration: s.duration}
}

func (s *fakeSource) Audio() (media.Track, bool) {
	return media.Track{Index: 1, Kind: media.KindAudio, SampleRate: 16000, Channels: 1, Duration: s.duration}, s.withAudio
}

func (s *fakeSource) Duration() time.Duration { return s.duration }

func (s *fakeSource) Reader(track media.Track) (media.SampleReader, error) {
	var step time.Duration
	switch track.Kind {
	case media.KindVideo:
		step = time.Second / 30
	default:
		step = time.Duration(1024 * int64(time.Second) / 16000)
	}
	n := int(s.duration / step)
	return &fakeReader{src: s, track: track, step: step, n: n}, nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeReader struct {
	src   *fakeSource
	track media.Track
	step  time.Duration
	n     int
	next  int
}

func (r *fakeReader) ReadSample() (media.Sample, error) {
	if r.next >= r.n {
		return media.Sample{}, io.EOF
	}
	i := r.next
	r.next++
	if r.track.Kind == media.KindVideo {
		if r.src.onRead != nil {
			r.src.onRead(i)
		}
		if r.src.readErr != nil && i == r.n/2 {
			return media.Sample{}, r.src.readErr
		}
	}
	data := []byte{1}
	if r.track.Kind == media.KindVideo && r.src.corrupt[i] {
		data = nil
	}
	if r.track.Kind == media.KindVideo && r.src.flaky[i] {
		data = []byte{0}
	}
	ts := (time.Duration(i) * r.step).Microseconds()
	return media.Sample{TrackIndex: r.track.Index, PresentationTimeUs: ts, DecodeTimeUs: ts, Data: data, IsKeyFrame: true}, nil
}

func (r *fakeReader) Close() error { return nil }

// fakeCodecs passes frames straight through. Every stage stops when its
// context is cancelled, like a killed process would.
type fakeCodecs struct {
	decoderErr error
	encoderErr error
	// encodeFailAt makes the video encoder fail on its n-th frame when positive.
	encodeFailAt int

	mu       sync.Mutex
	open     int
	maxOpen  int
	encoded  map[media.Kind]int
	released int
}

func (c *fakeCodecs) track() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open++
	c.maxOpen = max(c.maxOpen, c.open)
}

func (c *fakeCodecs) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open--
	c.released++
}

func (c *fakeCodecs) openStages() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeCodecs) NewDecoder(ctx context.Context, track media.Track) (media.Decoder, error) {
	if c.decoderErr != nil {
		return nil, c.decoderErr
	}
	c.track()
	return &fakeDecoder{ctx: ctx, codecs: c, track: track, frames: make(chan media.Frame, 4)}, nil
}

func (c *fakeCodecs) NewEncoder(ctx context.Context, track media.Track) (media.Encoder, error) {
	if c.encoderErr != nil {
		return nil, c.encoderErr
	}
	c.track()
	return &fakeEncoder{ctx: ctx, codecs: c, track: track, samples: make(chan media.Sample, 4)}, nil
}

type fakeDecoder struct {
	ctx       context.Context
	codecs    *fakeCodecs
	track     media.Track
	frames    chan media.Frame
	closeOnce sync.Once
	inOnce    sync.Once
	rejected  map[int64]bool
}

func (d *fakeDecoder) Decode(s media.Sample) error {
	if len(s.Data) == 0 {
		return media.ErrCorruptSample
	}
	if s.Data[0] == 0 && !d.rejected[s.PresentationTimeUs] {
		if d.rejected == nil {
			d.rejected = make(map[int64]bool)
		}
		d.rejected[s.PresentationTimeUs] = true
		return media.ErrCorruptSample
	}
	f := media.Frame{TrackIndex: d.track.Index, Kind: d.track.Kind, OriginalTimeUs: s.PresentationTimeUs}
	if d.track.Kind == media.KindVideo {
		f.Data = make([]byte, d.track.FrameSize())
	} else {
		f.PCM = make([]int16, 1024*d.track.Channels)
	}
	select {
	case d.frames <- f:
		return nil
	case <-d.ctx.Done():
		return d.ctx.Err()
	}
}

func (d *fakeDecoder) CloseInput() error {
	d.inOnce.Do(func() { close(d.frames) })
	return nil
}

func (d *fakeDecoder) ReadFrame() (media.Frame, error) {
	select {
	case f, ok := <-d.frames:
		if !ok {
			return media.Frame{}, io.EOF
		}
		return f, nil
	case <-d.ctx.Done():
		return media.Frame{}, d.ctx.Err()
	}
}

func (d *fakeDecoder) Close() error {
	d.closeOnce.Do(d.codecs.release)
	return nil
}

type fakeEncoder struct {
	ctx       context.Context
	codecs    *fakeCodecs
	track     media.Track
	samples   chan media.Sample
	n         int
	closeOnce sync.Once
	inOnce    sync.Once
}

// aacConfig is AAC-LC at 16kHz mono. The muxer accepts it for every
// track, which keeps the fakes free of H.264 parameter sets.
var aacConfig = []byte{0x14, 0x08}

func fakeCodecData() av.CodecData {
	codec, err := aacparser.NewCodecDataFromMPEG4AudioConfigBytes(aacConfig)
	if err != nil {
		panic(err)
	}
	return codec
}

func (e *fakeEncoder) Encode(f media.Frame) error {
	e.n++
	if e.track.Kind == media.KindVideo && e.codecs.encodeFailAt > 0 && e.n == e.codecs.encodeFailAt {
		return &media.FFmpegError{Args: []string{"fake"}, Stderr: "encoder exploded", Err: io.ErrUnexpectedEOF}
	}
	s := media.Sample{
		TrackIndex:         e.track.Index,
		PresentationTimeUs: f.RemappedTimeUs,
		DecodeTimeUs:       f.RemappedTimeUs,
		Data:               []byte{0x21, 0x10, 0x04},
		IsKeyFrame:         true,
	}
	if e.n == 1 {
		s.Codec = fakeCodecData()
	}
	e.codecs.mu.Lock()
	if e.codecs.encoded == nil {
		e.codecs.encoded = make(map[media.Kind]int)
	}
	e.codecs.encoded[e.track.Kind]++
	e.codecs.mu.Unlock()

	select {
	case e.samples <- s:
		return nil
	case <-e.ctx.Done():
		return e.ctx.Err()
	}
}

func (e *fakeEncoder) CloseInput() error {
	e.inOnce.Do(func() { close(e.samples) })
	return nil
}

func (e *fakeEncoder) ReadSample() (media.Sample, error) {
	select {
	case s, ok := <-e.samples:
		if !ok {
			return media.Sample{}, io.EOF
		}
		return s, nil
	case <-e.ctx.Done():
		return media.Sample{}, e.ctx.Err()
	}
}

func (e *fakeEncoder) Close() error {
	e.closeOnce.Do(e.codecs.release)
	return nil
}

// recorder is an Observer that keeps everything it is told.
type recorder struct {
	mu       sync.Mutex
	states   []State
	progress []float64
}

func (r *recorder) OnState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) OnProgress(p float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
}

func (r *recorder) snapshot() ([]State, []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...), append([]float64(nil), r.progress...)
}
