// Package demux opens MPEG-4 sources and reads the compressed samples of
// their H.264 video and AAC audio tracks.
package demux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/nareix/joy4/codec/aacparser"
	"github.com/nareix/joy4/codec/h264parser"
	"github.com/nareix/joy4/format/mp4/mp4io"

	"github.com/maauso/speedcut/internal/media"
)

// Static errors for opening and reading sources.
var (
	// ErrUnreadable is returned when the source cannot be opened or its index cannot be parsed.
	ErrUnreadable = errors.New("demux: source unreadable")
	// ErrUnsupportedFormat is returned for containers outside the MPEG-4 family
	// and for tracks that are not H.264 video or AAC audio.
	ErrUnsupportedFormat = errors.New("demux: unsupported format")
	// ErrNoVideoTrack is returned when the source has no video track at all.
	ErrNoVideoTrack = errors.New("demux: no video track")
)

// supportedTypes are the MIME types of the MPEG-4 / QuickTime family.
var supportedTypes = []string{
	"video/mp4",
	"video/quicktime",
	"video/x-m4v",
	"video/3gpp",
	"video/3gpp2",
	"audio/mp4",
	"audio/x-m4a",
}

// Prober reads container metadata.
type Prober interface {
	Probe(ctx context.Context, path string) (*media.ProbeInfo, error)
}

// Option configures Open.
type Option func(*options)

type options struct {
	prober Prober
	logger *slog.Logger
}

// WithProber sets the metadata prober used for bitrates and the container
// duration. A nil prober skips probing.
func WithProber(p Prober) Option {
	return func(o *options) { o.prober = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Source is an opened MPEG-4 file. It describes the selected tracks and hands
// out independent readers for them. A Source holds no open handles.
type Source struct {
	path     string
	mime     string
	video    media.Track
	audio    media.Track
	hasAudio bool
	tables   map[int]*sampleTable
	duration time.Duration
	info     *media.ProbeInfo
}

// Open validates the container at path and selects the first video track,
// which must be H.264, and the first audio track, which must be AAC if present.
func Open(ctx context.Context, path string, opts ...Option) (*Source, error) {
	o := options{prober: media.NewProber("")}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	head, err := readHead(path)
	if err != nil {
		return nil, err
	}
	mt := mimetype.Detect(head)
	if !isSupported(mt) && !hasBoxHeader(head) {
		return nil, fmt.Errorf("%w: container is %s", ErrUnsupportedFormat, mt.String())
	}

	moov, err := readMovie(path)
	if err != nil {
		return nil, err
	}

	src := &Source{path: path, mime: mt.String(), tables: make(map[int]*sampleTable)}
	if err := src.selectTracks(moov); err != nil {
		return nil, err
	}

	if o.prober != nil {
		info, err := o.prober.Probe(ctx, path)
		switch {
		case err == nil:
			src.applyProbe(info)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			o.logger.Warn("probe failed, using sample tables only",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}
	}

	o.logger.Info("source opened",
		slog.String("path", path),
		slog.String("mime", src.mime),
		slog.Duration("duration", src.duration),
		slog.Int("width", src.video.Width),
		slog.Int("height", src.video.Height),
		slog.Float64("fps", src.video.FrameRate),
		slog.Bool("audio", src.hasAudio),
	)
	return src, nil
}

func isSupported(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		for _, t := range supportedTypes {
			if m.Is(t) {
				return true
			}
		}
	}
	return false
}

// readHead returns the first bytes of the file for type detection.
func readHead(path string) ([]byte, error) {
	f, err := os.Open(path) // #nosec G304 - path is provided by the caller
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadable, err)
	}
	defer func() { _ = f.Close() }()

	head := make([]byte, 3072)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("%w: %w", ErrUnreadable, err)
	}
	return head[:n], nil
}

// hasBoxHeader reports whether the file starts with a top-level MPEG-4 box
// that content sniffing does not recognize, such as the mdat-first layout
// this tool itself writes.
func hasBoxHeader(head []byte) bool {
	if len(head) < 8 {
		return false
	}
	switch string(head[4:8]) {
	case "ftyp", "moov", "mdat", "free", "wide", "skip":
		return true
	}
	return false
}

func readMovie(path string) (*mp4io.Movie, error) {
	f, err := os.Open(path) // #nosec G304 - path is provided by the caller
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadable, err)
	}
	defer func() { _ = f.Close() }()

	atoms, err := mp4io.ReadFileAtoms(f)
	if err != nil {
		return nil, fmt.Errorf("%w: parse index: %w", ErrUnreadable, err)
	}
	for _, atom := range atoms {
		if atom.Tag() == mp4io.MOOV {
			return atom.(*mp4io.Movie), nil
		}
	}
	return nil, fmt.Errorf("%w: no movie header", ErrUnreadable)
}

func (s *Source) selectTracks(moov *mp4io.Movie) error {
	foundVideo := false
	for i, trak := range moov.Tracks {
		if trak.Media == nil || trak.Media.Info == nil || trak.Media.Info.Sample == nil {
			continue
		}
		isVideo := trak.Media.Info.Video != nil
		isSound := trak.Media.Info.Sound != nil

		switch {
		case isVideo && !foundVideo:
			avc1 := trak.GetAVC1Conf()
			if avc1 == nil {
				return fmt.Errorf("%w: video track %d is not H.264", ErrUnsupportedFormat, i)
			}
			codec, err := h264parser.NewCodecDataFromAVCDecoderConfRecord(avc1.Data)
			if err != nil {
				return fmt.Errorf("%w: video track %d: %w", ErrUnreadable, i, err)
			}
			table, err := buildSampleTable(trak)
			if err != nil {
				return err
			}
			foundVideo = true
			s.tables[i] = table
			s.video = media.Track{
				Index:     i,
				Kind:      media.KindVideo,
				Codec:     codec,
				Width:     codec.Width(),
				Height:    codec.Height(),
				FrameRate: table.FrameRate(),
				Duration:  table.Duration(),
			}

		case isSound && !s.hasAudio:
			esds := trak.GetElemStreamDesc()
			if esds == nil {
				return fmt.Errorf("%w: audio track %d is not AAC", ErrUnsupportedFormat, i)
			}
			codec, err := aacparser.NewCodecDataFromMPEG4AudioConfigBytes(esds.DecConfig)
			if err != nil {
				return fmt.Errorf("%w: audio track %d: %w", ErrUnsupportedFormat, i, err)
			}
			table, err := buildSampleTable(trak)
			if err != nil {
				return err
			}
			s.hasAudio = true
			s.tables[i] = table
			s.audio = media.Track{
				Index:      i,
				Kind:       media.KindAudio,
				Codec:      codec,
				SampleRate: codec.SampleRate(),
				Channels:   codec.ChannelLayout().Count(),
				Duration:   table.Duration(),
			}
		}
	}

	if !foundVideo {
		return ErrNoVideoTrack
	}
	if s.video.Width <= 1 || s.video.Height <= 1 {
		return fmt.Errorf("%w: video is %dx%d", ErrUnsupportedFormat, s.video.Width, s.video.Height)
	}
	s.duration = max(s.video.Duration, s.audio.Duration)
	return nil
}

// applyProbe fills in bitrates and prefers the probed frame rate, which
// ignores edit-list padding.
func (s *Source) applyProbe(info *media.ProbeInfo) {
	s.info = info
	if v, ok := info.Stream("video"); ok {
		s.video.Bitrate = v.Bitrate
		if v.FrameRate > 0 {
			s.video.FrameRate = v.FrameRate
		}
	}
	if a, ok := info.Stream("audio"); ok && s.hasAudio {
		s.audio.Bitrate = a.Bitrate
	}
	if s.duration <= 0 {
		s.duration = info.Duration
	}
}

// Path returns the source file path.
func (s *Source) Path() string { return s.path }

// MIME returns the detected container type.
func (s *Source) MIME() string { return s.mime }

// Video returns the selected video track.
func (s *Source) Video() media.Track { return s.video }

// Audio returns the selected audio track and whether the source has one.
func (s *Source) Audio() (media.Track, bool) { return s.audio, s.hasAudio }

// Duration returns the length of the longest selected track.
func (s *Source) Duration() time.Duration { return s.duration }

// Info returns the probed container metadata, or nil when probing was skipped.
func (s *Source) Info() *media.ProbeInfo { return s.info }

// SampleCount returns the number of samples in the given track.
func (s *Source) SampleCount(track media.Track) int {
	if t, ok := s.tables[track.Index]; ok {
		return len(t.entries)
	}
	return 0
}

// Reader opens a lazy, single-pass reader over one track. Every reader has
// its own file handle, so readers of different tracks can be consumed
// concurrently.
func (s *Source) Reader(track media.Track) (media.SampleReader, error) {
	table, ok := s.tables[track.Index]
	if !ok {
		return nil, fmt.Errorf("%w: track %d not selected", ErrUnreadable, track.Index)
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadable, err)
	}
	return &trackReader{f: f, table: table, track: track}, nil
}

// Close releases the source.
func (s *Source) Close() error {
	return nil
}

// trackReader reads the samples of one track in decode order.
type trackReader struct {
	f     *os.File
	table *sampleTable
	track media.Track
	next  int
}

func (r *trackReader) ReadSample() (media.Sample, error) {
	if r.next >= len(r.table.entries) {
		return media.Sample{}, io.EOF
	}
	e := r.table.entries[r.next]
	data := make([]byte, e.size)
	if _, err := r.f.ReadAt(data, e.offset); err != nil {
		return media.Sample{}, fmt.Errorf("%w: %v sample %d at offset %d: %w",
			ErrUnreadable, r.track.Kind, r.next, e.offset, err)
	}
	r.next++

	return media.Sample{
		TrackIndex:         r.track.Index,
		PresentationTimeUs: r.table.toTime(e.dts + e.cts - r.table.start).Microseconds(),
		DecodeTimeUs:       r.table.toTime(e.dts - r.table.start).Microseconds(),
		Data:               data,
		IsKeyFrame:         e.key,
	}, nil
}

func (r *trackReader) Close() error {
	return r.f.Close()
}
