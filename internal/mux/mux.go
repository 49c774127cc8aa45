// Package mux interleaves encoded tracks into an MPEG-4 file. Output is
// written to a temporary file next to the destination and only renamed into
// place by Commit, so a failed run never leaves a partial file at the
// destination path.
package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/format/mp4"

	"github.com/maauso/speedcut/internal/media"
)

// Static errors for muxing.
var (
	// ErrNoCodec is returned when the first sample of a track carries no codec data.
	ErrNoCodec = errors.New("mux: first sample has no codec data")
	// ErrNoTracks is returned when every input ended without producing a sample.
	ErrNoTracks = errors.New("mux: no samples to write")
	// ErrNonMonotonic is returned when a track's timestamps go backwards.
	ErrNonMonotonic = errors.New("mux: timestamps go backwards")
	// ErrFinished is returned when the muxer is used after Commit or Abort.
	ErrFinished = errors.New("mux: already finished")
)

// TrackStats summarizes what was written for one input.
type TrackStats struct {
	Kind    media.Kind
	Samples int
	Bytes   int64
	FirstUs int64
	LastUs  int64
}

// Option configures a Muxer.
type Option func(*Muxer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Muxer) { m.logger = l }
}

// Muxer writes one MPEG-4 file.
type Muxer struct {
	path   string
	tmp    string
	f      *os.File
	w      *mp4.Muxer
	logger *slog.Logger

	header   bool
	finished bool
	stats    []TrackStats
}

// Create opens a temporary file in the directory of path.
func Create(path string, opts ...Option) (*Muxer, error) {
	m := &Muxer{path: path}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}

	f, err := os.CreateTemp(filepath.Dir(path), ".speedcut-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create output: %w", err)
	}
	m.f = f
	m.tmp = f.Name()
	m.w = mp4.NewMuxer(f)
	return m, nil
}

// Path returns the final destination.
func (m *Muxer) Path() string { return m.path }

// Stats returns per-input statistics, in input order. Inputs that produced
// no samples have a zero Samples count.
func (m *Muxer) Stats() []TrackStats {
	out := make([]TrackStats, len(m.stats))
	copy(out, m.stats)
	return out
}

// lane is one input channel with its lookahead sample.
type lane struct {
	in     <-chan media.Sample
	head   media.Sample
	ok     bool
	stream int8
	lastUs int64
	stat   *TrackStats
}

// Run consumes every input until all are closed, writing samples in
// timestamp order. Each input must start with a sample carrying codec data.
// Run must be called once, and is the only writer of the file.
func (m *Muxer) Run(ctx context.Context, inputs ...<-chan media.Sample) error {
	if m.finished {
		return ErrFinished
	}
	if m.header {
		return errors.New("mux: Run called twice")
	}

	m.stats = make([]TrackStats, len(inputs))
	lanes := make([]*lane, 0, len(inputs))
	var codecs []av.CodecData

	for i, in := range inputs {
		l := &lane{in: in, stat: &m.stats[i]}
		if err := l.advance(ctx); err != nil {
			return err
		}
		if !l.ok {
			m.logger.Warn("input produced no samples", slog.Int("input", i))
			continue
		}
		if l.head.Codec == nil {
			return fmt.Errorf("%w: input %d", ErrNoCodec, i)
		}
		l.stream = int8(len(codecs))
		l.stat.Kind = kindOf(l.head.Codec)
		l.stat.FirstUs = l.head.PresentationTimeUs
		l.lastUs = l.head.PresentationTimeUs
		codecs = append(codecs, l.head.Codec)
		lanes = append(lanes, l)
	}
	if len(lanes) == 0 {
		return ErrNoTracks
	}

	if err := m.w.WriteHeader(codecs); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	m.header = true

	for {
		var next *lane
		for _, l := range lanes {
			if l.ok && (next == nil || l.head.DecodeTimeUs < next.head.DecodeTimeUs) {
				next = l
			}
		}
		if next == nil {
			break
		}

		s := next.head
		if s.PresentationTimeUs < next.lastUs {
			return fmt.Errorf("%w: %v sample at %dus after %dus",
				ErrNonMonotonic, next.stat.Kind, s.PresentationTimeUs, next.lastUs)
		}
		pkt := av.Packet{
			Idx:        next.stream,
			IsKeyFrame: s.IsKeyFrame,
			Time:       time.Duration(s.DecodeTimeUs) * time.Microsecond,
			Data:       s.Data,
		}
		pkt.CompositionTime = time.Duration(s.PresentationTimeUs-s.DecodeTimeUs) * time.Microsecond
		if err := m.w.WritePacket(pkt); err != nil {
			return fmt.Errorf("write %v packet: %w", next.stat.Kind, err)
		}
		next.lastUs = s.PresentationTimeUs
		next.stat.Samples++
		next.stat.Bytes += int64(len(s.Data))
		next.stat.LastUs = s.PresentationTimeUs

		if err := next.advance(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (l *lane) advance(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s, ok := <-l.in:
		l.head, l.ok = s, ok
		return nil
	}
}

func kindOf(codec av.CodecData) media.Kind {
	if codec.Type().IsAudio() {
		return media.KindAudio
	}
	return media.KindVideo
}

// Commit finalizes the container and moves it to the destination path.
func (m *Muxer) Commit() error {
	if m.finished {
		return ErrFinished
	}
	if !m.header {
		_ = m.Abort()
		return ErrNoTracks
	}
	m.finished = true

	if err := m.w.WriteTrailer(); err != nil {
		m.discard()
		return fmt.Errorf("write trailer: %w", err)
	}
	if err := m.f.Sync(); err != nil {
		m.discard()
		return fmt.Errorf("sync output: %w", err)
	}
	if err := m.f.Close(); err != nil {
		_ = os.Remove(m.tmp)
		return fmt.Errorf("close output: %w", err)
	}
	if err := os.Rename(m.tmp, m.path); err != nil {
		_ = os.Remove(m.tmp)
		return fmt.Errorf("move output into place: %w", err)
	}

	m.logger.Info("output written", slog.String("path", m.path), slog.Int("tracks", len(m.stats)))
	return nil
}

// Abort discards the temporary file. It is safe to call after Commit.
func (m *Muxer) Abort() error {
	if m.finished {
		return nil
	}
	m.finished = true
	m.discard()
	return nil
}

func (m *Muxer) discard() {
	_ = m.f.Close()
	if err := os.Remove(m.tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("failed to remove temporary output", slog.String("path", m.tmp), slog.String("error", err.Error()))
	}
}
