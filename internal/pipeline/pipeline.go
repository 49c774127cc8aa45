// Package pipeline runs one speed edit from source file to output file:
// demux, decode, remap, encode and mux, with a video and an audio track
// processed concurrently and joined at the muxer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maauso/speedcut/internal/audio"
	"github.com/maauso/speedcut/internal/demux"
	"github.com/maauso/speedcut/internal/media"
	"github.com/maauso/speedcut/internal/mux"
	"github.com/maauso/speedcut/internal/remap"
	"github.com/maauso/speedcut/internal/timeline"
)

// Source is an opened input file.
type Source interface {
	Video() media.Track
	Audio() (media.Track, bool)
	Duration() time.Duration
	Reader(track media.Track) (media.SampleReader, error)
	Close() error
}

// Opener opens the source file of a run.
type Opener func(ctx context.Context, path string) (Source, error)

// Observer receives state changes and progress of a run. Methods may be
// called from pipeline goroutines and must not block.
type Observer interface {
	OnState(s State)
	// OnProgress reports the fraction of the source decoded so far, 0..1.
	OnProgress(p float64)
}

// Request describes one speed edit.
type Request struct {
	Input    string
	Output   string
	Segments []timeline.Segment
}

// Result summarizes a successful run.
type Result struct {
	Output         string
	SourceDuration time.Duration
	OutputDuration time.Duration
	Segments       []timeline.Segment
	Video          remap.VideoStats
	Audio          remap.AudioStats
	HasAudio       bool
	Tracks         []mux.TrackStats
	Elapsed        time.Duration
}

// Runner executes requests. A Runner holds no per-run state and may be used
// for several runs, including concurrent runs on different output paths.
type Runner struct {
	codecs    media.Codecs
	open      Opener
	prober    demux.Prober
	observer  Observer
	logger    *slog.Logger
	audioOpts audio.Options
	queue     int
}

// Option configures a Runner.
type Option func(*Runner)

// WithCodecs sets the decoder and encoder factory. Default: ffmpeg from PATH.
func WithCodecs(c media.Codecs) Option {
	return func(r *Runner) { r.codecs = c }
}

// WithOpener replaces how sources are opened.
func WithOpener(o Opener) Option {
	return func(r *Runner) { r.open = o }
}

// WithProber sets the metadata prober used by the default opener.
// A nil prober skips probing.
func WithProber(p demux.Prober) Option {
	return func(r *Runner) { r.prober = p }
}

// WithObserver sets the observer notified of state and progress.
func WithObserver(o Observer) Option {
	return func(r *Runner) { r.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithAudioOptions sets the time-stretch parameters.
func WithAudioOptions(o audio.Options) Option {
	return func(r *Runner) { r.audioOpts = o }
}

// WithQueueSize sets how many encoded samples each track may buffer ahead
// of the muxer. Default: 32.
func WithQueueSize(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.queue = n
		}
	}
}

// NewRunner creates a Runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		prober:    media.NewProber(""),
		audioOpts: audio.DefaultOptions(),
		queue:     32,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.codecs == nil {
		r.codecs = media.NewFFmpeg("", media.WithLogger(r.logger))
	}
	if r.open == nil {
		r.open = r.openSource
	}
	return r
}

func (r *Runner) openSource(ctx context.Context, path string) (Source, error) {
	src, err := demux.Open(ctx, path, demux.WithProber(r.prober), demux.WithLogger(r.logger))
	if err != nil {
		return nil, err
	}
	return src, nil
}

// Run executes req. On failure it returns an *Error and guarantees that no
// file is left at req.Output, that every handle opened by the run is
// released, and that every stage goroutine has exited.
func (r *Runner) Run(ctx context.Context, req Request) (res *Result, err error) {
	started := time.Now()
	logger := r.logger.With(slog.String("input", req.Input), slog.String("output", req.Output))
	m := newMachine(r.notifyState)
	_ = m.transition(StateValidating)

	defer func() {
		if err == nil {
			return
		}
		if ctx.Err() != nil && KindOf(err) != Cancelled {
			err = &Error{Kind: Cancelled, Op: "run", Err: fmt.Errorf("%w: %w", ctx.Err(), err)}
		}
		final := StateFailed
		if KindOf(err) == Cancelled {
			final = StateCancelled
		}
		_ = m.transition(final)
		logger.Error("run failed",
			slog.String("kind", KindOf(err).String()),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(started)),
		)
	}()

	if err := validate(req); err != nil {
		return nil, wrap(InvalidArgument, "validate", err)
	}

	release, err := lockOutput(req.Output)
	if err != nil {
		return nil, wrap(InvalidArgument, "lock output", err)
	}
	defer release()
	// A failed run leaves nothing at the output path, not even an older result.
	defer func() {
		if err != nil {
			removeOutput(logger, req.Output)
		}
	}()

	src, err := r.open(ctx, req.Input)
	if err != nil {
		return nil, wrap(SourceUnreadable, "open source", err)
	}
	defer func() { _ = src.Close() }()

	tl, err := timeline.Normalize(req.Segments, src.Duration().Seconds())
	if err != nil {
		return nil, wrap(InvalidArgument, "plan segments", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, wrap(Cancelled, "start", err)
	}
	_ = m.transition(StateProcessing)
	logger.Info("processing started",
		slog.Int("segments", len(tl.Segments())),
		slog.Duration("source_duration", src.Duration()),
		slog.Float64("output_seconds", tl.OutputDuration()),
	)

	w, err := mux.Create(req.Output, mux.WithLogger(logger))
	if err != nil {
		return nil, wrap(MuxFinalizeFailure, "create output", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = w.Abort()
		}
	}()

	res = &Result{
		Output:         req.Output,
		SourceDuration: src.Duration(),
		OutputDuration: time.Duration(tl.OutputDuration() * float64(time.Second)),
		Segments:       tl.Segments(),
	}
	if err := r.process(ctx, src, tl, w, res); err != nil {
		return nil, err
	}

	_ = m.transition(StateFinalizing)
	if err := ctx.Err(); err != nil {
		return nil, wrap(Cancelled, "finalize", err)
	}
	if err := w.Commit(); err != nil {
		return nil, wrap(MuxFinalizeFailure, "finalize", err)
	}
	committed = true
	res.Tracks = w.Stats()
	res.Elapsed = time.Since(started)
	_ = m.transition(StateSucceeded)

	for i, s := range res.Segments {
		logger.Info("segment",
			slog.Int("index", i),
			slog.Float64("start", s.Start),
			slog.Float64("end", s.End),
			slog.Float64("speed", s.Speed),
			slog.Float64("seconds_in", s.Duration()),
			slog.Float64("seconds_out", s.OutputDuration()),
		)
	}
	logger.Info("run succeeded",
		slog.Int("frames_in", res.Video.In),
		slog.Int("frames_out", res.Video.Out),
		slog.Int("frames_dropped", res.Video.Dropped),
		slog.Int("frames_duplicated", res.Video.Duplicated),
		slog.Int64("audio_samples_in", res.Audio.InSamples),
		slog.Int64("audio_samples_out", res.Audio.OutSamples),
		slog.Duration("output_duration", res.OutputDuration),
		slog.Duration("elapsed", res.Elapsed),
	)
	return res, nil
}

func validate(req Request) error {
	if req.Input == "" || req.Output == "" {
		return fmt.Errorf("%w: input and output paths are required", ErrInvalidRequest)
	}
	if err := timeline.Validate(req.Segments); err != nil {
		return err
	}

	in, err := filepath.Abs(req.Input)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	out, err := filepath.Abs(req.Output)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if in == out {
		return fmt.Errorf("%w: output would overwrite the input", ErrInvalidRequest)
	}
	if ii, err := os.Stat(in); err == nil {
		if oi, err := os.Stat(out); err == nil && os.SameFile(ii, oi) {
			return fmt.Errorf("%w: output would overwrite the input", ErrInvalidRequest)
		}
	}

	dir, err := os.Stat(filepath.Dir(out))
	if err != nil || !dir.IsDir() {
		return fmt.Errorf("%w: output directory %s does not exist", ErrInvalidRequest, filepath.Dir(out))
	}
	if fi, err := os.Stat(out); err == nil && fi.IsDir() {
		return fmt.Errorf("%w: output %s is a directory", ErrInvalidRequest, out)
	}
	return nil
}

// removeOutput deletes whatever is at path. The caller holds the output lock.
func removeOutput(logger *slog.Logger, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to remove output of failed run",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Runner) notifyState(s State) {
	if r.observer != nil {
		r.observer.OnState(s)
	}
}

// process builds one stage chain per track and runs them with the muxer
// until every chain has drained or one of them fails.
func (r *Runner) process(ctx context.Context, src Source, tl *timeline.Timeline, w *mux.Muxer, res *Result) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	vtrack := src.Video()
	video := remap.NewVideo(tl, remap.DefaultVideoOptions(vtrack.FrameInterval()))
	progress := r.progressReporter(src.Duration())

	var stages []*trackStage
	defer func() {
		for _, s := range stages {
			s.close()
		}
	}()

	vs, err := r.newStage(gctx, src, vtrack, videoRemapper{video})
	if err != nil {
		return err
	}
	vs.onFrame = func(f media.Frame) { progress(f.OriginalTimeUs) }
	stages = append(stages, vs)

	var stretch *remap.Audio
	if atrack, ok := src.Audio(); ok {
		stretch, err = remap.NewAudio(tl, atrack, r.audioOpts)
		if err != nil {
			return wrap(UnsupportedFormat, "audio remapper", err)
		}
		as, err := r.newStage(gctx, src, atrack, stretch)
		if err != nil {
			return err
		}
		stages = append(stages, as)
	}

	inputs := make([]<-chan media.Sample, 0, len(stages))
	for _, s := range stages {
		s.out = make(chan media.Sample, r.queue)
		inputs = append(inputs, s.out)
		s.start(gctx, g)
	}
	g.Go(func() error {
		return wrap(MuxFinalizeFailure, "mux", w.Run(gctx, inputs...))
	})

	if err := g.Wait(); err != nil {
		return wrap(DecodeFailure, "process", err)
	}

	res.Video = video.Stats()
	if stretch != nil {
		res.HasAudio = true
		res.Audio = stretch.Stats()
	}
	if r.observer != nil {
		r.observer.OnProgress(1)
	}
	return nil
}

// progressReporter returns a callback that forwards decode progress to the
// observer in whole-percent steps.
func (r *Runner) progressReporter(total time.Duration) func(us int64) {
	if r.observer == nil || total <= 0 {
		return func(int64) {}
	}
	var mu sync.Mutex
	last := -1
	return func(us int64) {
		p := float64(us) / float64(total.Microseconds())
		p = min(max(p, 0), 1)
		pct := int(p * 100)

		mu.Lock()
		report := pct > last
		if report {
			last = pct
		}
		mu.Unlock()
		if report {
			r.observer.OnProgress(p)
		}
	}
}

// newStage opens the reader, decoder and encoder of one track.
func (r *Runner) newStage(ctx context.Context, src Source, track media.Track, rm frameRemapper) (*trackStage, error) {
	s := &trackStage{
		track:  track,
		rm:     rm,
		logger: r.logger.With(slog.String("track", track.Kind.String()), slog.Int("index", track.Index)),
	}

	var err error
	if s.reader, err = src.Reader(track); err != nil {
		return nil, wrap(SourceUnreadable, "open "+track.Kind.String()+" reader", err)
	}
	if s.dec, err = r.codecs.NewDecoder(ctx, track); err != nil {
		s.close()
		return nil, wrap(DecodeFailure, "start "+track.Kind.String()+" decoder", err)
	}
	if s.enc, err = r.codecs.NewEncoder(ctx, track); err != nil {
		s.close()
		return nil, wrap(EncodeFailure, "start "+track.Kind.String()+" encoder", err)
	}
	return s, nil
}
