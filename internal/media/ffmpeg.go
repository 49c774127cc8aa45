package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/nareix/joy4/av"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// FFmpeg implements Codecs by running one ffmpeg process per stage and
// streaming data through its stdin and stdout.
type FFmpeg struct {
	// ffmpegPath is the path to the ffmpeg binary. Defaults to "ffmpeg".
	ffmpegPath   string
	videoCodec   string
	videoPreset  string
	videoBitrate int64
	audioBitrate int64
	logger       *slog.Logger
}

// Option configures an FFmpeg.
type Option func(*FFmpeg)

// WithVideoCodec sets the ffmpeg H.264 encoder. Default: libx264.
func WithVideoCodec(codec string) Option {
	return func(f *FFmpeg) { f.videoCodec = codec }
}

// WithVideoPreset sets the encoder preset. Default: veryfast.
func WithVideoPreset(preset string) Option {
	return func(f *FFmpeg) { f.videoPreset = preset }
}

// WithVideoBitrate fixes the video bitrate in bits per second. When zero the
// source track bitrate is used, and if that is unknown the encoder's
// quality-based default applies.
func WithVideoBitrate(bps int64) Option {
	return func(f *FFmpeg) { f.videoBitrate = bps }
}

// WithAudioBitrate sets the AAC bitrate in bits per second. Default: 128000.
func WithAudioBitrate(bps int64) Option {
	return func(f *FFmpeg) { f.audioBitrate = bps }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *FFmpeg) { f.logger = l }
}

// NewFFmpeg creates a new FFmpeg.
// If ffmpegPath is empty, it defaults to "ffmpeg" (found via PATH).
func NewFFmpeg(ffmpegPath string, opts ...Option) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	f := &FFmpeg{
		ffmpegPath:   ffmpegPath,
		videoCodec:   "libx264",
		videoPreset:  "veryfast",
		audioBitrate: 128000,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	return f
}

// NewDecoder starts a decoder for the track.
func (f *FFmpeg) NewDecoder(ctx context.Context, track Track) (Decoder, error) {
	var (
		d   Decoder
		err error
	)
	switch track.Codec.Type() {
	case av.H264:
		d, err = newVideoDecoder(ctx, f, track)
	case av.AAC:
		d, err = newAudioDecoder(ctx, f, track)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedCodec, track.Codec.Type())
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// NewEncoder starts an encoder producing a stream shaped like track.
func (f *FFmpeg) NewEncoder(ctx context.Context, track Track) (Encoder, error) {
	var (
		e   Encoder
		err error
	)
	switch track.Kind {
	case KindVideo:
		e, err = newVideoEncoder(ctx, f, track)
	case KindAudio:
		e, err = newAudioEncoder(ctx, f, track)
	default:
		return nil, fmt.Errorf("%w: track kind %v", ErrUnsupportedCodec, track.Kind)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// args renders an ffmpeg-go stream graph reading from stdin and writing to
// stdout into a command line.
func (f *FFmpeg) args(in, out ffmpeg.KwArgs) []string {
	return ffmpeg.Input("pipe:0", in).
		Output("pipe:1", out).
		GlobalArgs("-hide_banner", "-loglevel", "error", "-nostats").
		GetArgs()
}

// process is a running ffmpeg with piped stdin and stdout.
type process struct {
	cmd    *exec.Cmd
	args   []string
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *bytes.Buffer
	ctx    context.Context

	closeIn  sync.Once
	waitOnce sync.Once
	waitErr  error
}

// start launches ffmpeg. The process is killed when ctx is cancelled.
func (f *FFmpeg) start(ctx context.Context, args []string) (*process, error) {
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, f.ffmpegPath, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	p := &process{
		cmd:    cmd,
		args:   args,
		stdin:  stdin,
		stdout: stdout,
		stderr: &bytes.Buffer{},
		ctx:    ctx,
	}
	cmd.Stderr = &limitedWriter{buf: p.stderr, max: 64 << 10}

	if err := cmd.Start(); err != nil {
		return nil, &FFmpegError{Args: args, Err: err}
	}
	f.logger.Debug("ffmpeg started", slog.Int("pid", cmd.Process.Pid), slog.Any("args", args))
	return p, nil
}

func (p *process) write(b []byte) error {
	if _, err := p.stdin.Write(b); err != nil {
		if p.ctx.Err() != nil {
			return fmt.Errorf("ffmpeg cancelled: %w", p.ctx.Err())
		}
		if errors.Is(err, os.ErrClosed) {
			return ErrClosed
		}
		// The process exited early; its exit status explains why.
		if werr := p.wait(); werr != nil {
			return werr
		}
		return &FFmpegError{Args: p.args, Stderr: p.stderr.String(), Err: err}
	}
	return nil
}

func (p *process) closeInput() error {
	var err error
	p.closeIn.Do(func() { err = p.stdin.Close() })
	return err
}

// wait reaps the process once and maps a failure to an FFmpegError.
func (p *process) wait() error {
	p.waitOnce.Do(func() {
		_ = p.closeInput()
		err := p.cmd.Wait()
		switch {
		case err == nil:
		case p.ctx.Err() != nil:
			p.waitErr = fmt.Errorf("ffmpeg cancelled: %w", p.ctx.Err())
		default:
			p.waitErr = &FFmpegError{Args: p.args, Stderr: p.stderr.String(), Err: err}
		}
	})
	return p.waitErr
}

// kill stops the process if it is still running and reaps it.
func (p *process) kill() error {
	_ = p.closeInput()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.wait()
	return nil
}

// FFmpegError represents an error from running ffmpeg, including the stderr output.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}

// limitedWriter keeps the first max bytes written to it.
type limitedWriter struct {
	mu  sync.Mutex
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if room := w.max - w.buf.Len(); room > 0 {
		if len(b) > room {
			w.buf.Write(b[:room])
		} else {
			w.buf.Write(b)
		}
	}
	return len(b), nil
}
