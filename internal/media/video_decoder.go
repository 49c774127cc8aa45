package media

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/nareix/joy4/codec/h264parser"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// videoDecoder decodes an H.264 track to yuv420p frames. Odd picture sizes
// are cropped to the nearest even size.
type videoDecoder struct {
	p     *process
	track Track
	codec h264parser.CodecData
	size  int

	mu      sync.Mutex
	pending ptsHeap
}

func newVideoDecoder(ctx context.Context, f *FFmpeg, track Track) (*videoDecoder, error) {
	codec, ok := track.Codec.(h264parser.CodecData)
	if !ok {
		return nil, fmt.Errorf("%w: video track %d is %v", ErrUnsupportedCodec, track.Index, track.Codec.Type())
	}
	if track.Width <= 1 || track.Height <= 1 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, track.Width, track.Height)
	}

	args := f.args(
		ffmpeg.KwArgs{"f": "h264"},
		ffmpeg.KwArgs{
			"vf":       "crop=trunc(iw/2)*2:trunc(ih/2)*2",
			"fps_mode": "passthrough",
			"f":        "rawvideo",
			"pix_fmt":  "yuv420p",
		},
	)
	p, err := f.start(ctx, args)
	if err != nil {
		return nil, err
	}

	out := track
	out.Width, out.Height = EvenSize(track.Width, track.Height)
	return &videoDecoder{
		p:     p,
		track: track,
		codec: codec,
		size:  out.FrameSize(),
	}, nil
}

// EvenSize rounds a picture size down to even dimensions, as required by
// 4:2:0 encoders.
func EvenSize(w, h int) (int, int) {
	return w &^ 1, h &^ 1
}

func (d *videoDecoder) Decode(s Sample) error {
	data, err := avccToAnnexB(s.Data, d.codec, s.IsKeyFrame)
	if err != nil {
		return err
	}

	d.mu.Lock()
	heap.Push(&d.pending, s.PresentationTimeUs)
	d.mu.Unlock()

	if err := d.p.write(data); err != nil {
		d.mu.Lock()
		d.pending.remove(s.PresentationTimeUs)
		d.mu.Unlock()
		return err
	}
	return nil
}

func (d *videoDecoder) CloseInput() error {
	return d.p.closeInput()
}

// ReadFrame returns decoded pictures in presentation order. Each picture takes
// the earliest presentation time still outstanding.
func (d *videoDecoder) ReadFrame() (Frame, error) {
	buf := make([]byte, d.size)
	if _, err := io.ReadFull(d.p.stdout, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if werr := d.p.wait(); werr != nil {
				return Frame{}, werr
			}
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("read decoded frame: %w", err)
	}

	d.mu.Lock()
	var pts int64
	if d.pending.Len() > 0 {
		pts = heap.Pop(&d.pending).(int64)
	} else {
		pts = d.pending.last + int64(d.track.FrameInterval().Microseconds())
	}
	d.pending.last = pts
	d.mu.Unlock()

	return Frame{
		TrackIndex:     d.track.Index,
		Kind:           KindVideo,
		OriginalTimeUs: pts,
		RemappedTimeUs: pts,
		Data:           buf,
	}, nil
}

func (d *videoDecoder) Close() error {
	return d.p.kill()
}

// ptsHeap is a min-heap of presentation timestamps.
type ptsHeap struct {
	items []int64
	last  int64
}

func (h ptsHeap) Len() int           { return len(h.items) }
func (h ptsHeap) Less(i, j int) bool { return h.items[i] < h.items[j] }
func (h ptsHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *ptsHeap) Push(x any) { h.items = append(h.items, x.(int64)) }

func (h *ptsHeap) Pop() any {
	n := len(h.items)
	v := h.items[n-1]
	h.items = h.items[:n-1]
	return v
}

func (h *ptsHeap) remove(v int64) {
	for i, x := range h.items {
		if x == v {
			heap.Remove(h, i)
			return
		}
	}
}
