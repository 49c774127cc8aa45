// Package audio provides pitch-preserving time-stretching of interleaved PCM.
package audio

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Static errors for the stretcher.
var (
	// ErrInvalidFormat is returned when the channel count or sample rate is not positive.
	ErrInvalidFormat = errors.New("audio: channels and sample rate must be positive")
	// ErrUnalignedSamples is returned when a PCM buffer does not hold whole frames.
	ErrUnalignedSamples = errors.New("audio: sample count is not a multiple of the channel count")
	// ErrFlushed is returned when writing to a stretcher that has already been flushed.
	ErrFlushed = errors.New("audio: stretcher already flushed")
)

// TimeMap relates positions in the input and output streams, both measured in
// samples per channel from the first input sample. Both directions must be
// non-decreasing and must be inverses of each other.
type TimeMap interface {
	// InputPosition returns the input position that should be heard at output position out.
	InputPosition(out float64) float64
	// OutputPosition returns the output position at which input position in is heard.
	OutputPosition(in float64) float64
}

// ConstantRate is a TimeMap that plays the whole stream at one speed.
type ConstantRate float64

// InputPosition implements TimeMap.
func (r ConstantRate) InputPosition(out float64) float64 { return out * float64(r) }

// OutputPosition implements TimeMap.
func (r ConstantRate) OutputPosition(in float64) float64 { return in / float64(r) }

// Options configures a Stretcher.
type Options struct {
	// Window is the analysis frame length. Default: 40ms.
	Window time.Duration
	// Search is how far a frame may be shifted to line up with its
	// predecessor. Default: 10ms.
	Search time.Duration
}

// DefaultOptions returns the default stretcher options.
func DefaultOptions() Options {
	return Options{
		Window: 40 * time.Millisecond,
		Search: 10 * time.Millisecond,
	}
}

// Stretcher changes the tempo of a PCM stream without changing its pitch,
// using waveform-similarity overlap-add (WSOLA). The tempo may vary over the
// stream as described by a TimeMap.
//
// Input is pushed with Write, finished output is pulled with Read, and Flush
// drains the tail. The total output length is OutputPosition(total input)
// rounded to the nearest sample. A Stretcher is not safe for concurrent use.
type Stretcher struct {
	channels int
	tm       TimeMap

	n      int // frame length, even
	hs     int // synthesis hop, n/2
	delta  int // search radius
	window []float64

	in      [][]float64 // per-channel input, in[c][0] is absolute index inBase
	mono    []float64
	inBase  int64
	inTotal int64

	acc     [][]float64 // overlap-add accumulator covering [k*hs, k*hs+n)
	k       int64       // next frame
	prevA   int64
	hasPrev bool

	emitted int64
	limit   int64 // finalized samples are never emitted at or past limit
	ready   []int16
	flushed bool
}

// NewStretcher creates a stretcher for interleaved PCM with the given layout.
func NewStretcher(channels, sampleRate int, tm TimeMap, opts Options) (*Stretcher, error) {
	if channels <= 0 || sampleRate <= 0 {
		return nil, fmt.Errorf("%w: channels=%d, rate=%d", ErrInvalidFormat, channels, sampleRate)
	}
	def := DefaultOptions()
	if opts.Window <= 0 {
		opts.Window = def.Window
	}
	if opts.Search < 0 {
		opts.Search = def.Search
	}

	hs := int(math.Round(opts.Window.Seconds() * float64(sampleRate) / 2))
	if hs < 1 {
		hs = 1
	}
	n := 2 * hs

	s := &Stretcher{
		channels: channels,
		tm:       tm,
		n:        n,
		hs:       hs,
		delta:    int(math.Round(opts.Search.Seconds() * float64(sampleRate))),
		window:   hann(n),
		in:       make([][]float64, channels),
		acc:      make([][]float64, channels),
		k:        -1,
		limit:    math.MaxInt64,
	}
	for c := range s.acc {
		s.acc[c] = make([]float64, n)
	}
	return s, nil
}

// Write appends interleaved samples and synthesizes every frame whose input
// is now complete.
func (s *Stretcher) Write(pcm []int16) error {
	if s.flushed {
		return ErrFlushed
	}
	if len(pcm)%s.channels != 0 {
		return fmt.Errorf("%w: %d samples, %d channels", ErrUnalignedSamples, len(pcm), s.channels)
	}

	frames := len(pcm) / s.channels
	for i := 0; i < frames; i++ {
		sum := 0.0
		for c := 0; c < s.channels; c++ {
			v := float64(pcm[i*s.channels+c])
			s.in[c] = append(s.in[c], v)
			sum += v
		}
		s.mono = append(s.mono, sum/float64(s.channels))
	}
	s.inTotal += int64(frames)

	// Everything up to the output position of the input seen so far is
	// certain to be part of the final stream.
	safe := int64(math.Floor(s.tm.OutputPosition(float64(s.inTotal))))
	for (s.k+1)*int64(s.hs) <= safe {
		if !s.synthesize(false) {
			break
		}
	}
	return nil
}

// Read returns and clears the finished interleaved output.
func (s *Stretcher) Read() []int16 {
	out := s.ready
	s.ready = nil
	return out
}

// Flush ends the input, synthesizes the remaining output and returns it.
func (s *Stretcher) Flush() []int16 {
	if !s.flushed {
		s.flushed = true
		s.limit = int64(math.Round(s.tm.OutputPosition(float64(s.inTotal))))
		for s.k*int64(s.hs) < s.limit {
			s.synthesize(true)
		}
	}
	return s.Read()
}

// Emitted returns how many samples per channel have been produced so far.
func (s *Stretcher) Emitted() int64 {
	return s.emitted
}

// synthesize overlap-adds frame k. Unless final is set it declines when the
// input needed for the frame has not arrived yet.
func (s *Stretcher) synthesize(final bool) bool {
	hs := int64(s.hs)
	outPos := s.k * hs
	p := int64(math.Floor(s.tm.InputPosition(float64(outPos)) + 0.5))
	if !final && p+int64(s.delta)+int64(s.n) > s.inTotal {
		return false
	}

	a := p
	if s.hasPrev && s.delta > 0 {
		a = p + int64(s.bestOffset(s.prevA+hs, p))
	}

	for c := 0; c < s.channels; c++ {
		acc := s.acc[c]
		for i := 0; i < s.n; i++ {
			acc[i] += s.window[i] * s.sample(c, a+int64(i))
		}
	}

	s.finalize(outPos)

	s.prevA = a
	s.hasPrev = true
	s.k++
	s.trim(min(a+hs, p-int64(s.delta)) - hs)
	return true
}

// finalize moves the first hop of the accumulator, which no later frame
// touches, to the ready queue.
func (s *Stretcher) finalize(outPos int64) {
	for i := 0; i < s.hs; i++ {
		idx := outPos + int64(i)
		if idx < 0 {
			continue
		}
		if idx >= s.limit {
			break
		}
		for c := 0; c < s.channels; c++ {
			s.ready = append(s.ready, toInt16(s.acc[c][i]))
		}
		s.emitted++
	}
	for c := 0; c < s.channels; c++ {
		acc := s.acc[c]
		copy(acc, acc[s.hs:])
		clear(acc[s.n-s.hs:])
	}
}

// bestOffset finds the shift of the frame near p whose opening hop best
// matches the natural continuation of the previous frame. Ties go to the
// smaller shift.
func (s *Stretcher) bestOffset(natural, p int64) int {
	ref := make([]float64, s.hs)
	refEnergy := 0.0
	for i := range ref {
		ref[i] = s.monoAt(natural + int64(i))
		refEnergy += ref[i] * ref[i]
	}
	if refEnergy == 0 {
		return 0
	}

	span := make([]float64, 2*s.delta+s.hs)
	for i := range span {
		span[i] = s.monoAt(p - int64(s.delta) + int64(i))
	}

	tol := 1e-9 * math.Sqrt(refEnergy)
	best, bestScore := 0, math.Inf(-1)
	for d := -s.delta; d <= s.delta; d++ {
		cand := span[d+s.delta : d+s.delta+s.hs]
		dot, energy := 0.0, 0.0
		for i := 0; i < s.hs; i += 2 {
			dot += ref[i] * cand[i]
			energy += cand[i] * cand[i]
		}
		score := 0.0
		if energy > 0 {
			score = dot / math.Sqrt(energy)
		}
		if score > bestScore+tol || (math.Abs(score-bestScore) <= tol && abs(d) < abs(best)) {
			best, bestScore = d, score
		}
	}
	return best
}

func (s *Stretcher) sample(c int, idx int64) float64 {
	if idx < s.inBase || idx >= s.inTotal {
		return 0
	}
	return s.in[c][idx-s.inBase]
}

func (s *Stretcher) monoAt(idx int64) float64 {
	if idx < s.inBase || idx >= s.inTotal {
		return 0
	}
	return s.mono[idx-s.inBase]
}

// trim discards input before absolute index lo.
func (s *Stretcher) trim(lo int64) {
	drop := lo - s.inBase
	if drop <= 0 {
		return
	}
	if have := int64(len(s.mono)); drop > have {
		drop = have
	}
	for c := range s.in {
		s.in[c] = append(s.in[c][:0], s.in[c][drop:]...)
	}
	s.mono = append(s.mono[:0], s.mono[drop:]...)
	s.inBase += drop
}

// hann returns a periodic Hann window; two copies offset by n/2 sum to one.
func hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}

func toInt16(v float64) int16 {
	v = math.Round(v)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
