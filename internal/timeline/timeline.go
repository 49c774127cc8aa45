// Package timeline turns a list of speed segments into a normalized, contiguous
// mapping from source time to output time.
package timeline

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Static errors for segment validation.
var (
	// ErrInvalidSpeed is returned when a segment speed is not a finite number greater than zero.
	ErrInvalidSpeed = errors.New("timeline: speed must be finite and greater than zero")
	// ErrInvalidRange is returned when a segment bound is not finite or its end precedes its start.
	ErrInvalidRange = errors.New("timeline: segment end must not precede its start")
	// ErrInvalidDuration is returned when the source duration is negative or not finite.
	ErrInvalidDuration = errors.New("timeline: source duration must be finite and non-negative")
	// ErrLengthMismatch is returned when parallel start/end/speed arrays differ in length.
	ErrLengthMismatch = errors.New("timeline: start, end and speed lists must have the same length")
)

// Segment is a half-open source range [Start, End) in seconds played back at Speed.
// Speed 2.0 plays twice as fast, 0.5 plays at half speed.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Speed float64 `json:"speed"`
}

// Duration returns the source length of the segment in seconds.
func (s Segment) Duration() float64 {
	return s.End - s.Start
}

// OutputDuration returns how long the segment lasts once retimed.
func (s Segment) OutputDuration() float64 {
	return (s.End - s.Start) / s.Speed
}

// Validate reports the first malformed segment in segs.
func Validate(segs []Segment) error {
	for i, s := range segs {
		if math.IsNaN(s.Speed) || math.IsInf(s.Speed, 0) || s.Speed <= 0 {
			return fmt.Errorf("%w: segment %d has speed %v", ErrInvalidSpeed, i, s.Speed)
		}
		if !finite(s.Start) || !finite(s.End) {
			return fmt.Errorf("%w: segment %d has non-finite bounds [%v, %v]", ErrInvalidRange, i, s.Start, s.End)
		}
		if s.End < s.Start {
			return fmt.Errorf("%w: segment %d is [%v, %v]", ErrInvalidRange, i, s.Start, s.End)
		}
	}
	return nil
}

// FromParallel builds segments from the parallel start/end/speed arrays used at
// the native boundary.
func FromParallel(starts, ends, speeds []float32) ([]Segment, error) {
	if len(starts) != len(ends) || len(starts) != len(speeds) {
		return nil, fmt.Errorf("%w: got %d/%d/%d", ErrLengthMismatch, len(starts), len(ends), len(speeds))
	}
	segs := make([]Segment, len(starts))
	for i := range starts {
		segs[i] = Segment{
			Start: float64(starts[i]),
			End:   float64(ends[i]),
			Speed: float64(speeds[i]),
		}
	}
	return segs, nil
}

// Timeline is an ordered, gap-free list of segments covering [0, Duration)
// together with the cumulative output time at every segment start.
// A Timeline is immutable and safe for concurrent use.
type Timeline struct {
	segments    []Segment
	outStart    []float64
	duration    float64
	outDuration float64
}

// Normalize validates segs and resolves them against a source of the given
// duration. Ranges are clipped to [0, duration], empty ranges are dropped,
// gaps play at speed 1.0 and, where segments overlap, the one listed last wins.
// Neighbouring pieces with equal speed are merged.
func Normalize(segs []Segment, duration float64) (*Timeline, error) {
	if !finite(duration) || duration < 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDuration, duration)
	}
	if err := Validate(segs); err != nil {
		return nil, err
	}

	clipped := make([]Segment, 0, len(segs))
	for _, s := range segs {
		s.Start = clamp(s.Start, 0, duration)
		s.End = clamp(s.End, 0, duration)
		if s.End <= s.Start {
			continue
		}
		clipped = append(clipped, s)
	}

	if duration == 0 {
		return &Timeline{}, nil
	}

	points := make([]float64, 0, 2*len(clipped)+2)
	points = append(points, 0, duration)
	for _, s := range clipped {
		points = append(points, s.Start, s.End)
	}
	sort.Float64s(points)
	points = dedupe(points)

	pieces := make([]Segment, 0, len(points)-1)
	for i := 0; i+1 < len(points); i++ {
		a, b := points[i], points[i+1]
		mid := a + (b-a)/2
		speed := 1.0
		for j := len(clipped) - 1; j >= 0; j-- {
			if clipped[j].Start <= mid && mid < clipped[j].End {
				speed = clipped[j].Speed
				break
			}
		}
		if n := len(pieces); n > 0 && pieces[n-1].Speed == speed {
			pieces[n-1].End = b
			continue
		}
		pieces = append(pieces, Segment{Start: a, End: b, Speed: speed})
	}

	return build(pieces, duration), nil
}

// Identity returns a timeline that leaves every timestamp unchanged.
func Identity(duration float64) *Timeline {
	if duration <= 0 || !finite(duration) {
		return &Timeline{}
	}
	return build([]Segment{{Start: 0, End: duration, Speed: 1}}, duration)
}

func build(pieces []Segment, duration float64) *Timeline {
	tl := &Timeline{
		segments: pieces,
		outStart: make([]float64, len(pieces)),
		duration: duration,
	}
	acc := 0.0
	for i, p := range pieces {
		tl.outStart[i] = acc
		acc += p.OutputDuration()
	}
	tl.outDuration = acc
	return tl
}

// Segments returns a copy of the normalized segments.
func (tl *Timeline) Segments() []Segment {
	out := make([]Segment, len(tl.segments))
	copy(out, tl.segments)
	return out
}

// Duration returns the source duration the timeline covers.
func (tl *Timeline) Duration() float64 {
	return tl.duration
}

// OutputDuration returns the retimed length of the whole source.
func (tl *Timeline) OutputDuration() float64 {
	return tl.outDuration
}

// SpeedAt returns the playback speed at source time t.
// Outside the covered range the speed is 1.0.
func (tl *Timeline) SpeedAt(t float64) float64 {
	if i := tl.indexAt(t); i >= 0 {
		return tl.segments[i].Speed
	}
	return 1
}

// OutputTime maps a source timestamp in seconds to its output timestamp.
// The mapping is continuous and strictly increasing, with OutputTime(0) == 0.
// Beyond the covered range it continues at speed 1.0.
func (tl *Timeline) OutputTime(t float64) float64 {
	if t <= 0 {
		return t
	}
	if t >= tl.duration {
		return tl.outDuration + (t - tl.duration)
	}
	i := tl.indexAt(t)
	s := tl.segments[i]
	return tl.outStart[i] + (t-s.Start)/s.Speed
}

// SourceTime is the inverse of OutputTime.
func (tl *Timeline) SourceTime(o float64) float64 {
	if o <= 0 {
		return o
	}
	if o >= tl.outDuration {
		return tl.duration + (o - tl.outDuration)
	}
	i := sort.Search(len(tl.segments), func(i int) bool {
		return tl.outStart[i]+tl.segments[i].OutputDuration() > o
	})
	if i == len(tl.segments) {
		return tl.duration
	}
	s := tl.segments[i]
	return s.Start + (o-tl.outStart[i])*s.Speed
}

// OutputTimeUs is OutputTime for microsecond timestamps.
func (tl *Timeline) OutputTimeUs(us int64) int64 {
	return int64(math.Round(tl.OutputTime(float64(us)/1e6) * 1e6))
}

// SourceTimeUs is SourceTime for microsecond timestamps.
func (tl *Timeline) SourceTimeUs(us int64) int64 {
	return int64(math.Round(tl.SourceTime(float64(us)/1e6) * 1e6))
}

func (tl *Timeline) indexAt(t float64) int {
	if t < 0 || t >= tl.duration || len(tl.segments) == 0 {
		return -1
	}
	i := sort.Search(len(tl.segments), func(i int) bool {
		return tl.segments[i].End > t
	})
	if i == len(tl.segments) {
		return len(tl.segments) - 1
	}
	return i
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func dedupe(sorted []float64) []float64 {
	out := sorted[:0]
	for i, v := range sorted {
		if i == 0 || v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
