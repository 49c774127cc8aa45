package remap

import (
	"fmt"

	"github.com/maauso/speedcut/internal/audio"
	"github.com/maauso/speedcut/internal/media"
	"github.com/maauso/speedcut/internal/timeline"
)

// timelineMap expresses a Timeline in samples counted from the first input
// sample, which plays at source time t0.
type timelineMap struct {
	tl   *timeline.Timeline
	t0   float64
	o0   float64
	rate float64
}

func newTimelineMap(tl *timeline.Timeline, t0 float64, rate int) timelineMap {
	return timelineMap{tl: tl, t0: t0, o0: tl.OutputTime(t0), rate: float64(rate)}
}

func (m timelineMap) InputPosition(out float64) float64 {
	return (m.tl.SourceTime(m.o0+out/m.rate) - m.t0) * m.rate
}

func (m timelineMap) OutputPosition(in float64) float64 {
	return (m.tl.OutputTime(m.t0+in/m.rate) - m.o0) * m.rate
}

// AudioStats counts samples per channel in and out of the audio remapper.
type AudioStats struct {
	InSamples  int64
	OutSamples int64
}

// Audio time-stretches decoded PCM along the timeline. Frames must be fed in
// order and are treated as one contiguous stream. An Audio is not safe for
// concurrent use.
type Audio struct {
	tl    *timeline.Timeline
	track media.Track
	opts  audio.Options

	st      *audio.Stretcher
	startUs int64
	stats   AudioStats
}

// NewAudio creates an audio remapper for a track's decoded PCM layout.
func NewAudio(tl *timeline.Timeline, track media.Track, opts audio.Options) (*Audio, error) {
	if track.SampleRate <= 0 || track.Channels <= 0 {
		return nil, fmt.Errorf("%w: rate=%d channels=%d", audio.ErrInvalidFormat, track.SampleRate, track.Channels)
	}
	return &Audio{tl: tl, track: track, opts: opts}, nil
}

// Remap feeds one PCM frame and returns whatever stretched audio is complete.
func (a *Audio) Remap(f media.Frame) ([]media.Frame, error) {
	if a.st == nil {
		tm := newTimelineMap(a.tl, float64(f.OriginalTimeUs)/1e6, a.track.SampleRate)
		st, err := audio.NewStretcher(a.track.Channels, a.track.SampleRate, tm, a.opts)
		if err != nil {
			return nil, err
		}
		a.st = st
		a.startUs = a.tl.OutputTimeUs(f.OriginalTimeUs)
	}
	if err := a.st.Write(f.PCM); err != nil {
		return nil, err
	}
	a.stats.InSamples += int64(len(f.PCM) / a.track.Channels)
	return a.frames(a.st.Read()), nil
}

// Flush drains the stretcher. No frames may be fed afterwards.
func (a *Audio) Flush() []media.Frame {
	if a.st == nil {
		return nil
	}
	return a.frames(a.st.Flush())
}

// frames wraps stretched PCM, timed from how much output preceded it.
func (a *Audio) frames(pcm []int16) []media.Frame {
	if len(pcm) == 0 {
		return nil
	}
	n := int64(len(pcm) / a.track.Channels)
	before := a.stats.OutSamples
	a.stats.OutSamples += n
	ts := a.startUs + before*1_000_000/int64(a.track.SampleRate)
	return []media.Frame{{
		TrackIndex:     a.track.Index,
		Kind:           media.KindAudio,
		OriginalTimeUs: a.tl.SourceTimeUs(ts),
		RemappedTimeUs: ts,
		PCM:            pcm,
	}}
}

// Stats returns the counters so far.
func (a *Audio) Stats() AudioStats {
	return a.stats
}
