package demux

import (
	"fmt"
	"time"

	"github.com/nareix/joy4/format/mp4/mp4io"
)

// sampleEntry locates one sample in the file.
type sampleEntry struct {
	offset int64
	size   uint32
	dts    int64 // in track timescale units
	cts    int64 // composition offset, timescale units
	key    bool
}

// sampleTable is the flattened stbl of one track.
type sampleTable struct {
	timeScale int64
	entries   []sampleEntry
	duration  int64
	start     int64
}

// buildSampleTable expands the chunk, size, timing and sync tables of a
// track into one entry per sample.
func buildSampleTable(trak *mp4io.Track) (*sampleTable, error) {
	if trak.Media == nil || trak.Media.Header == nil || trak.Media.Info == nil || trak.Media.Info.Sample == nil {
		return nil, fmt.Errorf("%w: track without sample table", ErrUnreadable)
	}
	stbl := trak.Media.Info.Sample
	if stbl.SampleSize == nil || stbl.ChunkOffset == nil || stbl.SampleToChunk == nil || stbl.TimeToSample == nil {
		return nil, fmt.Errorf("%w: incomplete sample table", ErrUnreadable)
	}
	timeScale := int64(trak.Media.Header.TimeScale)
	if timeScale <= 0 {
		return nil, fmt.Errorf("%w: track timescale %d", ErrUnreadable, timeScale)
	}

	count := len(stbl.SampleSize.Entries)
	if stbl.SampleSize.SampleSize != 0 {
		count = 0
		for _, e := range stbl.TimeToSample.Entries {
			count += int(e.Count)
		}
	}

	t := &sampleTable{timeScale: timeScale, entries: make([]sampleEntry, 0, count)}

	// Offsets: walk chunks, each holding SamplesPerChunk from its stsc run.
	stsc := stbl.SampleToChunk.Entries
	if len(stsc) == 0 && count > 0 {
		return nil, fmt.Errorf("%w: empty sample-to-chunk table", ErrUnreadable)
	}
	run := 0
	for chunk, off := range stbl.ChunkOffset.Entries {
		if len(t.entries) == count {
			break
		}
		for run+1 < len(stsc) && uint32(chunk+1) >= stsc[run+1].FirstChunk {
			run++
		}
		pos := int64(off)
		for i := uint32(0); i < stsc[run].SamplesPerChunk && len(t.entries) < count; i++ {
			size := stbl.SampleSize.SampleSize
			if size == 0 {
				size = stbl.SampleSize.Entries[len(t.entries)]
			}
			t.entries = append(t.entries, sampleEntry{offset: pos, size: size})
			pos += int64(size)
		}
	}
	if len(t.entries) != count {
		return nil, fmt.Errorf("%w: chunk table covers %d of %d samples", ErrUnreadable, len(t.entries), count)
	}

	// Decode times.
	idx := 0
	var dts int64
	for _, e := range stbl.TimeToSample.Entries {
		for i := uint32(0); i < e.Count && idx < count; i++ {
			t.entries[idx].dts = dts
			dts += int64(e.Duration)
			idx++
		}
	}
	for ; idx < count; idx++ {
		t.entries[idx].dts = dts
	}
	t.duration = dts

	// Composition offsets. Version 1 tables store signed values.
	if stbl.CompositionOffset != nil {
		idx = 0
		for _, e := range stbl.CompositionOffset.Entries {
			for i := uint32(0); i < e.Count && idx < count; i++ {
				t.entries[idx].cts = int64(int32(e.Offset))
				idx++
			}
		}
	}

	// Presentation starts at the earliest composition time. This stands in for
	// the edit list, which encoders use to cancel the B-frame delay.
	if count > 0 {
		t.start = t.entries[0].dts + t.entries[0].cts
		for _, e := range t.entries[1:] {
			t.start = min(t.start, e.dts+e.cts)
		}
	}

	// Without a sync table every sample is a sync sample.
	if stbl.SyncSample == nil {
		for i := range t.entries {
			t.entries[i].key = true
		}
	} else {
		for _, n := range stbl.SyncSample.Entries {
			if n >= 1 && int(n) <= count {
				t.entries[n-1].key = true
			}
		}
	}
	return t, nil
}

func (t *sampleTable) toTime(ts int64) time.Duration {
	return time.Duration(ts) * time.Second / time.Duration(t.timeScale)
}

// Duration returns the summed sample durations.
func (t *sampleTable) Duration() time.Duration {
	return t.toTime(t.duration)
}

// FrameRate returns the average sample rate of the track.
func (t *sampleTable) FrameRate() float64 {
	if t.duration <= 0 {
		return 0
	}
	return float64(len(t.entries)) / t.Duration().Seconds()
}
