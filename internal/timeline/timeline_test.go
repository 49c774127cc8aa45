package timeline

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eps = 1e-9

func TestNormalize_Valid(t *testing.T) {
	tests := []struct {
		name        string
		segs        []Segment
		duration    float64
		want        []Segment
		wantOutTime float64
	}{
		{
			name:        "empty list is identity",
			segs:        nil,
			duration:    10,
			want:        []Segment{{0, 10, 1}},
			wantOutTime: 10,
		},
		{
			name:        "single segment at double speed",
			segs:        []Segment{{0, 10, 2}},
			duration:    10,
			want:        []Segment{{0, 10, 2}},
			wantOutTime: 5,
		},
		{
			name:        "gaps play at normal speed",
			segs:        []Segment{{2, 4, 2}},
			duration:    6,
			want:        []Segment{{0, 2, 1}, {2, 4, 2}, {4, 6, 1}},
			wantOutTime: 5,
		},
		{
			name:        "later segment wins on overlap",
			segs:        []Segment{{0, 10, 2}, {4, 6, 0.5}},
			duration:    10,
			want:        []Segment{{0, 4, 2}, {4, 6, 0.5}, {6, 10, 2}},
			wantOutTime: 8,
		},
		{
			name:        "equal neighbours are merged",
			segs:        []Segment{{0, 5, 1.5}, {5, 10, 1.5}},
			duration:    10,
			want:        []Segment{{0, 10, 1.5}},
			wantOutTime: 10 / 1.5,
		},
		{
			name:        "out of range bounds are clipped",
			segs:        []Segment{{-5, 999, 2}},
			duration:    10,
			want:        []Segment{{0, 10, 2}},
			wantOutTime: 5,
		},
		{
			name:        "segment past the end is dropped",
			segs:        []Segment{{20, 30, 4}},
			duration:    10,
			want:        []Segment{{0, 10, 1}},
			wantOutTime: 10,
		},
		{
			name:        "zero length segment is dropped",
			segs:        []Segment{{3, 3, 4}},
			duration:    10,
			want:        []Segment{{0, 10, 1}},
			wantOutTime: 10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl, err := Normalize(tt.segs, tt.duration)
			require.NoError(t, err)
			assert.Equal(t, tt.want, tl.Segments())
			assert.InDelta(t, tt.wantOutTime, tl.OutputDuration(), eps)
			assert.InDelta(t, tt.duration, tl.Duration(), eps)
		})
	}
}

func TestNormalize_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		segs     []Segment
		duration float64
		wantErr  error
	}{
		{"zero speed", []Segment{{0, 5, 0}}, 10, ErrInvalidSpeed},
		{"negative speed", []Segment{{0, 5, -1}}, 10, ErrInvalidSpeed},
		{"NaN speed", []Segment{{0, 5, math.NaN()}}, 10, ErrInvalidSpeed},
		{"infinite speed", []Segment{{0, 5, math.Inf(1)}}, 10, ErrInvalidSpeed},
		{"end before start", []Segment{{5, 2, 1}}, 10, ErrInvalidRange},
		{"NaN bound", []Segment{{math.NaN(), 2, 1}}, 10, ErrInvalidRange},
		{"negative duration", nil, -1, ErrInvalidDuration},
		{"invalid speed outside source range still rejected", []Segment{{50, 60, 0}}, 10, ErrInvalidSpeed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl, err := Normalize(tt.segs, tt.duration)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, tl)
		})
	}
}

// The default edit: 0-5s at 1x, 5-7s at 0.5x, 7-15s at 1.5x, rest at 1x
// applied to a 20 second source.
func TestNormalize_DefaultEdit(t *testing.T) {
	segs, err := FromParallel(
		[]float32{0, 5, 7, 15},
		[]float32{5, 7, 15, 999},
		[]float32{1, 0.5, 1.5, 1},
	)
	require.NoError(t, err)

	tl, err := Normalize(segs, 20)
	require.NoError(t, err)

	assert.Len(t, tl.Segments(), 4)
	assert.InDelta(t, 5+4+8/1.5+5, tl.OutputDuration(), 1e-6)
	assert.InDelta(t, 19.333, tl.OutputDuration(), 0.001)

	assert.InDelta(t, 5.0, tl.OutputTime(5), eps)
	assert.InDelta(t, 9.0, tl.OutputTime(7), eps)
	assert.InDelta(t, 9+8/1.5, tl.OutputTime(15), 1e-6)
	assert.InDelta(t, 0.5, tl.SpeedAt(6), eps)
	assert.InDelta(t, 1.0, tl.SpeedAt(25), eps)
}

func TestFromParallel_LengthMismatch(t *testing.T) {
	_, err := FromParallel([]float32{0}, []float32{1, 2}, []float32{1})
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestOutputTime_Monotonic(t *testing.T) {
	tl, err := Normalize([]Segment{{0, 3, 4}, {3, 4, 0.25}, {6, 9, 1.7}}, 10)
	require.NoError(t, err)

	assert.Equal(t, 0.0, tl.OutputTime(0))

	prev := tl.OutputTime(0)
	for ts := 0.01; ts <= 12; ts += 0.01 {
		cur := tl.OutputTime(ts)
		require.Greater(t, cur, prev, "OutputTime must increase at t=%v", ts)
		prev = cur
	}
}

func TestSourceTime_InvertsOutputTime(t *testing.T) {
	tl, err := Normalize([]Segment{{1, 2, 3}, {2, 5, 0.5}}, 8)
	require.NoError(t, err)

	for ts := 0.0; ts <= 10; ts += 0.125 {
		assert.InDelta(t, ts, tl.SourceTime(tl.OutputTime(ts)), 1e-9, "t=%v", ts)
	}
	assert.Equal(t, int64(3_000_000), tl.SourceTimeUs(tl.OutputTimeUs(3_000_000)))
}

func TestIdentity(t *testing.T) {
	tl := Identity(4)
	assert.InDelta(t, 4.0, tl.OutputDuration(), eps)
	assert.Equal(t, int64(1_234_567), tl.OutputTimeUs(1_234_567))

	empty := Identity(0)
	assert.Empty(t, empty.Segments())
	assert.Equal(t, 2.0, empty.OutputTime(2))
}

func TestNormalize_ZeroDuration(t *testing.T) {
	tl, err := Normalize([]Segment{{0, 5, 2}}, 0)
	require.NoError(t, err)
	assert.Empty(t, tl.Segments())
	assert.Equal(t, 0.0, tl.OutputDuration())
}
