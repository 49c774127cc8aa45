package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/speedcut/internal/timeline"
)

func TestParseSegment(t *testing.T) {
	tests := []struct {
		in   string
		want timeline.Segment
	}{
		{"5:10:2", timeline.Segment{Start: 5, End: 10, Speed: 2}},
		{"0:1.5:0.25", timeline.Segment{Start: 0, End: 1.5, Speed: 0.25}},
		{" 15 : 999 : 0.5 ", timeline.Segment{Start: 15, End: 999, Speed: 0.5}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseSegment(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSegment_Malformed(t *testing.T) {
	for _, in := range []string{"", "5", "5:10", "5:10:2:1", "a:10:2", "5:b:2", "5:10:fast"} {
		t.Run(in, func(t *testing.T) {
			_, err := parseSegment(in)
			assert.ErrorIs(t, err, ErrInvalidSegment)
		})
	}
}

func TestParseSegments(t *testing.T) {
	segs, err := parseSegments([]string{"5:10:2", "15:20:0.5"})
	require.NoError(t, err)
	assert.Equal(t, []timeline.Segment{{Start: 5, End: 10, Speed: 2}, {Start: 15, End: 20, Speed: 0.5}}, segs)

	segs, err = parseSegments(nil)
	require.NoError(t, err)
	assert.Empty(t, segs)

	_, err = parseSegments([]string{"5:10:0"})
	assert.ErrorIs(t, err, timeline.ErrInvalidSpeed)

	_, err = parseSegments([]string{"10:5:2"})
	assert.ErrorIs(t, err, timeline.ErrInvalidRange)
}
