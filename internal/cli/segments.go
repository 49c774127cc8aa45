package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/maauso/speedcut/internal/timeline"
)

// ErrInvalidSegment is returned for a segment flag that is not start:end:speed.
var ErrInvalidSegment = errors.New("segment must be start:end:speed")

// parseSegment parses "5:10:2" into a segment from 5s to 10s at 2x.
func parseSegment(s string) (timeline.Segment, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return timeline.Segment{}, fmt.Errorf("%w: %q", ErrInvalidSegment, s)
	}
	var vals [3]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return timeline.Segment{}, fmt.Errorf("%w: %q: %w", ErrInvalidSegment, s, err)
		}
		vals[i] = v
	}
	return timeline.Segment{Start: vals[0], End: vals[1], Speed: vals[2]}, nil
}

// parseSegments parses every flag value and validates the result.
func parseSegments(specs []string) ([]timeline.Segment, error) {
	segs := make([]timeline.Segment, 0, len(specs))
	for _, s := range specs {
		seg, err := parseSegment(s)
		if err != nil {
			return nil, err
		}
		segs = append(segs, seg)
	}
	if err := timeline.Validate(segs); err != nil {
		return nil, err
	}
	return segs, nil
}
