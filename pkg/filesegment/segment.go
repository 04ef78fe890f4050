package filesegment

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"
)

const RangeAnnotationKey = "io.smbvol.segment.range"

// Segment is the byte range a pushed layer covers in the original file.
type Segment struct {
	Start  int64
	Stop   int64
	Digest v1.Hash
}

func (s Segment) Length() int64 {
	return s.Stop - s.Start + 1
}

func (s Segment) Annotations() map[string]string {
	return map[string]string{
		RangeAnnotationKey: fmt.Sprintf("%d-%d", s.Start, s.Stop),
	}
}

func parseIntPair(s string) (int64, int64, error) {
	first, second, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, errors.New("incorrect format, expected '<int>-<int>'")
	}
	a, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("unable to parse start: %w", err)
	}
	b, err := strconv.ParseInt(second, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("unable to parse stop: %w", err)
	}
	return a, b, nil
}

// ParseSegment reads the range of a manifest layer written by this package.
func ParseSegment(d v1.Descriptor) (Segment, error) {
	if d.MediaType != MediaType {
		return Segment{}, fmt.Errorf("unsupported layer media type '%v'", d.MediaType)
	}
	rangeString, ok := d.Annotations[RangeAnnotationKey]
	if !ok {
		return Segment{}, errors.New("missing range annotation")
	}
	start, stop, err := parseIntPair(rangeString)
	if err != nil {
		return Segment{}, fmt.Errorf("invalid range: %w", err)
	}
	if start < 0 || stop < start {
		return Segment{}, fmt.Errorf("invalid range %d-%d", start, stop)
	}
	return Segment{Start: start, Stop: stop, Digest: d.Digest}, nil
}
