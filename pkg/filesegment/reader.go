package filesegment

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

type segmentReader struct {
	f *os.File
	r *bufio.Reader
}

// newSegmentReader reads bytes [start, stop] of path. A stop past the end of the file is clamped.
func newSegmentReader(path string, start, stop int64) (*segmentReader, error) {
	if stop < start {
		return nil, fmt.Errorf("invalid range: start (%d) must be less than or equal to stop (%d)", start, stop)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if start >= fi.Size() {
		f.Close()
		return nil, fmt.Errorf("start position (%d) is beyond file size (%d)", start, fi.Size())
	}
	stop = min(stop, fi.Size()-1)
	return &segmentReader{
		f: f,
		r: bufio.NewReaderSize(io.NewSectionReader(f, start, stop-start+1), 512*1024),
	}, nil
}

func (sr *segmentReader) Read(p []byte) (int, error) {
	return sr.r.Read(p)
}

func (sr *segmentReader) Close() error {
	sr.r = nil
	return sr.f.Close()
}
