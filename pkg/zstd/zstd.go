// Package zstd streams data through klauspost zstd for registry layers.
package zstd

import (
	"bufio"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// MagicHeader is the start of zstd frames.
var MagicHeader = []byte{'\x28', '\xb5', '\x2f', '\xfd'}

// ReadCloser compresses r at zstd level 1.
func ReadCloser(r io.ReadCloser) io.ReadCloser {
	return ReadCloserLevel(r, 1)
}

// ReadCloserLevel returns a reader of the compressed content of r. r is closed once consumed.
func ReadCloserLevel(r io.ReadCloser, level int) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		defer r.Close()
		pw.CloseWithError(compress(pw, r, level))
	}()
	return pr
}

// writeBufferSize batches the small writes of highly compressible disks.
const writeBufferSize = 128 << 10

func compress(dst io.Writer, src io.Reader, level int) error {
	bw := bufio.NewWriterSize(dst, writeBufferSize)
	zw, err := zstd.NewWriter(bw,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return err
	}
	if _, err := zw.ReadFrom(src); err != nil {
		zw.Close()
		return fmt.Errorf("unable to compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return bw.Flush()
}

type readCloser struct {
	io.ReadCloser
	src io.Closer
}

func (rc *readCloser) Close() error {
	rc.ReadCloser.Close()
	return rc.src.Close()
}

// NewReadCloser returns the decompressed content of r. Closing it closes r.
func NewReadCloser(r io.ReadCloser) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		r.Close()
		return nil, err
	}
	return &readCloser{ReadCloser: dec.IOReadCloser(), src: r}, nil
}
