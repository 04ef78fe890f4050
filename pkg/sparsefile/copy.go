// Package sparsefile copies streams into files, seeking over runs of zero bytes
// so that the destination stays sparse.
package sparsefile

import (
	"io"
)

const maxBufSize = 64 * 1024

// Copy copies src to dst using a 64KiB buffer. It returns the bytes actually written
// and the bytes skipped as holes.
func Copy(dst io.WriteSeeker, src io.Reader) (written int64, skipped int64, err error) {
	return CopyBuffer(dst, src, nil)
}

// CopyBuffer is Copy with a caller-provided buffer; zero runs are detected per buffer fill.
func CopyBuffer(dst io.WriteSeeker, src io.Reader, buf []byte) (written int64, skipped int64, err error) {
	if len(buf) == 0 {
		buf = make([]byte, maxBufSize)
	}
	var deferred int64
	for {
		nr, er := io.ReadFull(src, buf)
		if er == io.ErrUnexpectedEOF {
			er = io.EOF
		}
		if er == nil && isAllZeroes(buf[:nr]) {
			deferred += int64(nr)
			continue
		}
		if deferred > 0 {
			// a trailing hole still needs its last byte written for the file to reach full length
			if nr == 0 {
				deferred--
				nr = 1
				buf[0] = 0
			}
			if _, ers := dst.Seek(deferred, io.SeekCurrent); ers != nil {
				return written, skipped, ers
			}
			skipped += deferred
			deferred = 0
		}
		if nr > 0 {
			nw, ew := dst.Write(buf[:nr])
			written += int64(nw)
			if ew != nil {
				return written, skipped, ew
			}
		}
		if er != nil {
			if er != io.EOF {
				err = er
			}
			return written, skipped, err
		}
	}
}
