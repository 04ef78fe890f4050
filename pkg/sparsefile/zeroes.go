package sparsefile

import "bytes"

var zeroBuf = make([]byte, maxBufSize)

func isAllZeroes(p []byte) bool {
	for len(p) > 0 {
		n := min(len(p), len(zeroBuf))
		if !bytes.Equal(p[:n], zeroBuf[:n]) {
			return false
		}
		p = p[n:]
	}
	return true
}
