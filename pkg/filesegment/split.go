package filesegment

import (
	"fmt"
	"os"
)

// Split cuts the file into layers of at most chunkSize bytes, in file order.
func Split(fullpath string, chunkSize int64, opt ...LayerOpt) ([]*Layer, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size %d", chunkSize)
	}
	f, err := os.Stat(fullpath)
	if err != nil {
		return nil, fmt.Errorf("unable to stat file '%v': %w", fullpath, err)
	}
	if f.Size() == 0 {
		return nil, fmt.Errorf("file '%v' is empty", fullpath)
	}
	res := make([]*Layer, 0, (f.Size()+chunkSize-1)/chunkSize)
	maxIdx := f.Size() - 1
	for start := int64(0); start <= maxIdx; start += chunkSize {
		stop := min(start+chunkSize-1, maxIdx)
		l, err := NewLayer(fullpath, append(opt, WithRange(start, stop))...)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, nil
}
