// Package filesegment exposes byte ranges of a disk file as zstd-compressed OCI layers.
package filesegment

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/sirupsen/logrus"

	"github.com/macvmio/smbvol/pkg/zstd"
)

const MediaType = types.MediaType("application/vnd.smbvol.disk.v1+zstd")

type Layer struct {
	filePath  string
	start     int64
	stop      int64
	mediaType types.MediaType
	level     int

	diffID           v1.Hash
	diffIDError      error
	hash             v1.Hash
	size             int64
	hashSizeError    error
	compressedOnce   sync.Once
	uncompressedOnce sync.Once

	log logrus.FieldLogger
}

var _ v1.Layer = (*Layer)(nil)

func (l *Layer) DiffID() (v1.Hash, error) {
	l.uncompressedOnce.Do(func() {
		var rc io.ReadCloser
		rc, l.diffIDError = l.Uncompressed()
		if l.diffIDError != nil {
			return
		}
		defer rc.Close()
		l.diffID, _, l.diffIDError = v1.SHA256(rc)
		l.log.Debugf("%v: calculated uncompressed digest", l)
	})
	return l.diffID, l.diffIDError
}

// Uncompressed implements v1.Layer
func (l *Layer) Uncompressed() (io.ReadCloser, error) {
	return newSegmentReader(l.filePath, l.start, l.stop)
}

// Compressed implements v1.Layer
func (l *Layer) Compressed() (io.ReadCloser, error) {
	u, err := l.Uncompressed()
	if err != nil {
		return nil, err
	}
	return zstd.ReadCloserLevel(u, l.level), nil
}

// Digest implements v1.Layer
func (l *Layer) Digest() (v1.Hash, error) {
	l.calcSizeHash()
	return l.hash, l.hashSizeError
}

func (l *Layer) calcSizeHash() {
	l.compressedOnce.Do(func() {
		var r io.ReadCloser
		r, l.hashSizeError = l.Compressed()
		if l.hashSizeError != nil {
			return
		}
		defer r.Close()
		l.hash, l.size, l.hashSizeError = v1.SHA256(r)
		l.log.Debugf("%v: calculated compressed digest", l)
	})
}

func (l *Layer) MediaType() (types.MediaType, error) {
	return l.mediaType, nil
}

func (l *Layer) Size() (int64, error) {
	l.calcSizeHash()
	return l.size, l.hashSizeError
}

func (l *Layer) String() string {
	return fmt.Sprintf("segment of '%v' [%v-%v]", filepath.Base(l.filePath), l.start, l.stop)
}

func (l *Layer) Start() int64 {
	return l.start
}

func (l *Layer) Stop() int64 {
	return l.stop
}

func (l *Layer) Length() int64 {
	return l.stop - l.start + 1
}

func (l *Layer) Annotations() map[string]string {
	return Segment{Start: l.start, Stop: l.stop}.Annotations()
}

func NewLayer(filePath string, opts ...LayerOpt) (*Layer, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, err
	}
	l := &Layer{
		filePath:  filePath,
		start:     0,
		stop:      info.Size() - 1,
		mediaType: MediaType,
		level:     1,
		log:       logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(l)
	}
	if l.stop >= info.Size() {
		return nil, errors.New("provided 'stop' is outside of file size")
	}
	if l.start < 0 || l.start > l.stop {
		return nil, errors.New("provided 'start' index is out of range")
	}
	return l, nil
}
