package catalog

import (
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/sirupsen/logrus"

	"github.com/macvmio/smbvol/pkg/vdisk"
)

// Converter rewrites a disk image into another format.
type Converter interface {
	Convert(srcPath, dstPath string, format vdisk.Format) error
}

type options struct {
	log              logrus.FieldLogger
	remoteOptions    []remote.Option
	nameOptions      []name.Option
	workersCount     int
	segmentSize      int64
	compressionLevel int
	converter        Converter
}

type Option func(opts *options)

func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) {
		o.log = log
	}
}

func WithRemoteOptions(opts ...remote.Option) Option {
	return func(o *options) {
		o.remoteOptions = append(o.remoteOptions, opts...)
	}
}

// WithInsecure talks plain http to the registry.
func WithInsecure() Option {
	return func(o *options) {
		o.nameOptions = append(o.nameOptions, name.Insecure)
	}
}

func WithWorkersCount(workersCount int) Option {
	return func(o *options) {
		o.workersCount = workersCount
	}
}

// WithSegmentSize sets the number of disk bytes stored per layer.
func WithSegmentSize(segmentSize int64) Option {
	return func(o *options) {
		o.segmentSize = segmentSize
	}
}

func WithCompressionLevel(level int) Option {
	return func(o *options) {
		o.compressionLevel = level
	}
}

// WithConverter enables fetching an image stored in a format other than the requested one.
func WithConverter(c Converter) Option {
	return func(o *options) {
		o.converter = c
	}
}

func makeOptions(opts ...Option) *options {
	res := options{
		log: logrus.StandardLogger(),
		remoteOptions: []remote.Option{
			remote.WithAuthFromKeychain(authn.DefaultKeychain),
		},
		workersCount:     8,
		segmentSize:      512 * 1024 * 1024,
		compressionLevel: 1,
	}
	for _, o := range opts {
		o(&res)
	}
	return &res
}
