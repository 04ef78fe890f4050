package filesegment

import (
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/sirupsen/logrus"
)

type LayerOpt func(*Layer)

func WithMediaType(mt types.MediaType) LayerOpt {
	return func(l *Layer) {
		l.mediaType = mt
	}
}

// WithRange limits the layer to the bytes [start, stop] of the file.
func WithRange(start, stop int64) LayerOpt {
	return func(l *Layer) {
		l.start = start
		l.stop = stop
	}
}

func WithLogger(log logrus.FieldLogger) LayerOpt {
	return func(l *Layer) {
		l.log = log
	}
}

// WithCompressionLevel sets the zstd level used for the compressed form.
func WithCompressionLevel(level int) LayerOpt {
	return func(l *Layer) {
		l.level = level
	}
}
