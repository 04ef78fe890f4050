package chain

import (
	"runtime"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

type options struct {
	log             logrus.FieldLogger
	caseInsensitive bool
	fs              afero.Fs
}

type Option func(opts *options)

func makeOptions(opts ...Option) *options {
	res := &options{
		log:             logrus.StandardLogger(),
		caseInsensitive: runtime.GOOS == "windows",
		fs:              afero.NewOsFs(),
	}
	for _, o := range opts {
		o(res)
	}
	return res
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(opts *options) {
		opts.log = log
	}
}

// WithCaseInsensitivePaths makes parent paths compare and merge in lower case.
// It defaults to true on windows.
func WithCaseInsensitivePaths(enabled bool) Option {
	return func(opts *options) {
		opts.caseInsensitive = enabled
	}
}

// WithFs sets the filesystem consulted before new images are created.
func WithFs(fs afero.Fs) Option {
	return func(opts *options) {
		opts.fs = fs
	}
}
