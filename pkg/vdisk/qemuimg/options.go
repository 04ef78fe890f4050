package qemuimg

import (
	"github.com/sirupsen/logrus"
)

// Runner executes the tool and returns its standard output.
type Runner func(name string, args ...string) ([]byte, error)

type options struct {
	binary string
	runner Runner
	log    logrus.FieldLogger
}

type Option func(opts *options)

func WithBinary(path string) Option {
	return func(o *options) {
		if path != "" {
			o.binary = path
		}
	}
}

func WithRunner(r Runner) Option {
	return func(o *options) {
		o.runner = r
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) {
		o.log = log
	}
}

func makeOptions(opts ...Option) *options {
	res := &options{
		binary: "qemu-img",
		runner: execRunner,
		log:    logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(res)
	}
	return res
}
