package space

import (
	"github.com/sirupsen/logrus"
)

type options struct {
	log logrus.FieldLogger
}

type Option func(opts *options)

func makeOptions(opts ...Option) *options {
	res := &options{
		log: logrus.StandardLogger(),
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
