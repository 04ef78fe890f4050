package lifecycle

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/macvmio/smbvol/pkg/chain"
	"github.com/macvmio/smbvol/pkg/keylock"
	"github.com/macvmio/smbvol/pkg/space"
	"github.com/macvmio/smbvol/pkg/vdisk"
)

// LockScope selects how locked operations are serialized.
type LockScope int

const (
	// VolumeScope serializes operations on the same volume only.
	VolumeScope LockScope = iota
	// GlobalScope serializes every locked operation of the process under one name.
	GlobalScope
)

const globalLockName = "smbfs"

func ParseLockScope(s string) (LockScope, bool) {
	switch s {
	case "", "volume":
		return VolumeScope, true
	case "global":
		return GlobalScope, true
	}
	return VolumeScope, false
}

type options struct {
	log           logrus.FieldLogger
	fs            afero.Fs
	locker        *keylock.Locker
	lockScope     LockScope
	defaultFormat vdisk.Format
	blockSize     int64
	versioner     ToolVersioner
	planner       *space.Planner
	chainOptions  []chain.Option
}

type Option func(opts *options)

func makeOptions(opts ...Option) *options {
	res := &options{
		log:           logrus.StandardLogger(),
		fs:            afero.NewOsFs(),
		lockScope:     VolumeScope,
		defaultFormat: vdisk.FormatVHD,
		blockSize:     1024 * 1024,
	}
	for _, o := range opts {
		o(res)
	}
	if res.locker == nil {
		res.locker = keylock.New()
	}
	return res
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(opts *options) {
		opts.log = log
	}
}

// WithFs sets the filesystem used for ledgers and existence checks.
func WithFs(fs afero.Fs) Option {
	return func(opts *options) {
		opts.fs = fs
	}
}

// WithLocker shares a Locker between drivers.
func WithLocker(l *keylock.Locker) Option {
	return func(opts *options) {
		opts.locker = l
	}
}

func WithLockScope(scope LockScope) Option {
	return func(opts *options) {
		opts.lockScope = scope
	}
}

func WithDefaultFormat(f vdisk.Format) Option {
	return func(opts *options) {
		opts.defaultFormat = f
	}
}

// WithBlockSize sets the copy block size passed to image catalog fetches.
func WithBlockSize(size int64) Option {
	return func(opts *options) {
		opts.blockSize = size
	}
}

// WithToolVersioner enables the workarounds for conversion tools older than 1.7.
func WithToolVersioner(v ToolVersioner) Option {
	return func(opts *options) {
		opts.versioner = v
	}
}

// WithPlanner makes ExtendVolume check that the share can absorb the growth.
func WithPlanner(p *space.Planner) Option {
	return func(opts *options) {
		opts.planner = p
	}
}

func WithChainOptions(o ...chain.Option) Option {
	return func(opts *options) {
		opts.chainOptions = append(opts.chainOptions, o...)
	}
}
