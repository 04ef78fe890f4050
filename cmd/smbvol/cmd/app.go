package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/macvmio/smbvol/pkg/appconfig"
	"github.com/macvmio/smbvol/pkg/catalog"
	"github.com/macvmio/smbvol/pkg/chain"
	"github.com/macvmio/smbvol/pkg/lifecycle"
	"github.com/macvmio/smbvol/pkg/space"
	"github.com/macvmio/smbvol/pkg/vdisk"
	"github.com/macvmio/smbvol/pkg/vdisk/qemuimg"
	"github.com/macvmio/smbvol/pkg/vdisk/virtdisk"
)

type app struct {
	cfg     *appconfig.Config
	log     *logrus.Logger
	fs      afero.Fs
	ops     *chain.Operations
	planner *space.Planner
	driver  *lifecycle.Driver
}

// newBackend uses the native virtual disk API on windows and qemu-img elsewhere.
func newBackend(cfg *appconfig.Config, log logrus.FieldLogger) (vdisk.Backend, lifecycle.ToolVersioner, error) {
	if runtime.GOOS == "windows" {
		b, err := virtdisk.New(log)
		if err != nil {
			return nil, nil, err
		}
		return b, nil, nil
	}
	q := qemuimg.New(qemuimg.WithBinary(cfg.QemuImgPath), qemuimg.WithLogger(log))
	return q, q, nil
}

func newApp() (*app, error) {
	cfg, err := appconfig.Load(viper.New(), flagConfigFile)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if flagVerbose || cfg.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	format, err := cfg.VolumeFormat()
	if err != nil {
		return nil, err
	}
	blockSize, err := cfg.BlockSize()
	if err != nil {
		return nil, err
	}
	scope, err := cfg.Scope()
	if err != nil {
		return nil, err
	}
	backend, versioner, err := newBackend(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize virtual disk backend: %w", err)
	}

	fs := afero.NewOsFs()
	ops := chain.NewOperations(backend, chain.WithLogger(log))
	accountant := space.NewAccountant(fs, ops.Inspector(), space.WithLogger(log))
	planner := space.NewPlanner(accountant, space.StatfsReporter{}, cfg.UsedRatio, cfg.OversubRatio)
	opts := []lifecycle.Option{
		lifecycle.WithLogger(log),
		lifecycle.WithFs(fs),
		lifecycle.WithDefaultFormat(format),
		lifecycle.WithBlockSize(blockSize),
		lifecycle.WithLockScope(scope),
		lifecycle.WithPlanner(planner),
	}
	if versioner != nil {
		opts = append(opts, lifecycle.WithToolVersioner(versioner))
	}
	return &app{
		cfg:     cfg,
		log:     log,
		fs:      fs,
		ops:     ops,
		planner: planner,
		driver:  lifecycle.NewDriver(backend, opts...),
	}, nil
}

// shareDirs returns the mount points of every share listed in the shares file.
func (a *app) shareDirs() ([]string, error) {
	if err := a.cfg.Validate(a.fs); err != nil {
		return nil, err
	}
	shares, err := appconfig.LoadShares(a.fs, a.cfg.SharesConfig, a.log)
	if err != nil {
		return nil, err
	}
	dirs := make([]string, 0, len(shares))
	for _, s := range shares {
		dirs = append(dirs, a.cfg.MountPoint(s.Address))
	}
	return dirs, nil
}

func (a *app) catalog() (*catalog.Registry, error) {
	if a.cfg.Registry == "" {
		return nil, fmt.Errorf("no registry configured, set 'registry' in the config file or SMBVOL_REGISTRY")
	}
	return catalog.New(a.cfg.Registry,
		catalog.WithLogger(a.log),
		catalog.WithConverter(a.ops))
}
