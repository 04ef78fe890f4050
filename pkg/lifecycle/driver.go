// Package lifecycle implements volume, snapshot and image flows on top of virtual-disk chains
// kept on a share. Every operation runs on the caller's goroutine.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/coreos/go-semver/semver"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/macvmio/smbvol/pkg/chain"
	"github.com/macvmio/smbvol/pkg/ledger"
	"github.com/macvmio/smbvol/pkg/vdisk"
	"github.com/macvmio/smbvol/pkg/volerr"
)

// Tools older than this cannot read or write VHDX images.
var minVHDXToolVersion = semver.Version{Major: 1, Minor: 7}

type Driver struct {
	backend   vdisk.Backend
	ops       *chain.Operations
	inspector *chain.Inspector
	opts      *options
}

func NewDriver(b vdisk.Backend, opts ...Option) *Driver {
	o := makeOptions(opts...)
	chainOpts := append([]chain.Option{chain.WithLogger(o.log), chain.WithFs(o.fs)}, o.chainOptions...)
	ops := chain.NewOperations(b, chainOpts...)
	return &Driver{
		backend:   b,
		ops:       ops,
		inspector: ops.Inspector(),
		opts:      o,
	}
}

// Inspector gives access to chain inspection with the driver's settings.
func (d *Driver) Inspector() *chain.Inspector {
	return d.inspector
}

func (d *Driver) VolumeDir(vol Volume) string {
	return vol.ShareDir
}

func (d *Driver) volumeFormat(vol Volume) vdisk.Format {
	if vol.Format != vdisk.FormatUnknown {
		return vol.Format
	}
	return d.opts.defaultFormat
}

// LocalPath returns the path of the volume's base image.
func (d *Driver) LocalPath(vol Volume) string {
	return filepath.Join(d.VolumeDir(vol), vol.Name+d.volumeFormat(vol).Extension())
}

func (d *Driver) ledgerPath(vol Volume) string {
	return ledger.Path(d.LocalPath(vol))
}

func (d *Driver) tempImagePath(vol Volume, imageID string, f vdisk.Format) string {
	return filepath.Join(d.VolumeDir(vol), fmt.Sprintf("%s.temp_image.%s%s", vol.ID, imageID, f.Extension()))
}

func (d *Driver) log(vol Volume) logrus.FieldLogger {
	return d.opts.log.WithFields(logrus.Fields{"volume": vol.ID})
}

func (d *Driver) lock(ctx context.Context, vol Volume) (func(), error) {
	name := globalLockName
	if d.opts.lockScope == VolumeScope {
		name = globalLockName + "-" + vol.ID
	}
	unlock, err := d.opts.locker.Lock(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("unable to acquire lock '%v': %w", name, err)
	}
	return unlock, nil
}

func (d *Driver) exists(path string) (bool, error) {
	_, err := d.opts.fs.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (d *Driver) removeIfExists(path string) error {
	if err := d.opts.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("unable to remove '%v': %w", path, err)
	}
	return nil
}

// toolTooOld reports whether the conversion tool predates VHDX support.
func (d *Driver) toolTooOld() (bool, error) {
	if d.opts.versioner == nil {
		return false, nil
	}
	v, err := d.opts.versioner.Version()
	if err != nil {
		return false, fmt.Errorf("unable to get conversion tool version: %w", err)
	}
	return v.LessThan(minVHDXToolVersion), nil
}

// ActiveImage returns the file name currently receiving writes for vol.
func (d *Driver) ActiveImage(vol Volume) (string, error) {
	l, err := ledger.Read(d.opts.fs, d.ledgerPath(vol), true)
	if err != nil {
		return "", err
	}
	if l.Empty() {
		return filepath.Base(d.LocalPath(vol)), nil
	}
	return l.Active, nil
}

// CreateVolume creates a dynamic base image of vol.Size GiB.
func (d *Driver) CreateVolume(ctx context.Context, vol Volume) (err error) {
	defer track("create_volume")(&err)
	return d.createVolume(vol)
}

func (d *Driver) createVolume(vol Volume) error {
	path := d.LocalPath(vol)
	format := d.volumeFormat(vol)
	size := vol.Size << 30

	exists, err := d.exists(path)
	if err != nil {
		return err
	}
	if exists {
		return volerr.InvalidVolume("file already exists at %v", path)
	}
	if !format.Differencing() {
		return volerr.InvalidVolume("unsupported volume format: %v", format)
	}
	if format == vdisk.FormatVHDX {
		tooOld, err := d.toolTooOld()
		if err != nil {
			return err
		}
		if tooOld {
			return volerr.InvalidVolume("the conversion tool must be at least %v to create vhdx volumes", minVHDXToolVersion)
		}
	}
	if err := d.opts.fs.MkdirAll(d.VolumeDir(vol), 0o755); err != nil {
		return fmt.Errorf("unable to create volume directory: %w", err)
	}
	d.log(vol).WithField("path", path).Infof("creating %v volume of %s", format, humanize.IBytes(uint64(size)))
	err = d.backend.Create(vdisk.CreateParams{
		Path:   path,
		Format: format,
		Type:   vdisk.TypeDynamic,
		Size:   size,
	})
	if err != nil {
		return fmt.Errorf("unable to create volume '%v': %w", vol.ID, err)
	}
	return nil
}

// DeleteVolume removes the active image and the ledger of vol.
func (d *Driver) DeleteVolume(ctx context.Context, vol Volume) (err error) {
	defer track("delete_volume")(&err)
	if vol.ShareDir == "" {
		d.log(vol).Warn("volume has no share, nothing to delete")
		return nil
	}
	active, err := d.ActiveImage(vol)
	if err != nil {
		return err
	}
	if err := d.removeIfExists(filepath.Join(d.VolumeDir(vol), active)); err != nil {
		return err
	}
	if err := d.removeIfExists(d.ledgerPath(vol)); err != nil {
		return err
	}
	d.log(vol).Info("deleted volume")
	return nil
}

// ExtendVolume grows the active image of vol to newSizeGiB.
func (d *Driver) ExtendVolume(ctx context.Context, vol Volume, newSizeGiB int64) (err error) {
	defer track("extend_volume")(&err)
	unlock, err := d.lock(ctx, vol)
	if err != nil {
		return err
	}
	defer unlock()

	if newSizeGiB <= vol.Size {
		return volerr.InvalidVolume("new size %dGiB must be larger than the current size %dGiB", newSizeGiB, vol.Size)
	}
	active, err := d.ActiveImage(vol)
	if err != nil {
		return err
	}
	activePath := filepath.Join(d.VolumeDir(vol), active)
	info, err := d.inspector.Info(activePath)
	if err != nil {
		return err
	}
	if info.Type == vdisk.TypeDifferencing && !info.Format.ResizableDifferencing() {
		return volerr.InvalidVolume("extend is only supported when no snapshots exist or the volume format is vhdx or qcow2")
	}
	if d.opts.planner != nil {
		growth := newSizeGiB - vol.Size
		ok, err := d.opts.planner.Eligible(d.VolumeDir(vol), growth)
		if err != nil {
			return err
		}
		if !ok {
			return &volerr.NoSuitableShareError{SizeGiB: growth}
		}
	}

	newSize := newSizeGiB << 30
	d.log(vol).Infof("resizing %v to %s", active, humanize.IBytes(uint64(newSize)))
	if err := d.ops.Resize(activePath, newSize); err != nil {
		return err
	}
	info, err = d.inspector.Info(activePath)
	if err != nil {
		return err
	}
	if info.VirtualSize != newSize {
		return &volerr.BackendAPIError{Op: "resize", Path: activePath, Detail: fmt.Sprintf("virtual size is %d after resizing to %d", info.VirtualSize, newSize)}
	}
	return nil
}

func snapshotPath(volumePath, snapshotID string) string {
	ext := filepath.Ext(volumePath)
	return strings.TrimSuffix(volumePath, ext) + "-snapshot" + snapshotID + ext
}
