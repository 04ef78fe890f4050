package space

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/macvmio/smbvol/pkg/vdisk"
)

// DiskInspector reports metadata of a single virtual-disk file.
type DiskInspector interface {
	Info(path string) (vdisk.Info, error)
}

type Accountant struct {
	fs        afero.Fs
	inspector DiskInspector
	opts      *options
}

func NewAccountant(fsys afero.Fs, inspector DiskInspector, opts ...Option) *Accountant {
	return &Accountant{fs: fsys, inspector: inspector, opts: makeOptions(opts...)}
}

// TotalAllocated sums what dir holds, recursively. Symlinks and snapshot files count as zero,
// virtual disks count with their physical size and entries that disappear during the walk are
// skipped.
func (a *Accountant) TotalAllocated(dir string) (int64, error) {
	names, err := a.readDirNames(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("unable to list '%v': %w", dir, err)
	}
	total := int64(0)
	for _, name := range names {
		n, err := a.entrySize(filepath.Join(dir, name), name)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func (a *Accountant) readDirNames(dir string) ([]string, error) {
	f, err := a.fs.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Readdirnames(-1)
}

func (a *Accountant) lstat(path string) (os.FileInfo, error) {
	if l, ok := a.fs.(afero.Lstater); ok {
		fi, _, err := l.LstatIfPossible(path)
		return fi, err
	}
	return a.fs.Stat(path)
}

func (a *Accountant) entrySize(path, name string) (int64, error) {
	fi, err := a.lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("unable to stat '%v': %w", path, err)
	}
	kind := Classify(name, fi.Mode())
	switch kind {
	case KindSymlink, KindSnapshot:
		return 0, nil
	case KindVirtualDisk:
		info, err := a.inspector.Info(path)
		if err != nil {
			if _, serr := a.fs.Stat(path); errors.Is(serr, fs.ErrNotExist) {
				return 0, nil
			}
			return 0, err
		}
		return info.PhysicalSize, nil
	case KindDirectory:
		return a.TotalAllocated(path)
	default:
		return fi.Size(), nil
	}
}

func (a *Accountant) logger() logrus.FieldLogger {
	return a.opts.log
}
