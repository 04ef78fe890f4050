package chain

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/macvmio/smbvol/pkg/vdisk"
	"github.com/macvmio/smbvol/pkg/volerr"
)

type Operations struct {
	backend   vdisk.Backend
	inspector *Inspector
	opts      *options
}

func NewOperations(b vdisk.Backend, opts ...Option) *Operations {
	return &Operations{
		backend:   b,
		inspector: NewInspector(b, opts...),
		opts:      makeOptions(opts...),
	}
}

func (o *Operations) Inspector() *Inspector {
	return o.inspector
}

// CreateDifferencing creates newPath as a differencing image backed by parentPath.
// An existing file at newPath is never replaced.
func (o *Operations) CreateDifferencing(newPath, parentPath string) error {
	if _, err := o.opts.fs.Stat(parentPath); err != nil {
		return volerr.InvalidVolume("parent image '%v' is not accessible: %v", parentPath, err)
	}
	_, err := o.opts.fs.Stat(newPath)
	if err == nil {
		return volerr.InvalidVolume("file already exists at %v", newPath)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("unable to stat '%v': %w", newPath, err)
	}
	format := vdisk.FormatFromPath(newPath)
	if format == vdisk.FormatUnknown {
		format = vdisk.FormatFromPath(parentPath)
	}
	err = o.backend.Create(vdisk.CreateParams{
		Path:       newPath,
		Format:     format,
		Type:       vdisk.TypeDifferencing,
		ParentPath: parentPath,
	})
	if err != nil {
		return fmt.Errorf("unable to create differencing image '%v': %w", newPath, err)
	}
	o.opts.log.WithFields(logrus.Fields{"path": newPath, "parent": parentPath}).Info("created differencing image")
	return nil
}

// Commit merges childPath into its immediate parent. The child file is left in place.
func (o *Operations) Commit(childPath string) error {
	info, err := o.inspector.Info(childPath)
	if err != nil {
		return err
	}
	if !info.HasParent() {
		return volerr.InvalidVolume("'%v' has no parent to commit into", childPath)
	}
	parent := o.inspector.Normalize(info.ParentPath)
	err = vdisk.With(o.backend, childPath, vdisk.AccessAll, 2, func(d *vdisk.Disk) error {
		return d.Merge(parent, 1)
	})
	if err != nil {
		return fmt.Errorf("unable to commit '%v' into '%v': %w", childPath, parent, err)
	}
	o.opts.log.WithFields(logrus.Fields{"path": childPath, "parent": parent}).Info("committed image")
	return nil
}

// Rebase points imagePath at newBackingFilename, a file in the same directory.
func (o *Operations) Rebase(imagePath, newBackingFilename string) error {
	if !isBareName(newBackingFilename) {
		return volerr.InvalidVolume("backing file '%v' must be a file name without directories", newBackingFilename)
	}
	parent := filepath.Join(filepath.Dir(imagePath), newBackingFilename)
	err := vdisk.With(o.backend, imagePath, vdisk.AccessAll, 1, func(d *vdisk.Disk) error {
		return d.SetParent(parent)
	})
	if err != nil {
		return fmt.Errorf("unable to rebase '%v' onto '%v': %w", imagePath, parent, err)
	}
	o.opts.log.WithFields(logrus.Fields{"path": imagePath, "parent": parent}).Info("rebased image")
	return nil
}

// Convert writes the fully resolved content of src into a new image dst of the given format.
func (o *Operations) Convert(src, dst string, format vdisk.Format) error {
	if format == vdisk.FormatUnknown {
		return volerr.InvalidVolume("unknown destination format for '%v'", dst)
	}
	err := o.backend.Create(vdisk.CreateParams{
		Path:       dst,
		Format:     format,
		Type:       vdisk.TypeDynamic,
		SourcePath: src,
	})
	if err != nil {
		return fmt.Errorf("unable to convert '%v' to %v: %w", src, format, err)
	}
	o.opts.log.WithFields(logrus.Fields{"path": dst, "source": src, "format": format}).Info("converted image")
	return nil
}

// Resize changes the virtual size of path. Differencing images that cannot be resized on
// their own are refused before the backend is asked to do anything.
func (o *Operations) Resize(path string, newSize int64) error {
	info, err := o.inspector.Info(path)
	if err != nil {
		return err
	}
	if info.Type == vdisk.TypeDifferencing && !info.Format.ResizableDifferencing() {
		return volerr.InvalidVolume("%v differencing image '%v' cannot be resized", info.Format, path)
	}
	err = vdisk.With(o.backend, path, vdisk.AccessAll, 1, func(d *vdisk.Disk) error {
		return d.Resize(newSize)
	})
	if err != nil {
		return fmt.Errorf("unable to resize '%v': %w", path, err)
	}
	o.opts.log.WithFields(logrus.Fields{"path": path}).Infof("resized image to %s", humanize.IBytes(uint64(newSize)))
	return nil
}
