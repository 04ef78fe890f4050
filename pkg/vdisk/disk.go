package vdisk

import (
	"errors"
	"fmt"
	"sync"

	"github.com/macvmio/smbvol/pkg/volerr"
)

// Disk owns one open Handle.
type Disk struct {
	path string
	h    Handle

	closeOnce sync.Once
	closeErr  error
}

// Open opens path through the backend.
func Open(b Backend, path string, access AccessMask, rwDepth int) (*Disk, error) {
	h, err := b.Open(path, access, rwDepth)
	if err != nil {
		return nil, asBackendError("open", path, err)
	}
	return &Disk{path: path, h: h}, nil
}

// With opens path, runs fn and closes the handle whatever fn returns.
func With(b Backend, path string, access AccessMask, rwDepth int, fn func(d *Disk) error) (err error) {
	d, err := Open(b, path, access, rwDepth)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := d.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(d)
}

func (d *Disk) Path() string {
	return d.path
}

// Close releases the handle. Only the first call reaches the backend.
func (d *Disk) Close() error {
	d.closeOnce.Do(func() {
		if err := d.h.Close(); err != nil {
			d.closeErr = asBackendError("close", d.path, err)
		}
	})
	return d.closeErr
}

func (d *Disk) Info() (Info, error) {
	info, err := d.h.Info()
	if err != nil {
		return Info{}, asBackendError("query info", d.path, err)
	}
	if info.Path == "" {
		info.Path = d.path
	}
	return info, nil
}

func (d *Disk) Resize(newSize int64) error {
	if newSize <= 0 {
		return fmt.Errorf("invalid size %d for '%v'", newSize, d.path)
	}
	return asBackendError("resize", d.path, d.h.Resize(newSize))
}

func (d *Disk) Merge(parentPath string, depth int) error {
	return asBackendError("merge", d.path, d.h.Merge(parentPath, depth))
}

func (d *Disk) SetParent(parentPath string) error {
	return asBackendError("set parent", d.path, d.h.SetParent(parentPath))
}

// asBackendError keeps a backend's own *volerr.BackendAPIError and wraps anything else.
func asBackendError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var be *volerr.BackendAPIError
	if errors.As(err, &be) {
		return err
	}
	return &volerr.BackendAPIError{Op: op, Path: path, Cause: err}
}
