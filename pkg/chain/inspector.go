// Package chain inspects and manipulates backing-file chains of differencing virtual disks.
// The topology is always derived from the images themselves.
package chain

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/macvmio/smbvol/pkg/vdisk"
	"github.com/macvmio/smbvol/pkg/volerr"
)

type Inspector struct {
	backend vdisk.Backend
	opts    *options
}

func NewInspector(b vdisk.Backend, opts ...Option) *Inspector {
	return &Inspector{backend: b, opts: makeOptions(opts...)}
}

// Info opens path read-only, queries its metadata and releases the handle whatever happens.
func (i *Inspector) Info(path string) (vdisk.Info, error) {
	var info vdisk.Info
	err := vdisk.With(i.backend, path, vdisk.AccessGetInfo, 1, func(d *vdisk.Disk) (err error) {
		info, err = d.Info()
		return err
	})
	if err != nil {
		return vdisk.Info{}, fmt.Errorf("unable to get info of '%v': %w", path, err)
	}
	i.opts.log.WithFields(logrus.Fields{
		"path":   path,
		"format": info.Format,
		"type":   info.Type,
		"parent": info.ParentPath,
	}).Debug("inspected virtual disk")
	return info, nil
}

// Normalize returns p the way parent paths are compared and handed to merges.
func (i *Inspector) Normalize(p string) string {
	if i.opts.caseInsensitive {
		return strings.ToLower(p)
	}
	return p
}

// SamePath reports whether a and b name the same file once normalized.
func (i *Inspector) SamePath(a, b string) bool {
	return i.Normalize(a) == i.Normalize(b)
}

// ParentName returns the normalized base name of the image's parent, or "" for a base image.
// Stored parent paths may use either separator.
func (i *Inspector) ParentName(info vdisk.Info) string {
	if !info.HasParent() {
		return ""
	}
	return i.Normalize(baseName(info.ParentPath))
}

// ResolveParent locates the parent of info inside the directory of info.Path.
func (i *Inspector) ResolveParent(info vdisk.Info) string {
	name := i.ParentName(info)
	if name == "" {
		return ""
	}
	return filepath.Join(filepath.Dir(info.Path), name)
}

// Chain walks from path down to its base image and returns every image, head first.
// A chain that refers back to one of its own images is reported as an invalid volume.
func (i *Inspector) Chain(path string) ([]vdisk.Info, error) {
	seen := make(map[string]bool)
	res := make([]vdisk.Info, 0)
	for current := path; current != ""; {
		k := i.Normalize(filepath.Clean(current))
		if seen[k] {
			return nil, volerr.InvalidVolume("backing chain of '%v' loops back to '%v'", path, current)
		}
		seen[k] = true
		info, err := i.Info(current)
		if err != nil {
			return nil, err
		}
		res = append(res, info)
		current = i.ResolveParent(info)
	}
	return res, nil
}

func baseName(p string) string {
	if idx := strings.LastIndexAny(p, `/\`); idx >= 0 {
		return p[idx+1:]
	}
	return p
}

func isBareName(name string) bool {
	return name != "" && !strings.ContainsAny(name, `/\`) && name != "." && name != ".."
}
