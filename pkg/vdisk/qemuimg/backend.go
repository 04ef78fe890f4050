// Package qemuimg implements vdisk.Backend by invoking the qemu-img tool.
package qemuimg

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"github.com/coreos/go-semver/semver"
	"github.com/sirupsen/logrus"

	"github.com/macvmio/smbvol/pkg/vdisk"
	"github.com/macvmio/smbvol/pkg/volerr"
)

type Backend struct {
	opts *options
}

var _ vdisk.Backend = (*Backend)(nil)

func New(opts ...Option) *Backend {
	return &Backend{opts: makeOptions(opts...)}
}

// imageInfo is the subset of `qemu-img info --output json` we rely on.
type imageInfo struct {
	Format      string `json:"format"`
	BackingFile string `json:"backing-filename"`
	ActualSize  int64  `json:"actual-size"`
	VirtualSize int64  `json:"virtual-size"`
}

func execRunner(name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	out, err := cmd.Output()
	if err != nil {
		var e *exec.ExitError
		if errors.As(err, &e) && len(e.Stderr) > 0 {
			return out, fmt.Errorf("%w: %q", err, strings.TrimSpace(string(e.Stderr)))
		}
		return out, err
	}
	return out, nil
}

func (b *Backend) run(op, path string, args ...string) ([]byte, error) {
	b.opts.log.WithFields(logrus.Fields{"op": op, "path": path}).Debugf("%s %s", b.opts.binary, strings.Join(args, " "))
	out, err := b.opts.runner(b.opts.binary, args...)
	if err != nil {
		return nil, &volerr.BackendAPIError{Op: op, Path: path, Status: exitStatus(err), Cause: err}
	}
	return out, nil
}

func exitStatus(err error) uint32 {
	var e *exec.ExitError
	if errors.As(err, &e) {
		return uint32(e.ExitCode())
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return uint32(errno)
	}
	return 1
}

func (b *Backend) Open(path string, access vdisk.AccessMask, rwDepth int) (vdisk.Handle, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, &volerr.BackendAPIError{Op: "open", Path: path, Status: exitStatus(err), Cause: err}
	}
	return &handle{b: b, path: path, access: access}, nil
}

// Create refuses to replace an existing file unless it converts from another image.
// Only qcow2 images can carry a backing file.
func (b *Backend) Create(p vdisk.CreateParams) error {
	if p.SourcePath == "" {
		if _, err := os.Stat(p.Path); err == nil {
			return &volerr.BackendAPIError{Op: "create", Path: p.Path, Status: uint32(syscall.EEXIST), Detail: "file exists"}
		}
	}
	switch {
	case p.SourcePath != "":
		args := []string{"convert", "-O", p.Format.QemuName()}
		if sub := subformat(p.Format, vdisk.TypeDynamic); sub != "" {
			args = append(args, "-o", "subformat="+sub)
		}
		_, err := b.run("convert", p.Path, append(args, p.SourcePath, p.Path)...)
		return err
	case p.ParentPath != "":
		parentFormat, err := b.formatOf(p.ParentPath)
		if err != nil {
			return err
		}
		format := p.Format
		if format == vdisk.FormatUnknown {
			format = parentFormat
		}
		if format != vdisk.FormatQCOW2 {
			return volerr.InvalidVolume("snapshots are not supported for %v volumes", format)
		}
		_, err = b.run("create", p.Path, "create", "-f", format.QemuName(),
			"-b", p.ParentPath, "-F", parentFormat.QemuName(), p.Path)
		return err
	default:
		args := []string{"create", "-f", p.Format.QemuName()}
		if sub := subformat(p.Format, p.Type); sub != "" {
			args = append(args, "-o", "subformat="+sub)
		}
		_, err := b.run("create", p.Path, append(args, p.Path, strconv.FormatInt(p.Size, 10))...)
		return err
	}
}

func subformat(f vdisk.Format, t vdisk.Type) string {
	if f != vdisk.FormatVHD && f != vdisk.FormatVHDX {
		return ""
	}
	if t == vdisk.TypeFixed {
		return "fixed"
	}
	return "dynamic"
}

func (b *Backend) info(path string) (vdisk.Info, error) {
	out, err := b.run("query info", path, "info", "--output", "json", path)
	if err != nil {
		return vdisk.Info{}, err
	}
	var raw imageInfo
	if err := json.Unmarshal(out, &raw); err != nil {
		return vdisk.Info{}, &volerr.BackendAPIError{Op: "query info", Path: path, Status: 1, Detail: "unparsable output", Cause: err}
	}
	format, err := vdisk.ParseFormat(raw.Format)
	if err != nil {
		return vdisk.Info{}, &volerr.BackendAPIError{Op: "query info", Path: path, Status: 1, Cause: err}
	}
	info := vdisk.Info{
		Path:         path,
		Format:       format,
		Type:         vdisk.TypeDynamic,
		ParentPath:   raw.BackingFile,
		VirtualSize:  raw.VirtualSize,
		PhysicalSize: raw.ActualSize,
	}
	if info.ParentPath != "" {
		info.Type = vdisk.TypeDifferencing
	}
	return info, nil
}

func (b *Backend) formatOf(path string) (vdisk.Format, error) {
	if f := vdisk.FormatFromPath(path); f != vdisk.FormatUnknown {
		return f, nil
	}
	info, err := b.info(path)
	if err != nil {
		return vdisk.FormatUnknown, err
	}
	return info.Format, nil
}

var versionPattern = regexp.MustCompile(`qemu-img version ([0-9.]*)`)

// Version reports the version of the installed tool.
func (b *Backend) Version() (*semver.Version, error) {
	out, err := b.run("version", b.opts.binary, "--version")
	if err != nil {
		return nil, err
	}
	m := versionPattern.FindStringSubmatch(string(out))
	if m == nil {
		return nil, fmt.Errorf("unable to find version in '%v'", strings.TrimSpace(string(out)))
	}
	return ParseVersion(m[1])
}

// ParseVersion accepts versions with one to three numeric components.
func ParseVersion(s string) (*semver.Version, error) {
	parts := strings.Split(strings.Trim(s, "."), ".")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	v, err := semver.NewVersion(strings.Join(parts, "."))
	if err != nil {
		return nil, fmt.Errorf("unable to parse version '%v': %w", s, err)
	}
	return v, nil
}

type handle struct {
	b      *Backend
	path   string
	access vdisk.AccessMask
}

func (h *handle) Info() (vdisk.Info, error) {
	return h.b.info(h.path)
}

func (h *handle) Resize(newSize int64) error {
	if h.access != vdisk.AccessAll {
		return &volerr.BackendAPIError{Op: "resize", Path: h.path, Status: uint32(syscall.EACCES), Detail: "handle opened read-only"}
	}
	_, err := h.b.run("resize", h.path, "resize", h.path, strconv.FormatInt(newSize, 10))
	return err
}

func (h *handle) Merge(parentPath string, depth int) error {
	if h.access != vdisk.AccessAll {
		return &volerr.BackendAPIError{Op: "merge", Path: h.path, Status: uint32(syscall.EACCES), Detail: "handle opened read-only"}
	}
	args := []string{"commit"}
	if parentPath != "" {
		args = append(args, "-b", parentPath)
	}
	_, err := h.b.run("merge", h.path, append(args, h.path)...)
	return err
}

func (h *handle) SetParent(parentPath string) error {
	if h.access != vdisk.AccessAll {
		return &volerr.BackendAPIError{Op: "set parent", Path: h.path, Status: uint32(syscall.EACCES), Detail: "handle opened read-only"}
	}
	parentFormat, err := h.b.formatOf(parentPath)
	if err != nil {
		return err
	}
	_, err = h.b.run("set parent", h.path, "rebase", "-u", "-b", parentPath, "-F", parentFormat.QemuName(), h.path)
	return err
}

func (h *handle) Close() error {
	return nil
}
