// Package vdisktest provides an in-memory vdisk.Backend for tests. Every image it knows
// about is also materialised as a small placeholder file so that filesystem checks behave.
package vdisktest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/macvmio/smbvol/pkg/vdisk"
	"github.com/macvmio/smbvol/pkg/volerr"
)

// Image is the metadata the fake keeps for one file.
type Image struct {
	Format       vdisk.Format
	Type         vdisk.Type
	ParentPath   string
	VirtualSize  int64
	PhysicalSize int64
}

// Call records one backend invocation.
type Call struct {
	Op     string
	Path   string
	Parent string
	Size   int64
	Depth  int
	Format vdisk.Format
}

type entry struct {
	path string
	img  *Image
}

// Backend matches paths case-insensitively, like the Windows facility does.
type Backend struct {
	mu      sync.Mutex
	images  map[string]*entry
	open    int
	opened  int
	calls   []Call
	failOps map[string]error
}

var _ vdisk.Backend = (*Backend)(nil)

func New() *Backend {
	return &Backend{
		images:  make(map[string]*entry),
		failOps: make(map[string]error),
	}
}

func key(path string) string {
	return strings.ToLower(filepath.Clean(path))
}

// Add registers an existing image and writes its placeholder file.
func (b *Backend) Add(path string, img Image) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addLocked(path, img)
}

func (b *Backend) addLocked(path string, img Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte("fake "+img.Format.String()), 0o666); err != nil {
		return err
	}
	cp := img
	b.images[key(path)] = &entry{path: path, img: &cp}
	return nil
}

// Image returns the metadata of a known image, if the file still exists.
func (b *Backend) Image(path string) (Image, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	img, ok := b.lookupLocked(path)
	if !ok {
		return Image{}, false
	}
	return *img, true
}

func (b *Backend) lookupLocked(path string) (*Image, bool) {
	e, ok := b.images[key(path)]
	if !ok {
		return nil, false
	}
	if _, err := os.Stat(e.path); err != nil {
		return nil, false
	}
	return e.img, true
}

// Fail makes every later call of op fail with err. Ops: open, info, resize, merge,
// set-parent, create, close.
func (b *Backend) Fail(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failOps[op] = err
}

// OpenHandles returns the number of handles opened and not yet closed.
func (b *Backend) OpenHandles() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// OpenedCount returns how many handles were ever opened.
func (b *Backend) OpenedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opened
}

// Calls returns the recorded calls of op, or all calls when op is empty.
func (b *Backend) Calls(op string) []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	res := make([]Call, 0)
	for _, c := range b.calls {
		if op == "" || c.Op == op {
			res = append(res, c)
		}
	}
	return res
}

func (b *Backend) record(c Call) error {
	b.calls = append(b.calls, c)
	if err, ok := b.failOps[c.Op]; ok {
		return &volerr.BackendAPIError{Op: c.Op, Path: c.Path, Status: 1, Cause: err}
	}
	return nil
}

func (b *Backend) Open(path string, access vdisk.AccessMask, rwDepth int) (vdisk.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record(Call{Op: "open", Path: path, Depth: rwDepth}); err != nil {
		return nil, err
	}
	if _, ok := b.lookupLocked(path); !ok {
		return nil, &volerr.BackendAPIError{Op: "open", Path: path, Status: uint32(syscall.ENOENT), Detail: "no such virtual disk"}
	}
	b.open++
	b.opened++
	return &handle{b: b, path: path}, nil
}

func (b *Backend) Create(p vdisk.CreateParams) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record(Call{Op: "create", Path: p.Path, Parent: p.ParentPath, Size: p.Size, Format: p.Format}); err != nil {
		return err
	}
	if _, err := os.Stat(p.Path); err == nil {
		return &volerr.BackendAPIError{Op: "create", Path: p.Path, Status: uint32(syscall.EEXIST), Detail: "file exists"}
	}
	img := Image{Format: p.Format, Type: p.Type, VirtualSize: p.Size}
	switch {
	case p.ParentPath != "":
		parent, ok := b.lookupLocked(p.ParentPath)
		if !ok {
			return &volerr.BackendAPIError{Op: "create", Path: p.Path, Status: uint32(syscall.ENOENT), Detail: "parent not found"}
		}
		img.Type = vdisk.TypeDifferencing
		img.ParentPath = p.ParentPath
		img.VirtualSize = parent.VirtualSize
		if img.Format == vdisk.FormatUnknown {
			img.Format = parent.Format
		}
	case p.SourcePath != "":
		src, ok := b.lookupLocked(p.SourcePath)
		if !ok {
			return &volerr.BackendAPIError{Op: "create", Path: p.Path, Status: uint32(syscall.ENOENT), Detail: "source not found"}
		}
		img.Type = vdisk.TypeDynamic
		img.VirtualSize = src.VirtualSize
		img.PhysicalSize = b.chainSizeLocked(src)
	default:
		if img.Type == vdisk.TypeUnknown {
			img.Type = vdisk.TypeDynamic
		}
		if img.Type == vdisk.TypeFixed {
			img.PhysicalSize = p.Size
		}
	}
	return b.addLocked(p.Path, img)
}

func (b *Backend) chainSizeLocked(img *Image) int64 {
	total := int64(0)
	seen := map[*Image]bool{}
	for img != nil && !seen[img] {
		seen[img] = true
		total += img.PhysicalSize
		if img.ParentPath == "" {
			break
		}
		e, ok := b.images[key(img.ParentPath)]
		if !ok {
			break
		}
		img = e.img
	}
	return total
}

type handle struct {
	b    *Backend
	path string
}

func (h *handle) Info() (vdisk.Info, error) {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	if err := h.b.record(Call{Op: "info", Path: h.path}); err != nil {
		return vdisk.Info{}, err
	}
	img, ok := h.b.lookupLocked(h.path)
	if !ok {
		return vdisk.Info{}, &volerr.BackendAPIError{Op: "info", Path: h.path, Status: uint32(syscall.ENOENT)}
	}
	return vdisk.Info{
		Path:         h.path,
		Format:       img.Format,
		Type:         img.Type,
		ParentPath:   img.ParentPath,
		VirtualSize:  img.VirtualSize,
		PhysicalSize: img.PhysicalSize,
	}, nil
}

func (h *handle) Resize(newSize int64) error {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	if err := h.b.record(Call{Op: "resize", Path: h.path, Size: newSize}); err != nil {
		return err
	}
	img, ok := h.b.lookupLocked(h.path)
	if !ok {
		return &volerr.BackendAPIError{Op: "resize", Path: h.path, Status: uint32(syscall.ENOENT)}
	}
	img.VirtualSize = newSize
	return nil
}

func (h *handle) Merge(parentPath string, depth int) error {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	if err := h.b.record(Call{Op: "merge", Path: h.path, Parent: parentPath, Depth: depth}); err != nil {
		return err
	}
	child, ok := h.b.lookupLocked(h.path)
	if !ok {
		return &volerr.BackendAPIError{Op: "merge", Path: h.path, Status: uint32(syscall.ENOENT)}
	}
	parent, ok := h.b.lookupLocked(parentPath)
	if !ok {
		return &volerr.BackendAPIError{Op: "merge", Path: h.path, Status: uint32(syscall.ENOENT), Detail: "parent not found"}
	}
	parent.PhysicalSize += child.PhysicalSize
	return nil
}

func (h *handle) SetParent(parentPath string) error {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	if err := h.b.record(Call{Op: "set-parent", Path: h.path, Parent: parentPath}); err != nil {
		return err
	}
	img, ok := h.b.lookupLocked(h.path)
	if !ok {
		return &volerr.BackendAPIError{Op: "set-parent", Path: h.path, Status: uint32(syscall.ENOENT)}
	}
	if img.Type != vdisk.TypeDifferencing {
		return &volerr.BackendAPIError{Op: "set-parent", Path: h.path, Status: 87, Detail: fmt.Sprintf("%v is not a differencing image", h.path)}
	}
	img.ParentPath = parentPath
	return nil
}

func (h *handle) Close() error {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	h.b.open--
	return h.b.record(Call{Op: "close", Path: h.path})
}
