// Package vdisk wraps the platform virtual-disk facility behind a small Backend interface
// and gives callers handles that are released exactly once.
package vdisk

// AccessMask selects what an opened handle may do.
type AccessMask int

const (
	AccessNone AccessMask = iota
	AccessGetInfo
	AccessAll
)

// Info is the metadata of a single virtual-disk file.
type Info struct {
	Path   string
	Format Format
	Type   Type
	// ParentPath is set iff Type is TypeDifferencing. It is returned exactly as stored.
	ParentPath string
	// VirtualSize is the logical size of the disk.
	VirtualSize int64
	// PhysicalSize is what the file itself occupies. For a differencing image this is
	// only its own delta, not the chain below it.
	PhysicalSize int64
}

func (i Info) HasParent() bool {
	return i.ParentPath != ""
}

// CreateParams describes a new image. Set ParentPath for a differencing image or
// SourcePath to create a flattened copy of another image.
type CreateParams struct {
	Path       string
	Format     Format
	Type       Type
	Size       int64
	ParentPath string
	SourcePath string
}

// Backend is the low-level virtual-disk facility. Implementations return
// *volerr.BackendAPIError on failure.
type Backend interface {
	Open(path string, access AccessMask, rwDepth int) (Handle, error)
	Create(params CreateParams) error
}

// Handle is an open virtual disk. Calls are synchronous and cannot be interrupted.
type Handle interface {
	Info() (Info, error)
	Resize(newSize int64) error
	// Merge folds the handle's image into parentPath, depth levels down.
	Merge(parentPath string, depth int) error
	SetParent(parentPath string) error
	Close() error
}
