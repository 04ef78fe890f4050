package lifecycle

import (
	"context"

	"github.com/coreos/go-semver/semver"

	"github.com/macvmio/smbvol/pkg/vdisk"
)

const StatusAvailable = "available"

// Volume describes a volume as handed over by the volume-management layer.
type Volume struct {
	ID     string
	Name   string
	Size   int64 // GiB
	Status string
	// Format of the volume files. FormatUnknown selects the driver default.
	Format vdisk.Format
	// ShareDir is the local mount point of the share hosting the volume.
	ShareDir string
}

type Snapshot struct {
	ID         string
	Status     string
	Volume     Volume
	VolumeSize int64 // GiB
}

// ImageMeta describes an image in the catalog.
type ImageMeta struct {
	ID         string
	DiskFormat vdisk.Format
	Size       int64 // virtual size in bytes
}

// ImageCatalog stores volume images outside of the share.
type ImageCatalog interface {
	Show(ctx context.Context, imageID string) (ImageMeta, error)
	// FetchToFormat writes the image to destPath converted to format, copying blockSize bytes at a time.
	FetchToFormat(ctx context.Context, imageID, destPath string, format vdisk.Format, blockSize int64) error
	Upload(ctx context.Context, meta ImageMeta, path string, format vdisk.Format) error
}

// ToolVersioner reports the version of the image conversion tool.
type ToolVersioner interface {
	Version() (*semver.Version, error)
}
