// Package space computes how much of a share is allocated to volumes and decides which
// share can host a new volume.
package space

import (
	"io/fs"
	"strings"

	"github.com/macvmio/smbvol/pkg/vdisk"
)

// Kind is how a directory entry is accounted for.
type Kind int

const (
	// KindSymlink entries are never followed and count as zero.
	KindSymlink Kind = iota
	// KindSnapshot entries belong to a volume chain whose size is accounted elsewhere.
	KindSnapshot
	// KindVirtualDisk entries count with the allocation reported by the virtual-disk backend.
	KindVirtualDisk
	KindDirectory
	KindPlain
)

func (k Kind) String() string {
	switch k {
	case KindSymlink:
		return "symlink"
	case KindSnapshot:
		return "snapshot"
	case KindVirtualDisk:
		return "virtual-disk"
	case KindDirectory:
		return "directory"
	default:
		return "plain"
	}
}

// Classify decides the kind of an entry from its name and mode. Rules apply in the
// order of the Kind constants.
func Classify(name string, mode fs.FileMode) Kind {
	switch {
	case mode&fs.ModeSymlink != 0:
		return KindSymlink
	case strings.Contains(name, "snapshot"):
		return KindSnapshot
	case !mode.IsDir() && vdisk.FormatFromPath(name).Differencing():
		return KindVirtualDisk
	case mode.IsDir():
		return KindDirectory
	default:
		return KindPlain
	}
}
