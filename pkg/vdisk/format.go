package vdisk

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Format is the on-disk container format of a virtual-disk file.
type Format int

const (
	FormatUnknown Format = iota
	FormatVHD
	FormatVHDX
	FormatQCOW2
	// FormatRaw is only accepted as an image catalog source format.
	FormatRaw
)

func (f Format) String() string {
	switch f {
	case FormatVHD:
		return "vhd"
	case FormatVHDX:
		return "vhdx"
	case FormatQCOW2:
		return "qcow2"
	case FormatRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// Extension returns the file extension, including the dot, used for files of this format.
func (f Format) Extension() string {
	switch f {
	case FormatRaw:
		return ".img"
	case FormatUnknown:
		return ""
	default:
		return "." + f.String()
	}
}

// QemuName returns the name qemu-img uses for the format. VHD is known as "vpc".
func (f Format) QemuName() string {
	if f == FormatVHD {
		return "vpc"
	}
	return f.String()
}

// Differencing reports whether images of this format can have a parent.
func (f Format) Differencing() bool {
	return f == FormatVHD || f == FormatVHDX || f == FormatQCOW2
}

// ResizableDifferencing reports whether a differencing image of this format can be
// resized on its own. Legacy VHD differencing disks cannot.
func (f Format) ResizableDifferencing() bool {
	return f == FormatVHDX || f == FormatQCOW2
}

// ParseFormat accepts format names as used in configuration, image metadata and qemu-img output.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "vhd", "vpc":
		return FormatVHD, nil
	case "vhdx":
		return FormatVHDX, nil
	case "qcow2":
		return FormatQCOW2, nil
	case "raw", "img":
		return FormatRaw, nil
	}
	return FormatUnknown, fmt.Errorf("unsupported virtual disk format '%v'", s)
}

// FormatFromPath guesses the format from the file extension.
func FormatFromPath(path string) Format {
	f, err := ParseFormat(strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		return FormatUnknown
	}
	return f
}

// Type is the allocation type of a virtual-disk file.
type Type int

const (
	TypeUnknown Type = iota
	TypeFixed
	TypeDynamic
	TypeDifferencing
)

func (t Type) String() string {
	switch t {
	case TypeFixed:
		return "fixed"
	case TypeDynamic:
		return "dynamic"
	case TypeDifferencing:
		return "differencing"
	default:
		return "unknown"
	}
}
