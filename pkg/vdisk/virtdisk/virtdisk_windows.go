//go:build windows

// Package virtdisk implements vdisk.Backend on top of the Windows virtdisk.dll API.
package virtdisk

import (
	"encoding/binary"
	"os"
	"strings"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/windows"

	"github.com/macvmio/smbvol/pkg/vdisk"
	"github.com/macvmio/smbvol/pkg/volerr"
)

var (
	modVirtDisk                   = windows.NewLazySystemDLL("virtdisk.dll")
	procOpenVirtualDisk           = modVirtDisk.NewProc("OpenVirtualDisk")
	procCreateVirtualDisk         = modVirtDisk.NewProc("CreateVirtualDisk")
	procResizeVirtualDisk         = modVirtDisk.NewProc("ResizeVirtualDisk")
	procMergeVirtualDisk          = modVirtDisk.NewProc("MergeVirtualDisk")
	procGetVirtualDiskInformation = modVirtDisk.NewProc("GetVirtualDiskInformation")
	procSetVirtualDiskInformation = modVirtDisk.NewProc("SetVirtualDiskInformation")
)

const (
	storageTypeDeviceUnknown = 0
	storageTypeDeviceVHD     = 2
	storageTypeDeviceVHDX    = 3

	accessNone    = 0x00000000
	accessGetInfo = 0x00080000
	accessAll     = 0x003f0000

	openVersion1   = 1
	createVersion2 = 2
	resizeVersion1 = 1
	mergeVersion1  = 1

	createFlagFullPhysicalAllocation = 0x1

	infoSize                = 1
	infoParentLocation      = 3
	infoVirtualStorageType  = 6
	infoProviderSubtype     = 7
	setInfoParentPath       = 1
	providerSubtypeFixed    = 2
	providerSubtypeDynamic  = 3
	providerSubtypeDiffDisk = 4

	errorNotSupported = 50
)

var vendorMicrosoft = windows.GUID{
	Data1: 0xec984aec,
	Data2: 0xa0f9,
	Data3: 0x47e9,
	Data4: [8]byte{0x90, 0x1f, 0x71, 0x41, 0x5a, 0x66, 0x34, 0x5b},
}

type virtualStorageType struct {
	DeviceID uint32
	VendorID windows.GUID
}

type openParameters struct {
	Version uint32
	RWDepth uint32
}

type createParameters struct {
	Version                   uint32
	_                         uint32
	UniqueID                  windows.GUID
	MaximumSize               uint64
	BlockSizeInBytes          uint32
	SectorSizeInBytes         uint32
	PhysicalSectorSizeInBytes uint32
	ParentPath                *uint16
	SourcePath                *uint16
	OpenFlags                 uint32
	ParentVirtualStorageType  virtualStorageType
	SourceVirtualStorageType  virtualStorageType
	ResiliencyGUID            windows.GUID
}

type resizeParameters struct {
	Version uint32
	_       uint32
	NewSize uint64
}

type mergeParameters struct {
	Version    uint32
	MergeDepth uint32
}

type setInfoParentPathParameters struct {
	Version        uint32
	ParentFilePath *uint16
}

type Backend struct {
	log logrus.FieldLogger
}

var _ vdisk.Backend = (*Backend)(nil)

func New(log logrus.FieldLogger) (*Backend, error) {
	if err := modVirtDisk.Load(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Backend{log: log}, nil
}

func deviceID(f vdisk.Format) uint32 {
	switch f {
	case vdisk.FormatVHD:
		return storageTypeDeviceVHD
	case vdisk.FormatVHDX:
		return storageTypeDeviceVHDX
	}
	return storageTypeDeviceUnknown
}

func storageTypeFor(path string) (virtualStorageType, error) {
	id := deviceID(vdisk.FormatFromPath(path))
	if id == storageTypeDeviceUnknown {
		return virtualStorageType{}, &volerr.BackendAPIError{Op: "open", Path: path, Status: errorNotSupported, Detail: "unsupported virtual disk extension"}
	}
	return virtualStorageType{DeviceID: id, VendorID: vendorMicrosoft}, nil
}

func check(op, path string, r1 uintptr) error {
	if r1 == 0 {
		return nil
	}
	return &volerr.BackendAPIError{Op: op, Path: path, Status: uint32(r1), Cause: windows.Errno(r1)}
}

func (b *Backend) Open(path string, access vdisk.AccessMask, rwDepth int) (vdisk.Handle, error) {
	vst, err := storageTypeFor(path)
	if err != nil {
		return nil, err
	}
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, err
	}
	mask := uint32(accessAll)
	switch access {
	case vdisk.AccessGetInfo:
		mask = accessGetInfo
	case vdisk.AccessNone:
		mask = accessNone
	}
	params := openParameters{Version: openVersion1, RWDepth: uint32(rwDepth)}
	var h windows.Handle
	r1, _, _ := procOpenVirtualDisk.Call(
		uintptr(unsafe.Pointer(&vst)),
		uintptr(unsafe.Pointer(p)),
		uintptr(mask),
		0,
		uintptr(unsafe.Pointer(&params)),
		uintptr(unsafe.Pointer(&h)),
	)
	if err := check("open", path, r1); err != nil {
		return nil, err
	}
	return &handle{path: path, h: h}, nil
}

func (b *Backend) Create(p vdisk.CreateParams) error {
	vst, err := storageTypeFor(p.Path)
	if err != nil {
		return err
	}
	path, err := windows.UTF16PtrFromString(p.Path)
	if err != nil {
		return err
	}
	params := createParameters{Version: createVersion2}
	flags := uint32(0)
	switch {
	case p.ParentPath != "":
		if params.ParentPath, err = windows.UTF16PtrFromString(p.ParentPath); err != nil {
			return err
		}
		if params.ParentVirtualStorageType, err = storageTypeFor(p.ParentPath); err != nil {
			return err
		}
	case p.SourcePath != "":
		if params.SourcePath, err = windows.UTF16PtrFromString(p.SourcePath); err != nil {
			return err
		}
		if params.SourceVirtualStorageType, err = storageTypeFor(p.SourcePath); err != nil {
			return err
		}
	default:
		params.MaximumSize = uint64(p.Size)
		if p.Type == vdisk.TypeFixed {
			flags = createFlagFullPhysicalAllocation
		}
	}
	b.log.WithFields(logrus.Fields{"path": p.Path, "parent": p.ParentPath, "source": p.SourcePath}).Debug("creating virtual disk")
	var h windows.Handle
	r1, _, _ := procCreateVirtualDisk.Call(
		uintptr(unsafe.Pointer(&vst)),
		uintptr(unsafe.Pointer(path)),
		accessNone,
		0,
		uintptr(flags),
		0,
		uintptr(unsafe.Pointer(&params)),
		0,
		uintptr(unsafe.Pointer(&h)),
	)
	if err := check("create", p.Path, r1); err != nil {
		return err
	}
	return windows.CloseHandle(h)
}

type handle struct {
	path string
	h    windows.Handle
}

// query fills buf with GET_VIRTUAL_DISK_INFO for the given version. The union starts at offset 8.
func (h *handle) query(version uint32, buf []byte) error {
	binary.LittleEndian.PutUint32(buf, version)
	size := uint32(len(buf))
	r1, _, _ := procGetVirtualDiskInformation.Call(
		uintptr(h.h),
		uintptr(unsafe.Pointer(&size)),
		uintptr(unsafe.Pointer(&buf[0])),
		0,
	)
	return check("query info", h.path, r1)
}

func (h *handle) Info() (vdisk.Info, error) {
	info := vdisk.Info{Path: h.path}
	buf := make([]byte, 8+64*1024)

	if err := h.query(infoVirtualStorageType, buf); err != nil {
		return vdisk.Info{}, err
	}
	switch binary.LittleEndian.Uint32(buf[8:]) {
	case storageTypeDeviceVHD:
		info.Format = vdisk.FormatVHD
	case storageTypeDeviceVHDX:
		info.Format = vdisk.FormatVHDX
	}

	if err := h.query(infoSize, buf); err != nil {
		return vdisk.Info{}, err
	}
	info.VirtualSize = int64(binary.LittleEndian.Uint64(buf[8:]))
	info.PhysicalSize = int64(binary.LittleEndian.Uint64(buf[16:]))

	if err := h.query(infoProviderSubtype, buf); err != nil {
		return vdisk.Info{}, err
	}
	switch binary.LittleEndian.Uint32(buf[8:]) {
	case providerSubtypeFixed:
		info.Type = vdisk.TypeFixed
	case providerSubtypeDynamic:
		info.Type = vdisk.TypeDynamic
	case providerSubtypeDiffDisk:
		info.Type = vdisk.TypeDifferencing
	}

	if info.Type == vdisk.TypeDifferencing {
		if err := h.query(infoParentLocation, buf); err != nil {
			return vdisk.Info{}, err
		}
		// ParentResolved (BOOL) then a NUL separated list of locations
		info.ParentPath = firstUTF16String(buf[12:])
	}
	return info, nil
}

func firstUTF16String(b []byte) string {
	u := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		c := binary.LittleEndian.Uint16(b[i:])
		if c == 0 {
			break
		}
		u = append(u, c)
	}
	return strings.TrimSpace(windows.UTF16ToString(u))
}

func (h *handle) Resize(newSize int64) error {
	params := resizeParameters{Version: resizeVersion1, NewSize: uint64(newSize)}
	r1, _, _ := procResizeVirtualDisk.Call(uintptr(h.h), 0, uintptr(unsafe.Pointer(&params)), 0)
	return check("resize", h.path, r1)
}

// Merge folds the image depth levels down. The API locates the parent itself; parentPath is
// only checked for existence.
func (h *handle) Merge(parentPath string, depth int) error {
	if _, err := os.Stat(parentPath); err != nil {
		return &volerr.BackendAPIError{Op: "merge", Path: h.path, Status: 2, Detail: "parent not found", Cause: err}
	}
	params := mergeParameters{Version: mergeVersion1, MergeDepth: uint32(depth)}
	r1, _, _ := procMergeVirtualDisk.Call(uintptr(h.h), 0, uintptr(unsafe.Pointer(&params)), 0)
	return check("merge", h.path, r1)
}

func (h *handle) SetParent(parentPath string) error {
	p, err := windows.UTF16PtrFromString(parentPath)
	if err != nil {
		return err
	}
	params := setInfoParentPathParameters{Version: setInfoParentPath, ParentFilePath: p}
	r1, _, _ := procSetVirtualDiskInformation.Call(uintptr(h.h), uintptr(unsafe.Pointer(&params)))
	return check("set parent", h.path, r1)
}

func (h *handle) Close() error {
	if err := windows.CloseHandle(h.h); err != nil {
		return os.NewSyscallError("CloseHandle", err)
	}
	return nil
}
