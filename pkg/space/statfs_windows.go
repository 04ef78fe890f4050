//go:build windows

package space

import (
	"os"

	"golang.org/x/sys/windows"
)

// StatfsReporter reads capacity from the volume hosting path.
type StatfsReporter struct{}

func (StatfsReporter) Capacity(path string) (int64, int64, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, 0, err
	}
	var freeToCaller, total, free uint64
	if err := windows.GetDiskFreeSpaceEx(p, &freeToCaller, &total, &free); err != nil {
		return 0, 0, os.NewSyscallError("GetDiskFreeSpaceEx", err)
	}
	return int64(total), int64(freeToCaller), nil
}
