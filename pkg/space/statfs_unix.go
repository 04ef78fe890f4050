//go:build linux || darwin || freebsd

package space

import (
	"os"

	"golang.org/x/sys/unix"
)

// StatfsReporter reads capacity from the mounted filesystem.
type StatfsReporter struct{}

func (StatfsReporter) Capacity(path string) (int64, int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, os.NewSyscallError("statfs", err)
	}
	bsize := int64(st.Bsize)
	return int64(st.Blocks) * bsize, int64(st.Bavail) * bsize, nil
}
