package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/macvmio/smbvol/pkg/lifecycle"
	"github.com/macvmio/smbvol/pkg/vdisk"
)

// volumeFlags identifies a volume on the command line.
type volumeFlags struct {
	prefix string
	id     string
	name   string
	size   int64
	format string
	share  string
	dir    string
	status string
}

func (f *volumeFlags) flag(n string) string {
	if f.prefix == "" {
		return n
	}
	return f.prefix + "-" + n
}

func (f *volumeFlags) register(cmd *cobra.Command, withSize bool) {
	cmd.Flags().StringVar(&f.id, f.flag("id"), "", "volume id")
	cmd.Flags().StringVar(&f.name, f.flag("name"), "", "volume file name without extension (default volume-<id>)")
	cmd.Flags().StringVar(&f.format, f.flag("format"), "", "volume format: vhd, vhdx or qcow2 (default from config)")
	cmd.Flags().StringVar(&f.share, f.flag("share"), "", "share address hosting the volume, e.g. //host/share")
	cmd.Flags().StringVar(&f.dir, f.flag("dir"), "", "local directory hosting the volume, overrides the share mount point")
	cmd.Flags().StringVar(&f.status, f.flag("status"), lifecycle.StatusAvailable, "volume status as known to the caller")
	if withSize {
		cmd.Flags().Int64Var(&f.size, f.flag("size"), 1, "volume size in GiB")
	}
	cmd.MarkFlagRequired(f.flag("id"))
}

func (f *volumeFlags) volume(a *app) (lifecycle.Volume, error) {
	vol := lifecycle.Volume{
		ID:     f.id,
		Name:   f.name,
		Size:   f.size,
		Status: f.status,
	}
	if vol.Name == "" {
		vol.Name = "volume-" + f.id
	}
	if f.format != "" {
		format, err := vdisk.ParseFormat(f.format)
		if err != nil {
			return lifecycle.Volume{}, err
		}
		vol.Format = format
	}
	switch {
	case f.dir != "":
		vol.ShareDir = f.dir
	case f.share != "":
		vol.ShareDir = a.cfg.MountPoint(f.share)
	}
	return vol, nil
}

// placedVolume is volume, picking the least allocated eligible share when none is given.
func (f *volumeFlags) placedVolume(a *app) (lifecycle.Volume, error) {
	vol, err := f.volume(a)
	if err != nil || vol.ShareDir != "" {
		return vol, err
	}
	dirs, err := a.shareDirs()
	if err != nil {
		return lifecycle.Volume{}, err
	}
	vol.ShareDir, err = a.planner.SelectShare(dirs, vol.Size)
	return vol, err
}

func (f *volumeFlags) requireShare(vol lifecycle.Volume) error {
	if vol.ShareDir == "" {
		return fmt.Errorf("one of --%s or --%s is required", f.flag("share"), f.flag("dir"))
	}
	return nil
}
