package cmd

import (
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/macvmio/smbvol/pkg/ledger"
)

func NewCmdInfo() *cobra.Command {
	var vf volumeFlags
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show the image chain of a volume.",
		Long:  `Walks the backing chain from the active image down to the base image and shows which snapshot each file belongs to.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			vol, err := vf.volume(a)
			if err != nil {
				return err
			}
			if err := vf.requireShare(vol); err != nil {
				return err
			}
			l, err := ledger.Read(a.fs, ledger.Path(a.driver.LocalPath(vol)), true)
			if err != nil {
				return err
			}
			active, err := a.driver.ActiveImage(vol)
			if err != nil {
				return err
			}
			inspector := a.driver.Inspector()
			infos, err := inspector.Chain(filepath.Join(a.driver.VolumeDir(vol), active))
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"File", "Format", "Type", "Virtual", "Allocated", "Snapshot"})
			for _, info := range infos {
				name := filepath.Base(info.Path)
				snapshotID, _ := l.SnapshotFor(name, inspector.SamePath)
				table.Append([]string{name, info.Format.String(), info.Type.String(),
					humanize.IBytes(uint64(info.VirtualSize)), humanize.IBytes(uint64(info.PhysicalSize)), snapshotID})
			}
			table.Render()
			return nil
		},
	}
	vf.register(infoCmd, false)
	return infoCmd
}

func NewCmdUsage() *cobra.Command {
	usageCmd := &cobra.Command{
		Use:   "usage",
		Short: "Show capacity and allocation of the configured shares.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			dirs, err := a.shareDirs()
			if err != nil {
				return err
			}
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"Mount point", "Total", "Available", "Allocated"})
			for _, dir := range dirs {
				c, err := a.planner.Capacity(dir)
				if err != nil {
					a.log.WithError(err).WithField("share", dir).Warn("unable to get share capacity")
					continue
				}
				table.Append([]string{dir, humanize.IBytes(uint64(c.Total)),
					humanize.IBytes(uint64(c.Available)), humanize.IBytes(uint64(c.Allocated))})
			}
			table.Render()
			return nil
		},
	}
	return usageCmd
}
