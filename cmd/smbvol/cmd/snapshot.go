package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/macvmio/smbvol/pkg/lifecycle"
)

type snapshotFlags struct {
	id     string
	status string
}

func (f *snapshotFlags) register(cmd *cobra.Command, idUsage string) {
	cmd.Flags().StringVar(&f.id, "snapshot-id", "", idUsage)
	cmd.Flags().StringVar(&f.status, "snapshot-status", lifecycle.StatusAvailable, "snapshot status as known to the caller")
}

func (f *snapshotFlags) snapshot(vol lifecycle.Volume) lifecycle.Snapshot {
	return lifecycle.Snapshot{ID: f.id, Status: f.status, Volume: vol, VolumeSize: vol.Size}
}

func NewCmdSnapshotCreate() *cobra.Command {
	var (
		vf volumeFlags
		sf snapshotFlags
	)
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Snapshot a volume.",
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
			if sf.id == "" {
				sf.id = uuid.NewString()
			}
			if err := a.driver.CreateSnapshot(cmd.Context(), sf.snapshot(vol)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sf.id)
			return nil
		},
	}
	vf.register(createCmd, true)
	sf.register(createCmd, "snapshot id (default a random uuid)")
	return createCmd
}

func NewCmdSnapshotDelete() *cobra.Command {
	var (
		vf volumeFlags
		sf snapshotFlags
	)
	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a snapshot, keeping the data of the others.",
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
			return a.driver.DeleteSnapshot(cmd.Context(), sf.snapshot(vol))
		},
	}
	vf.register(deleteCmd, false)
	sf.register(deleteCmd, "snapshot id")
	deleteCmd.MarkFlagRequired("snapshot-id")
	return deleteCmd
}

func NewCmdFromSnapshot() *cobra.Command {
	var (
		vf  volumeFlags
		src = volumeFlags{prefix: "source"}
		sf  snapshotFlags
	)
	fromSnapshotCmd := &cobra.Command{
		Use:   "from-snapshot",
		Short: "Create a volume holding the data of a snapshot.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			srcVol, err := src.volume(a)
			if err != nil {
				return err
			}
			if err := src.requireShare(srcVol); err != nil {
				return err
			}
			vol, err := vf.placedVolume(a)
			if err != nil {
				return err
			}
			if err := a.driver.CreateVolumeFromSnapshot(cmd.Context(), vol, sf.snapshot(srcVol)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), a.driver.LocalPath(vol))
			return nil
		},
	}
	vf.register(fromSnapshotCmd, true)
	src.register(fromSnapshotCmd, true)
	sf.register(fromSnapshotCmd, "snapshot id")
	fromSnapshotCmd.MarkFlagRequired("snapshot-id")
	return fromSnapshotCmd
}

func NewCmdClone() *cobra.Command {
	var (
		vf  volumeFlags
		src = volumeFlags{prefix: "source"}
	)
	cloneCmd := &cobra.Command{
		Use:   "clone",
		Short: "Create a volume as a copy of another volume.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			srcVol, err := src.volume(a)
			if err != nil {
				return err
			}
			if err := src.requireShare(srcVol); err != nil {
				return err
			}
			vol, err := vf.volume(a)
			if err != nil {
				return err
			}
			if vol.ShareDir == "" {
				vol.ShareDir = srcVol.ShareDir
			}
			if err := a.driver.CreateClonedVolume(cmd.Context(), vol, srcVol); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), a.driver.LocalPath(vol))
			return nil
		},
	}
	vf.register(cloneCmd, true)
	src.register(cloneCmd, true)
	return cloneCmd
}
