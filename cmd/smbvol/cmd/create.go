package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewCmdCreate() *cobra.Command {
	var vf volumeFlags
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an empty volume.",
		Long: `Creates a dynamically allocated volume file. Without --share or --dir the volume is placed
on the configured share with the least allocated space that can host it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			vol, err := vf.placedVolume(a)
			if err != nil {
				return err
			}
			if err := a.driver.CreateVolume(cmd.Context(), vol); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), a.driver.LocalPath(vol))
			return nil
		},
	}
	vf.register(createCmd, true)
	return createCmd
}

func NewCmdDelete() *cobra.Command {
	var vf volumeFlags
	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a volume and its ledger.",
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
			return a.driver.DeleteVolume(cmd.Context(), vol)
		},
	}
	vf.register(deleteCmd, false)
	return deleteCmd
}

func NewCmdExtend() *cobra.Command {
	var (
		vf          volumeFlags
		flagNewSize int64
	)
	extendCmd := &cobra.Command{
		Use:   "extend",
		Short: "Grow a volume.",
		Long:  `Resizes the active image of the volume. Volumes in vhd format can only be extended while they have no snapshots.`,
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
			if flagNewSize <= vol.Size {
				return fmt.Errorf("new size %dGiB must be larger than the current size %dGiB", flagNewSize, vol.Size)
			}
			return a.driver.ExtendVolume(cmd.Context(), vol, flagNewSize)
		},
	}
	vf.register(extendCmd, true)
	extendCmd.Flags().Int64Var(&flagNewSize, "new-size", 0, "new volume size in GiB")
	extendCmd.MarkFlagRequired("new-size")
	return extendCmd
}
