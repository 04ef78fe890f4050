package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/macvmio/smbvol/pkg/lifecycle"
)

func NewCmdPush() *cobra.Command {
	var vf volumeFlags
	pushCmd := &cobra.Command{
		Use:   "push [image id]",
		Short: "Upload the current content of a volume to the registry.",
		Long: `Uploads the volume as image <registry>:<image id>. Volumes with snapshots are flattened
into a temporary file first.`,
		Args: cobra.ExactArgs(1),
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
			c, err := a.catalog()
			if err != nil {
				return err
			}
			if err := a.driver.CopyVolumeToImage(cmd.Context(), vol, c, lifecycle.ImageMeta{ID: args[0]}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "push has completed successfully")
			return nil
		},
	}
	vf.register(pushCmd, false)
	return pushCmd
}

func NewCmdPull() *cobra.Command {
	var vf volumeFlags
	pullCmd := &cobra.Command{
		Use:   "pull [image id]",
		Short: "Replace the content of a volume with an image from the registry.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			vol, err := vf.placedVolume(a)
			if err != nil {
				return err
			}
			c, err := a.catalog()
			if err != nil {
				return err
			}
			if err := a.driver.CopyImageToVolume(cmd.Context(), vol, c, args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), a.driver.LocalPath(vol))
			return nil
		},
	}
	vf.register(pullCmd, true)
	return pullCmd
}
