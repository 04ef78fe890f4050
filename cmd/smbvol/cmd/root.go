package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/macvmio/smbvol/pkg/lifecycle"
)

var (
	flagConfigFile      string
	flagVerbose         bool
	flagMetricsTextfile string
)

var metricsRegistry = newMetricsRegistry()

func newMetricsRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(lifecycle.Collectors()...)
	return r
}

func InitializeCommands() *cobra.Command {
	var rootCmd = &cobra.Command{
		Use:   "smbvol",
		Short: "smbvol manages volumes stored as virtual disk chains on SMB shares.",
		Long: `smbvol keeps block volumes as VHD, VHDX or qcow2 files on mounted SMB shares.
Snapshots are differencing images stacked on the volume file, tracked in a small
JSON ledger next to it. Volumes can be pushed to and pulled from an OCI registry.`,
		SilenceUsage:               true,
		SuggestionsMinimumDistance: 2,
	}
	rootCmd.PersistentFlags().StringVar(&flagConfigFile, "config", "", "config file (default is $HOME/.smbvol/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&flagMetricsTextfile, "metrics-textfile", "",
		"write operation metrics in text format to this file on exit")

	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Create or delete volume snapshots.",
	}
	snapshotCmd.AddCommand(NewCmdSnapshotCreate(), NewCmdSnapshotDelete())

	rootCmd.AddCommand(
		NewCmdCreate(),
		NewCmdDelete(),
		snapshotCmd,
		NewCmdExtend(),
		NewCmdInfo(),
		NewCmdUsage(),
		NewCmdPush(),
		NewCmdPull(),
		NewCmdClone(),
		NewCmdFromSnapshot(),
		NewCmdVersion(),
	)
	return rootCmd
}

func Execute(rootCmd *cobra.Command) {
	rootCmd.Version = Version
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	err := rootCmd.ExecuteContext(ctx)
	if flagMetricsTextfile != "" {
		if merr := prometheus.WriteToTextfile(flagMetricsTextfile, metricsRegistry); merr != nil {
			fmt.Fprintf(os.Stderr, "Error: unable to write metrics: %s\n", merr)
		}
	}
	if err != nil {
		cancel()
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
