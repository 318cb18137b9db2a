package cmd

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var replicateTarget string

var replicateCmd = &cobra.Command{
	Use:   "replicate",
	Short: "Replicate artifacts to secondary sites",
}

var replicateSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Copy new artifacts to secondary sites",
	Long: `Copies artifacts the secondary sites have not seen yet, oldest first,
and advances each site's watermark past the data that actually landed.`,
	RunE: runReplicateSync,
}

func init() {
	replicateSyncCmd.Flags().StringVar(&replicateTarget, "target-site", "", "sync only this site (default all secondaries)")

	replicateCmd.AddCommand(replicateSyncCmd)
	rootCmd.AddCommand(replicateCmd)
}

func runReplicateSync(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if replicateTarget != "" {
		result, err := rt.replicator.Sync(ctx, replicateTarget)
		if result != nil {
			printSync(result.TargetSite, result.Copied, result.Lag, result.Watermark)
		}
		return err
	}

	results, err := rt.replicator.SyncAll(ctx)
	for _, result := range results {
		printSync(result.TargetSite, result.Copied, result.Lag, result.Watermark)
	}
	return err
}

func printSync(site string, copied int, lag time.Duration, watermark time.Time) {
	line := fmt.Sprintf("%-16s copied=%d lag=%s watermark=%s",
		site, copied, lag.Round(time.Second), watermark.Format(time.RFC3339))
	if lag == 0 {
		color.Green(line)
	} else {
		color.Yellow(line)
	}
}
