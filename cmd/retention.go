package cmd

import (
	"fmt"

	"dr-orchestrator/internal/artifact"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var retentionDryRun bool

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Apply retention policy to stored artifacts",
}

var retentionSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired artifacts",
	Long: `Deletes artifacts past their retention expiry. An expired full backup
that still anchors a retained incremental chain is kept until the whole
chain expires. The sweep is idempotent.`,
	RunE: runRetentionSweep,
}

func init() {
	retentionSweepCmd.Flags().BoolVar(&retentionDryRun, "dry-run", false, "report what would be deleted without deleting")

	retentionCmd.AddCommand(retentionSweepCmd)
	rootCmd.AddCommand(retentionCmd)
}

func runRetentionSweep(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}

	sweeper := artifact.NewSweeper(rt.primaryStore(), rt.logger)
	result, err := sweeper.Sweep(cmd.Context(), retentionDryRun)
	if err != nil {
		return err
	}

	verb := "deleted"
	if result.DryRun {
		verb = "would delete"
	}
	fmt.Printf("Examined %d artifact(s), %s %d, kept %d (%d protected as chain baselines)\n",
		result.Examined, verb, len(result.Deleted), result.Kept, len(result.Protected))
	for _, id := range result.Deleted {
		color.Red("  - %s", id)
	}
	for _, id := range result.Protected {
		color.Yellow("  ~ %s (expired, protected)", id)
	}
	return nil
}
