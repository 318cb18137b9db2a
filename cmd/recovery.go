package cmd

import (
	"fmt"
	"time"

	"dr-orchestrator/internal/fault"
	"dr-orchestrator/internal/recovery"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	recoveryLevel     string
	recoveryComponent string
	recoveryTarget    string
	recoveryPIT       string
)

var recoveryCmd = &cobra.Command{
	Use:   "recovery",
	Short: "Run and inspect recoveries",
}

var recoveryRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a recovery",
	Long: `Plans and executes a recovery. L1 restores one component, L2 restores
a consistency group to a common point in time, L3 rebuilds every
component at another site and promotes it to primary.

At most one recovery runs at a time; a second invocation fails
immediately while one is in progress.`,
	RunE: runRecovery,
}

var recoveryStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the most recent recovery execution",
	RunE:  runRecoveryStatus,
}

func init() {
	recoveryRunCmd.Flags().StringVar(&recoveryLevel, "level", "", "recovery level (L1, L2, L3)")
	recoveryRunCmd.Flags().StringVar(&recoveryComponent, "component", "", "component to recover (L1, L2)")
	recoveryRunCmd.Flags().StringVar(&recoveryTarget, "target-site", "", "site to rebuild (L3)")
	recoveryRunCmd.Flags().StringVar(&recoveryPIT, "point-in-time", "", "target point in time, RFC 3339 (default now)")
	recoveryRunCmd.MarkFlagRequired("level")

	recoveryCmd.AddCommand(recoveryRunCmd)
	recoveryCmd.AddCommand(recoveryStatusCmd)
	rootCmd.AddCommand(recoveryCmd)
}

func runRecovery(cmd *cobra.Command, args []string) error {
	req := recovery.Request{
		Level:       recovery.Level(recoveryLevel),
		ComponentID: recoveryComponent,
		TargetSite:  recoveryTarget,
	}
	if !recovery.IsValidLevel(req.Level) {
		return fault.Configuration(fmt.Sprintf("unknown recovery level %q", recoveryLevel), nil)
	}
	if recoveryPIT != "" {
		pit, err := time.Parse(time.RFC3339, recoveryPIT)
		if err != nil {
			return fault.Configuration("point-in-time must be RFC 3339", err)
		}
		req.PointInTime = pit
	}

	rt, err := buildRuntime()
	if err != nil {
		return err
	}

	exec, err := rt.recovery.Run(cmd.Context(), req)
	if exec != nil {
		printExecution(exec)
	}
	return err
}

func runRecoveryStatus(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}

	exec, err := rt.recovery.Status()
	if err != nil {
		return err
	}
	if exec == nil {
		fmt.Println("No recovery has been recorded.")
		return nil
	}
	printExecution(exec)
	return nil
}

func printExecution(exec *recovery.Execution) {
	state := color.New(color.FgGreen)
	switch exec.State {
	case recovery.ExecFailed, recovery.ExecRolledBack:
		state = color.New(color.FgRed)
	case recovery.ExecRestoring, recovery.ExecVerifying, recovery.ExecPlanned:
		state = color.New(color.FgYellow)
	}

	fmt.Printf("Recovery %s\n", exec.ID)
	fmt.Printf("  Level:   %s", exec.Plan.Level)
	if exec.Plan.UpgradedFrom != "" {
		fmt.Printf(" (upgraded from %s: %s)", exec.Plan.UpgradedFrom, exec.Plan.UpgradeReason)
	}
	fmt.Println()
	fmt.Printf("  State:   %s\n", state.Sprint(string(exec.State)))
	fmt.Printf("  Target:  %s\n", exec.Plan.PointInTime.Format(time.RFC3339))
	if exec.Plan.TargetSite != "" {
		fmt.Printf("  Site:    %s\n", exec.Plan.TargetSite)
	}
	if exec.Error != "" {
		fmt.Printf("  Error:   %s\n", exec.Error)
	}

	fmt.Println("  Steps:")
	for _, step := range exec.Plan.Steps {
		status := exec.Steps[step.ComponentID]
		line := fmt.Sprintf("    %-20s %-10s %d artifact(s)", step.ComponentID, status.State, len(step.ArtifactIDs))
		switch status.State {
		case recovery.StepRestored:
			color.Green(line)
		case recovery.StepFailed:
			color.Red("%s: %s", line, status.Error)
		default:
			color.Yellow(line)
		}
	}
}
