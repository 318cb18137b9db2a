package main

import (
	"fmt"
	"os"

	"dr-orchestrator/cmd"
	"dr-orchestrator/internal/fault"
)

// Version information (set by build flags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Exit codes, stable for scripting.
const (
	exitOK                 = 0
	exitFailure            = 1
	exitRecoveryInProgress = 2
	exitConfiguration      = 3
)

func main() {
	cmd.SetVersionInfo(Version, BuildTime, GitCommit)

	err := cmd.Execute()
	if err == nil {
		os.Exit(exitOK)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)

	switch fault.KindOf(err) {
	case fault.KindRecoveryInProgress:
		os.Exit(exitRecoveryInProgress)
	case fault.KindConfiguration:
		os.Exit(exitConfiguration)
	default:
		os.Exit(exitFailure)
	}
}
