package commands

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/fleetsetup/pkg/engine"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Exit codes.
const (
	exitFailure     = 1
	exitInvalid     = 2
	exitUnfinished  = 3
	exitInterrupted = 130
)

// foreground is the cancel token of a run started from the terminal.
var foreground atomic.Pointer[engine.CancelToken]

// Interrupt asks a foreground run to stop after its in-flight tasks. It
// reports false when no run is active.
func Interrupt() bool {
	token := foreground.Load()
	if token == nil {
		return false
	}
	token.Cancel()
	return true
}

// exitError carries a process exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// ExitCode maps a command error to a process exit code.
func ExitCode(err error) int {
	var ee *exitError
	switch {
	case errors.As(err, &ee):
		return ee.code
	case errors.Is(err, context.Canceled):
		return exitInterrupted
	case engine.IsValidation(err):
		return exitInvalid
	default:
		return exitFailure
	}
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fleetsetup",
		Short: "fleetsetup - PC fleet setup orchestration",
		Long: `fleetsetup runs setup tasks (OS settings, software installs, updates) on a
fleet of machines after a request for them has been approved.

Workflow:
  - Fill in the machine list template (fleetsetup init writes one)
  - Submit a request for a set of catalog tasks
  - Approve or reject it; approval policies are evaluated
  - Run it in the foreground or let a worker pick it up
  - Follow progress with status and events`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default ./"+defaultConfigFile+" if present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newSubmitCommand())
	rootCmd.AddCommand(newApproveCommand())
	rootCmd.AddCommand(newRejectCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newWorkerCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newEventsCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newCatalogCommand())
	rootCmd.AddCommand(newPoliciesCommand())

	return rootCmd
}
