package commands

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/fleetsetup/pkg/config"
	"github.com/openfroyo/fleetsetup/pkg/engine"
	"github.com/openfroyo/fleetsetup/pkg/intake"
	"github.com/openfroyo/fleetsetup/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	var (
		csvPath     string
		tasks       []string
		catalogPath string
		policyDir   string
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a machine list, task catalog or policy directory",
		Long: `Validate inputs without touching the database.

This command checks:
  - The machine list template (columns, login types, credentials)
  - Task names against the catalog
  - The task catalog (CUE schema)
  - Approval policies (rego syntax)

With no flags the configured catalog and policies are checked.`,
		Example: `  # Check a filled-in machine list
  fleetsetup validate --csv machines.csv

  # Check a machine list and a task selection
  fleetsetup validate --csv machines.csv --tasks disable_ipv6,install_office

  # Check an edited catalog
  fleetsetup validate --catalog ./catalog.cue`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if catalogPath == "" {
				catalogPath = cfg.Catalog.Path
			}
			if policyDir == "" {
				policyDir = cfg.Policy.Dir
			}

			log.Debug().
				Str("csv", csvPath).
				Str("catalog", catalogPath).
				Str("policies", policyDir).
				Msg("Validating inputs")

			out := cmd.OutOrStdout()
			catalog, err := config.NewCatalogLoader().Load(catalogPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Task catalog: %d tasks (%s)\n", len(catalog.Tasks()), orDefault(catalogPath))

			if policyDir != "" {
				policies, err := policy.NewLoader(log.Logger).LoadDir(cmd.Context(), policyDir)
				if err != nil {
					return err
				}
				eng, err := policy.NewEngine(log.Logger, false)
				if err != nil {
					return err
				}
				if err := eng.LoadPolicies(cmd.Context(), policies); err != nil {
					return err
				}
				fmt.Fprintf(out, "✓ Policies: %d custom (%s)\n", len(policies), policyDir)
			}

			if len(tasks) > 0 {
				ordered, err := selectTasks(catalog, tasks)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "✓ Tasks: %s\n", strings.Join(ordered, ", "))
			}

			if csvPath == "" {
				return nil
			}
			machines, err := intake.ParseFile(csvPath)
			if err != nil {
				return reportIntakeError(cmd.ErrOrStderr(), err)
			}
			fmt.Fprintf(out, "✓ Machine list: %d machines (%s)\n\n", len(machines), csvPath)
			if jsonOutput {
				return writeJSON(out, machines)
			}
			printMachines(out, machines)
			return nil
		},
	}

	cmd.Flags().StringVar(&csvPath, "csv", "", "machine list CSV")
	cmd.Flags().StringSliceVar(&tasks, "tasks", nil, "task names to check against the catalog (or 'all')")
	cmd.Flags().StringVar(&catalogPath, "catalog", "", "task catalog file or directory (default from config)")
	cmd.Flags().StringVar(&policyDir, "policies", "", "policy directory (default from config)")

	return cmd
}

// selectTasks resolves a task selection against the catalog. "all" selects
// every task.
func selectTasks(catalog *engine.Catalog, names []string) ([]string, error) {
	if len(names) == 1 && strings.EqualFold(names[0], "all") {
		names = nil
		for _, t := range catalog.Tasks() {
			names = append(names, t.Name)
		}
	}
	return catalog.Order(names)
}

// reportIntakeError prints every row problem and returns a validation error.
func reportIntakeError(w io.Writer, err error) error {
	var perr *intake.ParseError
	if !errors.As(err, &perr) {
		return err
	}
	for _, row := range perr.Rows {
		fmt.Fprintf(w, "✗ %s\n", row.Error())
	}
	return engine.NewValidationError(fmt.Sprintf("machine list has %d invalid row(s)", len(perr.Rows)), nil)
}

func printMachines(w io.Writer, machines []engine.MachineTarget) {
	tw := newTable(w)
	writeRow(tw, "NAME", "ADDRESS", "LOGIN", "USER", "FULL NAME", "ADMIN")
	for _, m := range machines {
		creds, _ := engine.ResolveCredentials(m)
		admin := "no"
		if m.Elevated {
			admin = "yes"
		}
		writeRow(tw, m.Name, m.Address, string(m.Login.Kind), orDash(creds.Username), orDash(m.FullName), admin)
	}
	tw.Flush()
}

func orDefault(path string) string {
	if path == "" {
		return "built-in"
	}
	return path
}
