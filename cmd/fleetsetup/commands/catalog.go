package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/fleetsetup/pkg/config"
)

func newCatalogCommand() *cobra.Command {
	var source bool

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Show the task catalog",
		Long: `Show the tasks of the configured catalog in the order they run.

--source prints the built-in catalog as CUE, a starting point for a site
catalog.`,
		Example: `  fleetsetup catalog
  fleetsetup catalog --source > site.cue`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if source {
				_, err := out.Write(config.DefaultCatalogSource())
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			catalog, err := config.NewCatalogLoader().Load(cfg.Catalog.Path)
			if err != nil {
				return err
			}

			tasks := catalog.Tasks()
			if jsonOutput {
				return writeJSON(out, tasks)
			}
			tw := newTable(out)
			writeRow(tw, "#", "TASK", "ACTION", "TIMEOUT", "ESTIMATE", "DESCRIPTION")
			for i, t := range tasks {
				writeRow(tw, fmt.Sprint(i+1), t.Name, t.ActionID,
					formatDuration(t.Timeout), formatDuration(t.Estimate), orDash(t.Description))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&source, "source", false, "print the built-in catalog source")

	return cmd
}

func newPoliciesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "List approval policies",
		Long: `List the built-in and custom approval policies that approve evaluates.

Policies with error or critical severity block approval; the others only
warn.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, err := loadPolicies(cmd.Context(), cfg, log.Logger)
			if err != nil {
				return err
			}

			policies := eng.ListPolicies()
			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, policies)
			}
			sort.SliceStable(policies, func(i, j int) bool {
				return policies[i].Builtin && !policies[j].Builtin
			})
			tw := newTable(out)
			writeRow(tw, "POLICY", "SEVERITY", "ENABLED", "SOURCE", "DESCRIPTION")
			for _, p := range policies {
				src := p.Source
				if p.Builtin {
					src = "built-in"
				}
				enabled := "yes"
				if !p.Enabled {
					enabled = "no"
				}
				writeRow(tw, p.Name, string(p.Severity), enabled, orDash(src), orDash(strings.TrimSpace(p.Description)))
			}
			return tw.Flush()
		},
	}
	return cmd
}
