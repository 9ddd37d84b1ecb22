package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/fleetsetup/pkg/engine"
	"github.com/openfroyo/fleetsetup/pkg/intake"
)

func newSubmitCommand() *cobra.Command {
	var (
		csvPath   string
		tasks     []string
		requester string
		options   map[string]string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a setup request for approval",
		Long: `Submit a setup request covering the machines of a machine list and a set of
catalog tasks. The request is stored as pending until it is approved or
rejected.

Tasks always run in catalog order, whatever order they are given in.`,
		Example: `  # Submit every catalog task
  fleetsetup submit --csv machines.csv --tasks all --requester alice

  # Submit selected tasks with an option forwarded to every action
  fleetsetup submit --csv machines.csv --tasks install_office,update_office \
    --requester alice --option channel=Current`,
		RunE: func(cmd *cobra.Command, args []string) error {
			machines, err := intake.ParseFile(csvPath)
			if err != nil {
				return reportIntakeError(cmd.ErrOrStderr(), err)
			}

			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			selected, err := selectTasks(a.catalog.Catalog(), tasks)
			if err != nil {
				return err
			}

			req, err := a.coordinator.Submit(cmd.Context(), &engine.SetupRequest{
				Requester: requester,
				Machines:  machines,
				Tasks:     selected,
				Options:   options,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, req)
			}
			fmt.Fprintf(out, "✓ Submitted %s (%s)\n\n", req.ID, styleStatus(string(req.Status)))
			fmt.Fprintf(out, "  Requester: %s\n", req.Requester)
			fmt.Fprintf(out, "  Machines:  %d\n", len(req.Machines))
			fmt.Fprintf(out, "  Tasks:     %s\n", strings.Join(req.Tasks, ", "))
			fmt.Fprintf(out, "  Estimate:  %s\n\n", formatDuration(req.EstimatedDuration))
			fmt.Fprintf(out, "Approve with: fleetsetup approve %s --approver <name>\n", req.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&csvPath, "csv", "", "machine list CSV")
	cmd.Flags().StringSliceVar(&tasks, "tasks", nil, "task names (or 'all')")
	cmd.Flags().StringVar(&requester, "requester", "", "who is submitting the request")
	cmd.Flags().StringToStringVar(&options, "option", nil, "option forwarded to every action (key=value)")
	_ = cmd.MarkFlagRequired("csv")
	_ = cmd.MarkFlagRequired("tasks")
	_ = cmd.MarkFlagRequired("requester")

	return cmd
}

func newApproveCommand() *cobra.Command {
	var approver string

	cmd := &cobra.Command{
		Use:   "approve <request-id>",
		Short: "Approve a pending setup request",
		Long: `Approve a pending request after evaluating the approval policies.

Blocking policy violations leave the request pending and are listed; warnings
are shown but do not block.`,
		Example: `  fleetsetup approve REQ20261016093000-3f2a9c --approver carol`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			decision, err := a.coordinator.Approve(cmd.Context(), args[0], approver)
			out := cmd.OutOrStdout()
			if jsonOutput && decision != nil {
				if jerr := writeJSON(out, decision); jerr != nil {
					return jerr
				}
				return err
			}
			if decision != nil {
				for _, v := range decision.Violations {
					machine := ""
					if v.Machine != "" {
						machine = " (" + v.Machine + ")"
					}
					fmt.Fprintf(out, "✗ %s [%s]: %s%s\n", v.Policy, v.Severity, v.Message, machine)
				}
				for _, w := range decision.Warnings {
					fmt.Fprintf(out, "! %s\n", w)
				}
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Approved %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&approver, "approver", "", "who is approving the request")
	_ = cmd.MarkFlagRequired("approver")

	return cmd
}

func newRejectCommand() *cobra.Command {
	var approver, reason string

	cmd := &cobra.Command{
		Use:     "reject <request-id>",
		Short:   "Reject a pending setup request",
		Example: `  fleetsetup reject REQ20261016093000-3f2a9c --approver carol --reason "wrong subnet"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.coordinator.Reject(cmd.Context(), args[0], approver, reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Rejected %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&approver, "approver", "", "who is rejecting the request")
	cmd.Flags().StringVar(&reason, "reason", "", "why the request is rejected")
	_ = cmd.MarkFlagRequired("approver")
	_ = cmd.MarkFlagRequired("reason")

	return cmd
}
