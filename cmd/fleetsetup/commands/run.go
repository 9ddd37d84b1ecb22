package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/spf13/cobra"

	"github.com/openfroyo/fleetsetup/pkg/engine"
)

func newRunCommand() *cobra.Command {
	var parallelism int

	cmd := &cobra.Command{
		Use:   "run <request-id>",
		Short: "Run an approved request in the foreground",
		Long: `Run an approved request, or resume one that was interrupted, and print
progress as it happens.

The first interrupt (Ctrl-C) lets in-flight tasks finish and records the
remaining ones as skipped. A second interrupt aborts at once; the request
stays in progress and a later run resumes it.`,
		Example: `  # Run with the configured parallelism
  fleetsetup run REQ20261016093000-3f2a9c

  # Run at most 4 machines at a time
  fleetsetup run REQ20261016093000-3f2a9c --parallelism 4`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			opts := appOptions{parallelism: parallelism}
			if !jsonOutput {
				opts.sinks = append(opts.sinks, &consoleSink{w: out})
			}

			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			token := engine.NewCancelToken()
			foreground.Store(token)
			defer foreground.Store(nil)

			summary, err := a.coordinator.Run(cmd.Context(), args[0], token)
			if summary == nil {
				return err
			}

			if jsonOutput {
				if jerr := writeJSON(out, summary); jerr != nil {
					return jerr
				}
			} else {
				printSummary(out, summary)
			}

			switch {
			case errors.Is(err, context.Canceled):
				return fmt.Errorf("run interrupted; resume with 'fleetsetup run %s': %w", summary.RequestID, err)
			case err != nil:
				return err
			case summary.Cancelled:
				return &exitError{code: exitInterrupted, err: fmt.Errorf("request %s stopped by interrupt", summary.RequestID)}
			case summary.Status != engine.RequestStatusCompleted:
				return &exitError{code: exitUnfinished, err: fmt.Errorf("request %s finished %s", summary.RequestID, summary.Status)}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&parallelism, "parallelism", "p", 0, "machines to set up at once (default from config)")

	return cmd
}

// consoleSink prints progress events as they are recorded.
type consoleSink struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *consoleSink) Publish(_ context.Context, event engine.ProgressEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line := fmt.Sprintf("%s  %-20s %-26s %s",
		event.Timestamp.Local().Format("15:04:05"),
		event.Machine,
		event.Task,
		styleStatus(string(event.Status)),
	)
	if event.Attempt > 1 {
		line += fmt.Sprintf(" (attempt %d)", event.Attempt)
	}
	line += fmt.Sprintf("  %3.0f%%", event.MachineProgress)
	if event.Message != "" {
		line += "  " + event.Message
	}
	_, err := fmt.Fprintln(s.w, line)
	return err
}

func printSummary(w io.Writer, summary *engine.RunSummary) {
	fmt.Fprintln(w)
	writeHeader(w, fmt.Sprintf("Request %s: %s", summary.RequestID, styleStatus(string(summary.Status))))
	fmt.Fprintf(w, "  Progress: %s\n", progressBar(summary.Progress, 30))
	fmt.Fprintf(w, "  Duration: %s\n", formatDuration(summary.Duration))
	if summary.Resumed {
		fmt.Fprintln(w, "  Resumed an interrupted run")
	}
	if summary.Cancelled {
		fmt.Fprintln(w, "  Cancelled: remaining tasks were skipped")
	}

	names := make([]string, 0, len(summary.Machines))
	for name := range summary.Machines {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(w)
	tw := newTable(w)
	writeRow(tw, "MACHINE", "STATUS")
	for _, name := range names {
		writeRow(tw, name, styleStatus(string(summary.Machines[name])))
	}
	tw.Flush()
}
