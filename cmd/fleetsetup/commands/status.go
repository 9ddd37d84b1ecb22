package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/fleetsetup/pkg/engine"
	"github.com/openfroyo/fleetsetup/pkg/notify"
	"github.com/openfroyo/fleetsetup/pkg/stores"
)

// eventPollInterval is how often events --follow reads the store when NATS is
// not configured.
const eventPollInterval = 2 * time.Second

// requestStatus is the JSON shape of the status command.
type requestStatus struct {
	Request *engine.SetupRequest         `json:"request"`
	Tasks   []engine.TaskExecutionRecord `json:"tasks"`
	Audit   []*stores.AuditEntry         `json:"audit"`
}

// withStore runs fn with the configured store.
func withStore(ctx context.Context, fn func(store *stores.SQLiteStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <request-id>",
		Short: "Show the progress of a request",
		Long: `Show a request's status, per-machine progress, the state of every task on
every machine and the audit trail of its status changes.`,
		Example: `  fleetsetup status REQ20261016093000-3f2a9c
  fleetsetup status REQ20261016093000-3f2a9c --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(store *stores.SQLiteStore) error {
				ctx := cmd.Context()
				req, err := getRequest(ctx, store, args[0])
				if err != nil {
					return err
				}
				records, err := store.ListTaskExecutionRecords(ctx, req.ID)
				if err != nil {
					return err
				}
				audit, err := store.ListAuditEntries(ctx, req.ID)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if jsonOutput {
					return writeJSON(out, requestStatus{Request: req, Tasks: records, Audit: audit})
				}
				printStatus(out, req, records, audit)
				return nil
			})
		},
	}
	return cmd
}

func getRequest(ctx context.Context, store *stores.SQLiteStore, id string) (*engine.SetupRequest, error) {
	req, err := store.GetRequest(ctx, id)
	if errors.Is(err, engine.ErrNotFound) {
		return nil, engine.NewValidationError(fmt.Sprintf("request %s not found", id), err).WithCode(engine.ErrCodeNotFound)
	}
	return req, err
}

func overallProgress(req *engine.SetupRequest) float64 {
	if len(req.Machines) == 0 {
		return 0
	}
	var sum float64
	for _, m := range req.Machines {
		sum += m.Progress
	}
	return sum / float64(len(req.Machines))
}

func printStatus(w io.Writer, req *engine.SetupRequest, records []engine.TaskExecutionRecord, audit []*stores.AuditEntry) {
	writeHeader(w, fmt.Sprintf("Request %s: %s", req.ID, styleStatus(string(req.Status))))
	fmt.Fprintf(w, "  Requester: %s\n", req.Requester)
	if req.Approver != "" {
		fmt.Fprintf(w, "  Decided:   %s by %s\n", formatTime(req.ApprovedAt), req.Approver)
	}
	if req.RejectionReason != "" {
		fmt.Fprintf(w, "  Reason:    %s\n", req.RejectionReason)
	}
	fmt.Fprintf(w, "  Created:   %s\n", formatTime(&req.CreatedAt))
	fmt.Fprintf(w, "  Started:   %s\n", formatTime(req.StartedAt))
	fmt.Fprintf(w, "  Completed: %s\n", formatTime(req.CompletedAt))
	fmt.Fprintf(w, "  Estimate:  %s (actual %s)\n", formatDuration(req.EstimatedDuration), formatDuration(req.ActualDuration))
	fmt.Fprintf(w, "  Progress:  %s\n", progressBar(overallProgress(req), 30))
	fmt.Fprintf(w, "  Tasks:     %s\n\n", strings.Join(req.Tasks, ", "))

	tw := newTable(w)
	writeRow(tw, "MACHINE", "ADDRESS", "STATUS", "PROGRESS")
	for _, m := range req.Machines {
		writeRow(tw, m.Name, m.Address, styleStatus(string(m.Status)), progressBar(m.Progress, 20))
	}
	tw.Flush()

	if len(records) > 0 {
		fmt.Fprintln(w)
		tw = newTable(w)
		writeRow(tw, "MACHINE", "TASK", "STATUS", "ATTEMPTS", "DURATION", "MESSAGE")
		for _, r := range records {
			msg := r.Message
			if r.ErrorCode != "" {
				msg = fmt.Sprintf("[%s] %s", r.ErrorCode, msg)
			}
			writeRow(tw, r.Machine, r.Task, styleStatus(string(r.Status)),
				fmt.Sprint(r.Attempts), formatDuration(r.Duration), orDash(msg))
		}
		tw.Flush()
	}

	if len(audit) > 0 {
		fmt.Fprintln(w)
		tw = newTable(w)
		writeRow(tw, "WHEN", "ACTION", "ACTOR", "FROM", "TO")
		for _, e := range audit {
			writeRow(tw, humanize.Time(e.Timestamp), e.Action, e.Actor, orDash(e.FromStatus), e.ToStatus)
		}
		tw.Flush()
	}
}

func newEventsCommand() *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "events <request-id>",
		Short: "Show the progress log of a request",
		Long: `Show the append-only progress log of a request in emission order.

With --follow new events are printed as they arrive: from NATS when
events.nats_url is configured, otherwise by polling the database until the
request finishes.`,
		Example: `  fleetsetup events REQ20261016093000-3f2a9c
  fleetsetup events REQ20261016093000-3f2a9c --follow`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			req, err := getRequest(ctx, store, args[0])
			if err != nil {
				return err
			}
			events, err := store.ListProgressEvents(ctx, req.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput && !follow {
				return writeJSON(out, events)
			}
			emit := eventPrinter(out)
			var last int64
			for _, ev := range events {
				emit(ev)
				last = ev.Seq
			}
			if !follow || req.Status.IsTerminal() {
				return nil
			}

			if cfg.Events.NATSURL != "" {
				return notify.Follow(ctx, cfg.Events.NATSURL, cfg.Events.Subject, req.ID, log.Logger, func(ev engine.ProgressEvent) {
					if ev.Seq > last {
						emit(ev)
					}
				})
			}
			return pollEvents(ctx, store, req.ID, last, emit)
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events")

	return cmd
}

// eventPrinter prints one event per line, or one JSON object per line with
// --json.
func eventPrinter(w io.Writer) func(engine.ProgressEvent) {
	if jsonOutput {
		return func(ev engine.ProgressEvent) { _ = writeJSONLine(w, ev) }
	}
	sink := &consoleSink{w: w}
	return func(ev engine.ProgressEvent) { _ = sink.Publish(context.Background(), ev) }
}

// pollEvents prints events after seq until the request is terminal or ctx is
// done.
func pollEvents(ctx context.Context, store *stores.SQLiteStore, id string, seq int64, emit func(engine.ProgressEvent)) error {
	ticker := time.NewTicker(eventPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		events, err := store.ListProgressEvents(ctx, id)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if ev.Seq > seq {
				emit(ev)
				seq = ev.Seq
			}
		}

		req, err := store.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		if req.Status.IsTerminal() {
			return nil
		}
	}
}

func newListCommand() *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List setup requests",
		Example: `  # All requests, newest first
  fleetsetup list

  # Requests waiting for a decision
  fleetsetup list --status pending`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := make([]engine.RequestStatus, 0, len(statuses))
			for _, s := range statuses {
				st := engine.RequestStatus(strings.ToLower(s))
				if err := st.Validate(); err != nil {
					return engine.NewValidationError(err.Error(), nil)
				}
				filter = append(filter, st)
			}

			return withStore(cmd.Context(), func(store *stores.SQLiteStore) error {
				reqs, err := store.ListRequests(cmd.Context(), filter...)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if jsonOutput {
					return writeJSON(out, reqs)
				}
				if len(reqs) == 0 {
					fmt.Fprintln(out, "No requests.")
					return nil
				}
				tw := newTable(out)
				writeRow(tw, "ID", "STATUS", "REQUESTER", "MACHINES", "TASKS", "PROGRESS", "CREATED")
				for _, r := range reqs {
					writeRow(tw, r.ID, styleStatus(string(r.Status)), r.Requester,
						fmt.Sprint(len(r.Machines)), fmt.Sprint(len(r.Tasks)),
						fmt.Sprintf("%3.0f%%", overallProgress(r)), humanize.Time(r.CreatedAt))
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only requests in these statuses")

	return cmd
}
