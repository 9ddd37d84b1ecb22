package commands

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/fleetsetup/pkg/engine"
	"github.com/openfroyo/fleetsetup/pkg/policy"
)

func newWorkerCommand() *cobra.Command {
	var (
		concurrency int
		once        bool
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run approved requests as they arrive",
		Long: `Run a long-lived worker that resumes interrupted requests at startup and then
polls for approved requests.

While it runs the worker serves Prometheus metrics and, when configured,
reloads the task catalog and approval policies as their files change. An
interrupt stops it at once; unfinished requests are resumed by the next
worker.`,
		Example: `  # Run up to two requests at a time
  fleetsetup worker --concurrency 2

  # Drain what is approved now and exit
  fleetsetup worker --once`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.telemetry.Metrics.StartMetricsServer(ctx); err != nil {
				return fmt.Errorf("failed to start metrics server: %w", err)
			}

			if !once {
				a.watchInputs(ctx)
			}

			w := newWorker(a.coordinator, a.store, a.cfg.Worker.PollInterval, concurrency, a.logger)
			return w.Serve(ctx, once)
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "requests to run at once")
	cmd.Flags().BoolVar(&once, "once", false, "run the requests that are ready now, then exit")

	return cmd
}

// watchInputs reloads the catalog and custom policies when their files change.
func (a *app) watchInputs(ctx context.Context) {
	if a.cfg.Catalog.Watch && a.cfg.Catalog.Path != "" {
		go func() {
			if err := a.catalog.Watch(ctx); err != nil {
				a.logger.Error().Err(err).Msg("Catalog watcher stopped")
			}
		}()
	}

	if a.cfg.Policy.Watch && a.cfg.Policy.Dir != "" {
		loader := policy.NewLoader(a.logger)
		go func() {
			err := loader.Watch(ctx, a.cfg.Policy.Dir, func(policies []policy.Policy) error {
				if err := a.policies.ReplaceCustomPolicies(ctx, policies); err != nil {
					return err
				}
				for _, name := range a.cfg.Policy.Disabled {
					_ = a.policies.DisablePolicy(name)
				}
				return nil
			})
			if err != nil {
				a.logger.Error().Err(err).Msg("Policy watcher stopped")
			}
		}()
	}
}

// requestRunner is the part of the coordinator the worker drives.
type requestRunner interface {
	Run(ctx context.Context, id string, token *engine.CancelToken) (*engine.RunSummary, error)
}

// requestLister finds requests that are ready to run.
type requestLister interface {
	ListRequests(ctx context.Context, statuses ...engine.RequestStatus) ([]*engine.SetupRequest, error)
}

// worker runs ready requests on a bounded pool.
type worker struct {
	runner   requestRunner
	requests requestLister
	interval time.Duration
	logger   zerolog.Logger

	group errgroup.Group

	mu     sync.Mutex
	active map[string]bool
}

func newWorker(runner requestRunner, requests requestLister, interval time.Duration, concurrency int, logger zerolog.Logger) *worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	w := &worker{
		runner:   runner,
		requests: requests,
		interval: interval,
		logger:   logger.With().Str("component", "worker").Logger(),
		active:   make(map[string]bool),
	}
	w.group.SetLimit(concurrency)
	return w
}

// Serve resumes interrupted requests, then polls for approved ones until ctx
// is done. With once set it returns after the requests ready at startup.
func (w *worker) Serve(ctx context.Context, once bool) error {
	w.logger.Info().Dur("poll_interval", w.interval).Bool("once", once).Msg("Worker started")

	if _, err := w.dispatch(ctx, once, engine.RequestStatusInProgress, engine.RequestStatusApproved); err != nil {
		w.logger.Error().Err(err).Msg("Failed to list requests")
	}
	if once {
		_ = w.group.Wait()
		return nil
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Worker stopping; waiting for runs to record their state")
			_ = w.group.Wait()
			return nil
		case <-ticker.C:
			if _, err := w.dispatch(ctx, false, engine.RequestStatusApproved); err != nil {
				w.logger.Error().Err(err).Msg("Failed to list requests")
			}
		}
	}
}

// dispatch starts the requests in the given statuses, oldest first. Without
// block it starts only as many as there are free slots; the rest are picked
// up by a later poll.
func (w *worker) dispatch(ctx context.Context, block bool, statuses ...engine.RequestStatus) (int, error) {
	if ctx.Err() != nil {
		return 0, nil
	}
	reqs, err := w.requests.ListRequests(ctx, statuses...)
	if err != nil {
		return 0, err
	}

	started := 0
	for i := len(reqs) - 1; i >= 0; i-- {
		id := reqs[i].ID
		if !w.claim(id) {
			continue
		}
		run := func() error {
			defer w.release(id)
			w.run(ctx, id)
			return nil
		}
		if block {
			w.group.Go(run)
		} else if !w.group.TryGo(run) {
			w.release(id)
			break
		}
		started++
	}
	return started, nil
}

func (w *worker) run(ctx context.Context, id string) {
	logger := w.logger.With().Str("request_id", id).Logger()
	logger.Info().Msg("Running request")

	summary, err := w.runner.Run(ctx, id, nil)
	switch {
	case errors.Is(err, engine.ErrAlreadyStarted):
		logger.Debug().Msg("Request already running")
	case errors.Is(err, context.Canceled):
		logger.Warn().Msg("Request interrupted; it will be resumed")
	case err != nil:
		logger.Error().Err(err).Msg("Request run failed")
	default:
		logger.Info().
			Str("status", string(summary.Status)).
			Float64("progress", summary.Progress).
			Dur("duration", summary.Duration).
			Msg("Request finished")
	}
}

func (w *worker) claim(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active[id] {
		return false
	}
	w.active[id] = true
	return true
}

func (w *worker) release(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.active, id)
}
