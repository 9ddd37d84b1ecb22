package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openfroyo/fleetsetup/pkg/telemetry"
	"github.com/rs/zerolog"
)

// DefaultParallelism is the machine worker pool size when none is configured.
const DefaultParallelism = 10

// finalizeTimeout bounds the store writes made after the run context was cancelled.
const finalizeTimeout = 10 * time.Second

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	Repository Repository
	Runner     ActionRunner
	Catalog    CatalogSource

	// Policy is consulted by Approve. Nil approves every request.
	Policy ApprovalPolicy

	// Parallelism bounds how many machines run at once.
	Parallelism int

	Retry          RetryPolicy
	DefaultTimeout time.Duration

	// Sinks receive every persisted progress event.
	Sinks []EventSink

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer

	// Sleep and Now are overridable for tests.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Coordinator drives setup requests through their lifecycle and fans a
// request's machines out over a bounded worker pool.
type Coordinator struct {
	repo        Repository
	catalog     CatalogSource
	policy      ApprovalPolicy
	parallelism int
	machines    *MachineRunner
	rec         *recorder
	now         func() time.Time
	logger      zerolog.Logger
	metrics     *telemetry.Metrics
	tracer      *telemetry.Tracer

	mu      sync.Mutex
	running map[string]bool
}

// NewCoordinator creates a coordinator from cfg.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if cfg.Runner == nil {
		return nil, errors.New("action runner is required")
	}
	if cfg.Catalog == nil {
		return nil, errors.New("task catalog is required")
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultParallelism
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultActionTimeout
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	logger := cfg.Logger.With().Str("component", "coordinator").Logger()
	rec := &recorder{
		repo:   cfg.Repository,
		sinks:  cfg.Sinks,
		logger: logger,
		now:    cfg.Now,
	}
	executor := &TaskExecutor{
		runner:         cfg.Runner,
		rec:            rec,
		policy:         cfg.Retry,
		defaultTimeout: cfg.DefaultTimeout,
		sleep:          cfg.Sleep,
		now:            cfg.Now,
		logger:         cfg.Logger.With().Str("component", "executor").Logger(),
		metrics:        cfg.Metrics,
		tracer:         cfg.Tracer,
	}

	return &Coordinator{
		repo:        cfg.Repository,
		catalog:     cfg.Catalog,
		policy:      cfg.Policy,
		parallelism: cfg.Parallelism,
		machines: &MachineRunner{
			executor: executor,
			rec:      rec,
			now:      cfg.Now,
			logger:   cfg.Logger.With().Str("component", "machine").Logger(),
			metrics:  cfg.Metrics,
			tracer:   cfg.Tracer,
		},
		rec:     rec,
		now:     cfg.Now,
		logger:  logger,
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		running: make(map[string]bool),
	}, nil
}

// Run executes an approved request, or resumes an interrupted one. Exactly one
// caller can start an approved request; others get ErrAlreadyStarted.
//
// When ctx is cancelled the run stops at once and the request stays in
// progress so a later Run resumes it. Setting token instead lets in-flight
// tasks finish and records the remaining ones as skipped.
func (c *Coordinator) Run(ctx context.Context, id string, token *CancelToken) (*RunSummary, error) {
	if !c.claim(id) {
		return nil, ErrAlreadyStarted
	}
	defer c.release(id)

	req, err := c.repo.GetRequest(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load request %s: %w", id, err)
	}
	logger := c.logger.With().Str("request_id", id).Logger()
	catalog := c.catalog.Catalog()

	resumed := false
	switch req.Status {
	case RequestStatusApproved:
		if err := c.validate(req, catalog); err != nil {
			c.failInvalid(ctx, logger, req, err)
			return nil, err
		}
		now := c.now().UTC()
		err := c.repo.UpdateRequestStatus(ctx, id, StatusUpdate{
			From:      []RequestStatus{RequestStatusApproved},
			To:        RequestStatusInProgress,
			StartedAt: &now,
		})
		if errors.Is(err, ErrStatusConflict) {
			return nil, ErrAlreadyStarted
		}
		if err != nil {
			return nil, fmt.Errorf("failed to start request %s: %w", id, err)
		}
		req.Status = RequestStatusInProgress
		req.StartedAt = &now
	case RequestStatusInProgress:
		if err := c.validate(req, catalog); err != nil {
			c.failInvalid(ctx, logger, req, err)
			return nil, err
		}
		resumed = true
	default:
		return nil, NewValidationError(
			fmt.Sprintf("request %s is %s; only approved or interrupted requests can run", id, req.Status), nil,
		).WithCode(ErrCodeStatusConflict)
	}

	records, err := c.repo.ListTaskExecutionRecords(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load execution records for %s: %w", id, err)
	}
	byMachine := make(map[string]map[string]TaskExecutionRecord, len(req.Machines))
	for _, rec := range records {
		if byMachine[rec.Machine] == nil {
			byMachine[rec.Machine] = make(map[string]TaskExecutionRecord)
		}
		byMachine[rec.Machine][rec.Task] = rec
	}

	ctx, span := c.tracer.StartRequestSpan(ctx, id)
	defer span.End()
	c.metrics.RecordRequestStarted(resumed)

	logger.Info().
		Int("machines", len(req.Machines)).
		Int("tasks", len(req.Tasks)).
		Int("parallelism", c.parallelism).
		Bool("resumed", resumed).
		Msg("Starting setup request")

	results := c.runMachines(ctx, req, catalog, byMachine, token)

	summary := &RunSummary{
		RequestID: id,
		Machines:  make(map[string]MachineStatus, len(req.Machines)),
		Resumed:   resumed,
	}
	statuses := make([]MachineStatus, 0, len(req.Machines))
	var first, last time.Time
	interrupted := false
	var progress float64
	for _, m := range req.Machines {
		res, ok := results[m.Name]
		if !ok {
			// Already terminal from an earlier run.
			summary.Machines[m.Name] = m.Status
			statuses = append(statuses, m.Status)
			progress += m.Progress
			continue
		}
		if res.Err != nil && isContextError(res.Err) {
			interrupted = true
		}
		if res.Cancelled {
			summary.Cancelled = true
		}
		summary.Machines[m.Name] = res.Status
		statuses = append(statuses, res.Status)
		progress += res.Progress
		// Machines left in the queue by an abort never started.
		if res.StartedAt.IsZero() {
			continue
		}
		if first.IsZero() || res.StartedAt.Before(first) {
			first = res.StartedAt
		}
		if res.EndedAt.After(last) {
			last = res.EndedAt
		}
	}
	if len(req.Machines) > 0 {
		summary.Progress = clamp(progress/float64(len(req.Machines)), 0, 100)
	}
	var runDuration time.Duration
	if !first.IsZero() {
		runDuration = last.Sub(first)
	}
	total := req.ActualDuration + runDuration
	summary.Duration = total

	if interrupted || ctx.Err() != nil {
		summary.Status = RequestStatusInProgress
		c.metrics.RecordRequestInterrupted()
		// The run context is gone; record the elapsed time on a fresh one.
		wctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
		defer cancel()
		if err := c.repo.UpdateRequestStatus(wctx, id, StatusUpdate{
			From:           []RequestStatus{RequestStatusInProgress},
			To:             RequestStatusInProgress,
			ActualDuration: &total,
		}); err != nil {
			logger.Error().Err(err).Msg("Failed to record interrupted run duration")
		}
		telemetry.RecordError(span, ctx.Err())
		logger.Warn().Dur("duration", runDuration).Msg("Setup request interrupted; it can be resumed")
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		return summary, context.Canceled
	}

	summary.Status = RequestStatusFor(statuses)
	completedAt := c.now().UTC()
	if err := c.repo.UpdateRequestStatus(ctx, id, StatusUpdate{
		From:           []RequestStatus{RequestStatusInProgress},
		To:             summary.Status,
		CompletedAt:    &completedAt,
		ActualDuration: &total,
	}); err != nil {
		telemetry.RecordError(span, err)
		return summary, NewSystemError("failed to record request completion", err).WithCode(ErrCodeDatabase)
	}

	if summary.Status == RequestStatusCompleted {
		telemetry.RecordSuccess(span)
	} else {
		telemetry.RecordError(span, fmt.Errorf("request %s", summary.Status))
	}
	c.metrics.RecordRequestCompleted(string(summary.Status), runDuration)

	logger.Info().
		Str("status", string(summary.Status)).
		Float64("progress", summary.Progress).
		Dur("duration", total).
		Bool("cancelled", summary.Cancelled).
		Msg("Setup request finished")

	return summary, nil
}

// runMachines runs every non-terminal machine of req on the worker pool.
func (c *Coordinator) runMachines(
	ctx context.Context,
	req *SetupRequest,
	catalog *Catalog,
	records map[string]map[string]TaskExecutionRecord,
	token *CancelToken,
) map[string]MachineResult {
	pending := make([]MachineTarget, 0, len(req.Machines))
	for _, m := range req.Machines {
		if m.Status.IsTerminal() {
			continue
		}
		pending = append(pending, m)
	}

	results := make(map[string]MachineResult, len(pending))
	if len(pending) == 0 {
		return results
	}

	workerCount := c.parallelism
	if len(pending) < workerCount {
		workerCount = len(pending)
	}

	workQueue := make(chan MachineTarget, len(pending))
	for _, m := range pending {
		workQueue <- m
	}
	close(workQueue)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for m := range workQueue {
				// Machines never started keep their state for the next resume.
				if ctx.Err() != nil {
					return
				}

				res := c.machines.Run(ctx, MachineRun{
					Request: req,
					Machine: m,
					Catalog: catalog,
					Records: records[m.Name],
					Token:   token,
				})

				mu.Lock()
				results[m.Name] = res
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Machines left in the queue by an aborted context count as interrupted.
	for _, m := range pending {
		if _, ok := results[m.Name]; !ok {
			results[m.Name] = MachineResult{Machine: m.Name, Err: ctx.Err()}
		}
	}
	return results
}

// validate checks a request before any action runs.
func (c *Coordinator) validate(req *SetupRequest, catalog *Catalog) error {
	if len(req.Machines) == 0 {
		return NewValidationError("request has no machines", nil)
	}
	if len(req.Tasks) == 0 {
		return NewValidationError("request has no enabled tasks", nil)
	}
	seen := make(map[string]bool, len(req.Machines))
	for _, m := range req.Machines {
		if m.Name == "" {
			return NewValidationError("machine name is required", nil)
		}
		if seen[m.Name] {
			return NewValidationError(fmt.Sprintf("duplicate machine %q", m.Name), nil).WithMachine(m.Name)
		}
		seen[m.Name] = true
	}
	for _, t := range req.Tasks {
		if _, ok := catalog.Lookup(t); !ok {
			return NewValidationError(fmt.Sprintf("unknown task %q", t), nil).WithTask(t)
		}
	}
	return nil
}

// failInvalid moves a request that cannot run to failed.
func (c *Coordinator) failInvalid(ctx context.Context, logger zerolog.Logger, req *SetupRequest, cause error) {
	now := c.now().UTC()
	err := c.repo.UpdateRequestStatus(ctx, req.ID, StatusUpdate{
		From:        []RequestStatus{req.Status},
		To:          RequestStatusFailed,
		CompletedAt: &now,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to mark invalid request as failed")
	}
	logger.Error().Err(cause).Msg("Setup request failed validation")
}

func (c *Coordinator) claim(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running[id] {
		return false
	}
	c.running[id] = true
	return true
}

func (c *Coordinator) release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.running, id)
}
