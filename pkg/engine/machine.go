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

// CancelToken asks running machines to stop launching new tasks. The task in
// flight finishes; remaining tasks are recorded as skipped. A nil token is
// never cancelled.
type CancelToken struct {
	once sync.Once
	ch   chan struct{}
}

// NewCancelToken creates a token that is not yet cancelled.
func NewCancelToken() *CancelToken {
	return &CancelToken{ch: make(chan struct{})}
}

// Cancel sets the token. It is safe to call more than once.
func (t *CancelToken) Cancel() {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.ch) })
}

// Cancelled reports whether Cancel was called.
func (t *CancelToken) Cancelled() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed on cancellation.
func (t *CancelToken) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.ch
}

// MachineRun is one machine of a request to set up.
type MachineRun struct {
	Request *SetupRequest
	Machine MachineTarget
	Catalog *Catalog

	// Records holds the persisted records of this machine by task name.
	Records map[string]TaskExecutionRecord

	Token *CancelToken
}

// MachineResult is the outcome of a machine run.
type MachineResult struct {
	Machine   string
	Status    MachineStatus
	Tasks     map[string]TaskStatus
	Progress  float64
	StartedAt time.Time
	EndedAt   time.Time
	Cancelled bool

	// Err is set when the run stopped early on a system error or an aborted
	// context. Status is then failed or empty respectively.
	Err error
}

// MachineRunner executes a machine's enabled tasks sequentially.
type MachineRunner struct {
	executor *TaskExecutor
	rec      *recorder
	now      func() time.Time
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
}

// Run sets up one machine. Credentials are resolved once, before any action.
func (r *MachineRunner) Run(ctx context.Context, run MachineRun) MachineResult {
	req, m := run.Request, run.Machine
	result := MachineResult{
		Machine:   m.Name,
		Tasks:     make(map[string]TaskStatus, len(req.Tasks)),
		StartedAt: r.now().UTC(),
	}
	logger := r.logger.With().
		Str("request_id", req.ID).
		Str("machine", m.Name).
		Logger()

	ctx, span := r.tracer.StartMachineSpan(ctx, req.ID, m.Name)
	defer span.End()
	r.metrics.RecordMachineStarted()

	weight := TaskWeight(len(req.Tasks))
	progress := 0.0
	for _, name := range req.Tasks {
		if rec, ok := run.Records[name]; ok && rec.Status.IsTerminal() {
			progress += weight * TaskFraction(rec.Status, 100)
		}
	}

	if err := r.rec.machineStatus(ctx, req.ID, m.Name, MachineStatusInProgress); err != nil {
		return r.stop(logger, run, result, progress, err)
	}
	if err := r.rec.emit(ctx, &ProgressEvent{
		RequestID:       req.ID,
		Machine:         m.Name,
		Task:            EventTaskInitialization,
		Status:          TaskStatusInProgress,
		MachineProgress: progress,
		Message:         fmt.Sprintf("setting up %s (%d tasks)", m.Name, len(req.Tasks)),
	}); err != nil {
		return r.stop(logger, run, result, progress, err)
	}

	creds, credErr := ResolveCredentials(m)
	if credErr != nil {
		logger.Error().Err(credErr).Msg("Cannot resolve credentials")
	}

	for _, name := range req.Tasks {
		if rec, ok := run.Records[name]; ok && rec.Status.IsTerminal() {
			result.Tasks[name] = rec.Status
			logger.Debug().Str("task", name).Str("status", string(rec.Status)).Msg("Task already settled")
			continue
		}

		spec, ok := run.Catalog.Lookup(name)
		if !ok {
			// The coordinator validates task names; reaching this is an invariant violation.
			return r.stop(logger, run, result, progress, NewSystemError(fmt.Sprintf("task %s missing from catalog", name), nil).WithMachine(m.Name))
		}

		taskRun := TaskRun{
			Request:      req,
			Machine:      m,
			Credentials:  creds,
			Spec:         spec,
			Weight:       weight,
			BaseProgress: progress,
		}
		if rec, ok := run.Records[name]; ok {
			rec := rec
			taskRun.Record = &rec
		}

		var outcome TaskOutcome
		switch {
		case credErr != nil:
			outcome = r.executor.Settle(ctx, taskRun, TaskStatusFailed, credErr.Error(), ErrorClassValidation, ErrCodeValidation)
		case run.Token.Cancelled():
			result.Cancelled = true
			outcome = r.executor.Settle(ctx, taskRun, TaskStatusSkipped, "skipped: request cancelled", ErrorClassNone, "")
		default:
			outcome = r.executor.Execute(ctx, taskRun)
		}

		if outcome.Err != nil {
			if !isContextError(outcome.Err) {
				result.Tasks[name] = TaskStatusFailed
				if !outcome.Recorded {
					r.settleHalted(taskRun, outcome)
				}
			}
			return r.stop(logger, run, result, progress, outcome.Err)
		}

		result.Tasks[name] = outcome.Status
		if outcome.Status == TaskStatusCompleted || outcome.Status == TaskStatusWarning {
			progress += weight
		}
	}

	statuses := make([]TaskStatus, 0, len(result.Tasks))
	for _, s := range result.Tasks {
		statuses = append(statuses, s)
	}
	result.Status = MachineStatusFor(statuses)
	result.Progress = clamp(progress, 0, 100)
	result.EndedAt = r.now().UTC()

	msg := fmt.Sprintf("setup %s for %s", result.Status, m.Name)
	if result.Cancelled {
		msg += " (cancelled)"
	}
	completionStatus := TaskStatusCompleted
	if result.Status == MachineStatusFailed {
		completionStatus = TaskStatusFailed
	}
	if err := r.rec.emit(ctx, &ProgressEvent{
		RequestID:       req.ID,
		Machine:         m.Name,
		Task:            EventTaskCompletion,
		Status:          completionStatus,
		MachineProgress: result.Progress,
		Message:         msg,
		StartedAt:       &result.StartedAt,
		EndedAt:         &result.EndedAt,
		Duration:        result.EndedAt.Sub(result.StartedAt),
	}); err != nil {
		return r.stop(logger, run, result, progress, err)
	}
	if err := r.rec.machineStatus(ctx, req.ID, m.Name, result.Status); err != nil {
		return r.stop(logger, run, result, progress, err)
	}

	if result.Status == MachineStatusFailed {
		telemetry.RecordError(span, fmt.Errorf("machine %s failed", m.Name))
	} else {
		telemetry.RecordSuccess(span)
	}
	r.metrics.RecordMachineCompleted(string(result.Status), result.EndedAt.Sub(result.StartedAt))

	logger.Info().
		Str("status", string(result.Status)).
		Float64("progress", result.Progress).
		Bool("cancelled", result.Cancelled).
		Msg("Machine setup finished")

	return result
}

// stop ends a machine run early. A system error fails the machine: tasks that
// never ran are recorded as skipped and the completion event is emitted. An
// aborted context leaves the machine in progress so the request can be resumed.
func (r *MachineRunner) stop(logger zerolog.Logger, run MachineRun, result MachineResult, progress float64, err error) MachineResult {
	result.Err = err
	result.EndedAt = r.now().UTC()

	if isContextError(err) {
		logger.Warn().Err(err).Msg("Machine setup interrupted")
		return result
	}

	req, m := run.Request, run.Machine
	result.Status = MachineStatusFailed
	result.Progress = clamp(progress, 0, 100)
	logger.Error().Err(err).Str("severity", string(SeverityCritical)).Msg("Machine setup halted")

	// Best effort on a fresh context: the store may be the component that failed.
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	weight := TaskWeight(len(req.Tasks))
	for _, name := range req.Tasks {
		if _, done := result.Tasks[name]; done {
			continue
		}
		if rec, ok := run.Records[name]; ok && rec.Status.IsTerminal() {
			result.Tasks[name] = rec.Status
			continue
		}
		spec, ok := run.Catalog.Lookup(name)
		if !ok {
			spec = TaskSpec{Name: name}
		}
		taskRun := TaskRun{
			Request:      req,
			Machine:      m,
			Spec:         spec,
			Weight:       weight,
			BaseProgress: result.Progress,
		}
		if rec, ok := run.Records[name]; ok {
			rec := rec
			taskRun.Record = &rec
		}
		r.executor.Settle(ctx, taskRun, TaskStatusSkipped, "skipped: machine halted after system error", ErrorClassNone, "")
		result.Tasks[name] = TaskStatusSkipped
	}

	if emitErr := r.rec.emit(ctx, &ProgressEvent{
		RequestID:       req.ID,
		Machine:         m.Name,
		Task:            EventTaskCompletion,
		Status:          TaskStatusFailed,
		MachineProgress: result.Progress,
		Message:         fmt.Sprintf("setup halted for %s: %v", m.Name, err),
		StartedAt:       &result.StartedAt,
		EndedAt:         &result.EndedAt,
		Duration:        result.EndedAt.Sub(result.StartedAt),
		ErrorClass:      ErrorClassSystem,
	}); emitErr != nil {
		logger.Error().Err(emitErr).Msg("Failed to record machine completion")
	}
	if markErr := r.rec.machineStatus(ctx, req.ID, m.Name, MachineStatusFailed); markErr != nil {
		logger.Error().Err(markErr).Msg("Failed to mark machine as failed")
	}
	r.metrics.RecordMachineCompleted(string(MachineStatusFailed), result.EndedAt.Sub(result.StartedAt))
	return result
}

// settleHalted records the task whose system error halted the machine when
// the executor could not persist its terminal state.
func (r *MachineRunner) settleHalted(run TaskRun, outcome TaskOutcome) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	rec := r.executor.record(run)
	rec.Attempts = outcome.Attempts
	run.Record = rec
	r.executor.Settle(ctx, run, TaskStatusFailed, outcome.Message, ErrorClassSystem, ErrCodeDatabase)
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
