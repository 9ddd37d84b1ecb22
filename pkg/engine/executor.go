package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/fleetsetup/pkg/telemetry"
	"github.com/rs/zerolog"
)

// DefaultActionTimeout bounds an attempt when neither the task nor the
// configuration sets a timeout.
const DefaultActionTimeout = 30 * time.Minute

// timeoutGrace is how long the executor waits past an attempt's timeout for
// the runner to return before detaching from it.
const timeoutGrace = 10 * time.Second

// TaskRun is one task to execute on one machine.
type TaskRun struct {
	Request     *SetupRequest
	Machine     MachineTarget
	Credentials Credentials
	Spec        TaskSpec

	// Weight is the task's share of the machine's progress.
	Weight float64

	// BaseProgress is the machine progress earned before this task.
	BaseProgress float64

	// Record is the persisted record when resuming, nil for a fresh task.
	Record *TaskExecutionRecord
}

// TaskOutcome is the terminal result of a task run.
type TaskOutcome struct {
	Status   TaskStatus
	Attempts int
	Message  string
	Class    ErrorClass

	// Err is set when the machine must stop: a system error or an aborted context.
	Err error

	// Recorded reports that the terminal record and event were persisted.
	Recorded bool
}

// TaskExecutor runs a single task against a single machine, including the
// retry loop, progress emission and failure classification.
type TaskExecutor struct {
	runner         ActionRunner
	rec            *recorder
	policy         RetryPolicy
	defaultTimeout time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
	now            func() time.Time
	logger         zerolog.Logger
	metrics        *telemetry.Metrics
	tracer         *telemetry.Tracer
}

// Execute runs the task until it reaches a terminal status or the machine has
// to stop. Attempts are an explicit bounded loop driven by the retry policy.
func (e *TaskExecutor) Execute(ctx context.Context, run TaskRun) TaskOutcome {
	rec := e.record(run)
	resumed := run.Record != nil && run.Record.Status == TaskStatusInProgress
	logger := e.logger.With().
		Str("request_id", run.Request.ID).
		Str("machine", run.Machine.Name).
		Str("task", run.Spec.Name).
		Logger()

	timeout := run.Spec.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	options := mergeOptions(run.Spec.Options, run.Request.Options)

	for attempt := 0; ; attempt++ {
		start := e.now().UTC()
		rec.Status = TaskStatusInProgress
		rec.Attempts++
		if rec.StartedAt == nil {
			rec.StartedAt = &start
		}
		rec.EndedAt = nil
		if err := e.rec.upsert(ctx, rec); err != nil {
			return e.halt(logger, rec, err)
		}

		logger.Debug().Int("attempt", rec.Attempts).Msg("Starting task attempt")

		attemptCtx, span := e.tracer.StartTaskSpan(ctx, run.Machine.Name, run.Spec.Name, rec.Attempts)
		result := e.invoke(attemptCtx, ActionRequest{
			ActionID:    run.Spec.ActionID,
			RequestID:   run.Request.ID,
			Task:        run.Spec.Name,
			Machine:     run.Machine,
			Credentials: run.Credentials,
			Options:     options,
			Timeout:     timeout,
			Attempt:     rec.Attempts,
			Resumed:     resumed && attempt == 0,
		})
		end := e.now().UTC()

		class := ErrorClassNone
		if !result.OK {
			class = result.Class
		}
		e.metrics.RecordTaskAttempt(run.Spec.Name, string(class), end.Sub(start))

		// An aborted context leaves the record in progress for a later resume.
		if ctx.Err() != nil {
			telemetry.RecordError(span, ctx.Err())
			span.End()
			logger.Warn().Int("attempt", rec.Attempts).Msg("Task attempt aborted")
			return TaskOutcome{Status: TaskStatusInProgress, Attempts: rec.Attempts, Err: ctx.Err()}
		}

		if result.OK {
			telemetry.RecordSuccess(span)
			span.End()
			status := TaskStatusCompleted
			if result.Warning {
				status = TaskStatusWarning
			}
			msg := result.Message
			if result.AlreadyApplied && msg == "" {
				msg = "already applied"
			}
			return e.finish(ctx, logger, run, rec, status, msg, result, start, end)
		}

		failure := failureMessage(result)
		telemetry.RecordError(span, errors.New(failure))
		span.End()
		e.metrics.RecordError(string(class), result.Code)

		// The budget counts attempts made before a resume too.
		decision := e.policy.Decide(rec.Attempts-1, e.policy.MaxAttemptsFor(class), class)
		if !decision.Retry {
			out := e.finish(ctx, logger, run, rec, TaskStatusFailed, failure, result, start, end)
			if class == ErrorClassSystem && out.Err == nil {
				out.Err = NewSystemError(failure, nil).
					WithCode(result.Code).
					WithMachine(run.Machine.Name).
					WithTask(run.Spec.Name)
			}
			return out
		}

		msg := fmt.Sprintf("attempt %d failed: %s; retrying in %s", rec.Attempts, failure, decision.Delay)
		rec.Message = msg
		rec.ErrorClass = class
		rec.ErrorCode = result.Code
		if err := e.rec.upsert(ctx, rec); err != nil {
			return e.halt(logger, rec, err)
		}
		if err := e.rec.emit(ctx, e.event(run, rec, TaskStatusInProgress, 0, run.BaseProgress, msg, class, &start, &end)); err != nil {
			return e.halt(logger, rec, err)
		}
		e.metrics.RecordRetry(run.Spec.Name, string(class))

		logger.Warn().
			Int("attempt", rec.Attempts).
			Str("class", string(class)).
			Dur("delay", decision.Delay).
			Msg(failure)

		if err := e.sleep(ctx, decision.Delay); err != nil {
			return TaskOutcome{Status: TaskStatusInProgress, Attempts: rec.Attempts, Err: err}
		}
	}
}

// Settle moves a task straight to a terminal status without invoking its
// action, e.g. Skipped on cancellation or Failed on unresolvable credentials.
func (e *TaskExecutor) Settle(ctx context.Context, run TaskRun, status TaskStatus, msg string, class ErrorClass, code string) TaskOutcome {
	rec := e.record(run)
	now := e.now().UTC()
	rec.Status = status
	rec.EndedAt = &now
	rec.Message = msg
	rec.ErrorClass = class
	rec.ErrorCode = code
	if err := e.rec.upsert(ctx, rec); err != nil {
		return e.halt(e.logger, rec, err)
	}
	if err := e.rec.emit(ctx, e.event(run, rec, status, 0, run.BaseProgress, msg, class, nil, &now)); err != nil {
		return e.halt(e.logger, rec, err)
	}
	e.metrics.RecordTaskCompleted(run.Spec.Name, string(status))
	return TaskOutcome{Status: status, Attempts: rec.Attempts, Message: msg, Class: class, Recorded: true}
}

func (e *TaskExecutor) finish(
	ctx context.Context,
	logger zerolog.Logger,
	run TaskRun,
	rec *TaskExecutionRecord,
	status TaskStatus,
	msg string,
	result ActionResult,
	start, end time.Time,
) TaskOutcome {
	class := ErrorClassNone
	if status == TaskStatusFailed {
		class = result.Class
	}

	rec.Status = status
	rec.EndedAt = &end
	rec.Duration = end.Sub(*rec.StartedAt)
	rec.Message = msg
	rec.Payload = result.Payload
	rec.ErrorClass = class
	rec.ErrorCode = ""
	if status == TaskStatusFailed {
		rec.ErrorCode = result.Code
		if result.Stderr != "" {
			if rec.Payload == nil {
				rec.Payload = make(map[string]interface{})
			}
			rec.Payload["stderr"] = result.Stderr
		}
	}

	progress, machineProgress := 0.0, run.BaseProgress
	if status == TaskStatusCompleted || status == TaskStatusWarning {
		progress = 100
		machineProgress += run.Weight
	}

	if err := e.rec.upsert(ctx, rec); err != nil {
		return e.halt(logger, rec, err)
	}
	if err := e.rec.emit(ctx, e.event(run, rec, status, progress, machineProgress, msg, class, &start, &end)); err != nil {
		return e.halt(logger, rec, err)
	}
	e.metrics.RecordTaskCompleted(run.Spec.Name, string(status))

	var evt *zerolog.Event
	if status == TaskStatusFailed {
		evt = logger.Error().Str("class", string(class)).Str("code", rec.ErrorCode)
	} else {
		evt = logger.Info()
	}
	evt.Str("status", string(status)).
		Int("attempts", rec.Attempts).
		Dur("duration", rec.Duration).
		Msg(msg)

	return TaskOutcome{Status: status, Attempts: rec.Attempts, Message: msg, Class: class, Recorded: true}
}

// halt reports a system error that stops the machine.
func (e *TaskExecutor) halt(logger zerolog.Logger, rec *TaskExecutionRecord, err error) TaskOutcome {
	logger.Error().Err(err).Str("severity", string(SeverityCritical)).Msg("Halting machine after system error")
	e.metrics.RecordError(string(ErrorClassSystem), ErrCodeDatabase)
	return TaskOutcome{
		Status:   TaskStatusFailed,
		Attempts: rec.Attempts,
		Message:  err.Error(),
		Class:    ErrorClassSystem,
		Err:      err,
	}
}

// invoke calls the runner and enforces the hard timeout even if the runner
// does not honor its context. A runner that overruns is detached.
func (e *TaskExecutor) invoke(ctx context.Context, req ActionRequest) ActionResult {
	callCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	done := make(chan ActionResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- ActionResult{
					Class:   ErrorClassSystem,
					Code:    ErrCodeInternal,
					Message: fmt.Sprintf("action runner panicked: %v", r),
				}
			}
		}()
		done <- e.runner.Run(callCtx, req)
	}()

	grace := time.NewTimer(req.Timeout + timeoutGrace)
	defer grace.Stop()

	select {
	case res := <-done:
		if !res.OK {
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				res.Class = ErrorClassActionTimeout
				if res.Code == "" {
					res.Code = ErrCodeTimeout
				}
			}
			if res.Class == ErrorClassNone {
				res.Class = ErrorClassActionFailure
			}
			if res.Code == "" {
				res.Code = defaultCode(res.Class)
			}
		}
		return res
	case <-grace.C:
		return ActionResult{
			Class:   ErrorClassActionTimeout,
			Code:    ErrCodeTimeout,
			Message: fmt.Sprintf("action %s did not return within %s", req.ActionID, req.Timeout),
		}
	}
}

// record returns the record to update for run, creating a pending one for a
// fresh task.
func (e *TaskExecutor) record(run TaskRun) *TaskExecutionRecord {
	if run.Record != nil {
		rec := *run.Record
		return &rec
	}
	return &TaskExecutionRecord{
		RequestID: run.Request.ID,
		Machine:   run.Machine.Name,
		Task:      run.Spec.Name,
		Status:    TaskStatusPending,
	}
}

func (e *TaskExecutor) event(
	run TaskRun,
	rec *TaskExecutionRecord,
	status TaskStatus,
	progress, machineProgress float64,
	msg string,
	class ErrorClass,
	start, end *time.Time,
) *ProgressEvent {
	ev := &ProgressEvent{
		RequestID:       run.Request.ID,
		Machine:         run.Machine.Name,
		Task:            run.Spec.Name,
		Status:          status,
		Progress:        progress,
		MachineProgress: machineProgress,
		Attempt:         rec.Attempts,
		Message:         msg,
		ErrorClass:      class,
		StartedAt:       start,
		EndedAt:         end,
	}
	if start != nil && end != nil {
		ev.Duration = end.Sub(*start)
	}
	return ev
}

func failureMessage(res ActionResult) string {
	msg := strings.TrimSpace(res.Message)
	if msg == "" {
		msg = "action failed"
	}
	if stderr := lastLine(res.Stderr); stderr != "" && !strings.Contains(msg, stderr) {
		msg = fmt.Sprintf("%s (%s)", msg, stderr)
	}
	return msg
}

func defaultCode(class ErrorClass) string {
	switch class {
	case ErrorClassValidation:
		return ErrCodeValidation
	case ErrorClassActionTimeout:
		return ErrCodeTimeout
	case ErrorClassTransport:
		return ErrCodeNetwork
	case ErrorClassSystem:
		return ErrCodeInternal
	default:
		return ErrCodeActionFailed
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// mergeOptions overlays request options on the task defaults.
func mergeOptions(task, request map[string]string) map[string]string {
	out := make(map[string]string, len(task)+len(request))
	for k, v := range task {
		out[k] = v
	}
	for k, v := range request {
		out[k] = v
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
