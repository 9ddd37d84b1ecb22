// Package engine provides the setup orchestration engine: it turns an approved
// setup request into per-machine, per-task executions with retry, backoff,
// progress aggregation and terminal-state determination.
//
// # Lifecycle
//
// A request moves Pending → Approved → InProgress → {Completed, Failed,
// PartiallyFailed}, or Pending → Rejected. The Coordinator owns every
// transition:
//
//	req, err := coord.Submit(ctx, req)
//	decision, err := coord.Approve(ctx, req.ID, "ops-lead")
//	summary, err := coord.Run(ctx, req.ID, engine.NewCancelToken())
//
// # Execution
//
// Machines of a request run concurrently over a bounded worker pool. Tasks of
// one machine run strictly sequentially in catalog order. Each task is driven
// by the TaskExecutor through an explicit retry loop governed by RetryPolicy;
// every attempt produces exactly one ProgressEvent and updates one
// TaskExecutionRecord in place.
//
// # Errors
//
// Failures are SetupErrors classified as validation, action_timeout,
// action_failure, transport or system. Only timeouts, action failures and
// transport errors are retried. System errors are critical and halt the
// affected machine.
//
// # Resume
//
// When the run context is cancelled the request stays in progress. A later
// Run skips tasks whose record is terminal and re-runs in-progress ones with
// ActionRequest.Resumed set on the first attempt.
package engine
