package engine

import (
	"context"
	"time"
)

// Repository is the narrow persistence boundary of the engine. Every write is
// atomic per call.
type Repository interface {
	// CreateRequest persists a new request together with its machines and task options.
	CreateRequest(ctx context.Context, req *SetupRequest) error

	// GetRequest loads a request with its machines. Returns ErrNotFound if missing.
	GetRequest(ctx context.Context, id string) (*SetupRequest, error)

	// ListRequests lists requests, optionally filtered by status, newest first.
	ListRequests(ctx context.Context, statuses ...RequestStatus) ([]*SetupRequest, error)

	// UpdateRequestStatus performs a conditional status transition. It returns
	// ErrStatusConflict when the request is not in one of update.From.
	UpdateRequestStatus(ctx context.Context, id string, update StatusUpdate) error

	// UpdateMachineStatus sets the status of one machine of a request.
	UpdateMachineStatus(ctx context.Context, requestID, machine string, status MachineStatus) error

	// AppendProgressEvent appends an event and applies its aggregate progress
	// update to the machine and request in the same transaction.
	AppendProgressEvent(ctx context.Context, event *ProgressEvent) error

	// ListProgressEvents returns the request's events in emission order.
	ListProgressEvents(ctx context.Context, requestID string) ([]ProgressEvent, error)

	// UpsertTaskExecutionRecord creates or updates the record for
	// (request, machine, task) in place.
	UpsertTaskExecutionRecord(ctx context.Context, rec *TaskExecutionRecord) error

	// ListTaskExecutionRecords returns every record of a request.
	ListTaskExecutionRecords(ctx context.Context, requestID string) ([]TaskExecutionRecord, error)
}

// StatusUpdate describes a conditional request status transition.
type StatusUpdate struct {
	// From lists the statuses the request must currently be in.
	From []RequestStatus

	// To is the new status.
	To RequestStatus

	// Optional fields written together with the status when set.
	Approver        string
	ApprovedAt      *time.Time
	RejectionReason string
	StartedAt       *time.Time
	CompletedAt     *time.Time
	ActualDuration  *time.Duration
}

// ActionRunner invokes one external action for one (machine, task) pair.
// Implementations never return an error for expected failure modes; those are
// reported through ActionResult.
type ActionRunner interface {
	Run(ctx context.Context, req ActionRequest) ActionResult
}

// ActionRunnerFunc adapts a function to the ActionRunner interface.
type ActionRunnerFunc func(ctx context.Context, req ActionRequest) ActionResult

// Run calls f(ctx, req).
func (f ActionRunnerFunc) Run(ctx context.Context, req ActionRequest) ActionResult {
	return f(ctx, req)
}

// EventSink receives progress events after they were persisted. Publishing is
// best-effort.
type EventSink interface {
	Publish(ctx context.Context, event ProgressEvent) error
}

// ApprovalPolicy decides whether a request may be approved.
type ApprovalPolicy interface {
	EvaluateApproval(ctx context.Context, req *SetupRequest, approver string) (*PolicyDecision, error)
}

// PolicyDecision is the outcome of an approval policy evaluation.
type PolicyDecision struct {
	Allowed    bool              `json:"allowed"`
	Violations []PolicyViolation `json:"violations,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`
}

// PolicyViolation represents a single approval policy violation.
type PolicyViolation struct {
	Policy   string `json:"policy"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Machine  string `json:"machine,omitempty"`
}

// CatalogSource supplies the current task catalog. The catalog may change
// between runs but is read once per run.
type CatalogSource interface {
	Catalog() *Catalog
}
