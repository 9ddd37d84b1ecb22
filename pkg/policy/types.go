package policy

import (
	"time"

	"github.com/openfroyo/fleetsetup/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported to the approver but does not block approval.
	SeverityWarning Severity = "warning"

	// SeverityError blocks approval.
	SeverityError Severity = "error"

	// SeverityCritical blocks approval.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies approval.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is an approval rule written in Rego. Its package must define a
// deny set; each element is a message string or an object with message,
// severity and machine keys.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is used for deny elements that carry none.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with fleetsetup.
	Builtin bool `json:"builtin"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	// LoadedAt is when the policy was loaded.
	LoadedAt time.Time `json:"loaded_at"`
}

// ApprovalInput is the Rego input of an approval evaluation.
type ApprovalInput struct {
	// Request is the request under review. Credentials never carry
	// passwords into the input.
	Request *engine.SetupRequest `json:"request"`

	// Approver is the person approving the request.
	Approver string `json:"approver"`

	// Context provides additional evaluation context.
	Context ApprovalContext `json:"context"`
}

// ApprovalContext provides context information for policy evaluation.
type ApprovalContext struct {
	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// Operation is the lifecycle operation being evaluated.
	Operation string `json:"operation"`
}
