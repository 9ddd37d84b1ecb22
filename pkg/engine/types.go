package engine

import (
	"time"
)

// SetupRequest is one unit of work covering one or more target machines and
// a chosen set of tasks.
type SetupRequest struct {
	// ID is the unique identifier of the request.
	ID string `json:"id"`

	// Requester identifies who submitted the request.
	Requester string `json:"requester"`

	// Machines are the target machines in submission order.
	Machines []MachineTarget `json:"machines"`

	// Tasks are the enabled task names in catalog declaration order.
	Tasks []string `json:"tasks"`

	// Options are flat parameters forwarded to every action.
	Options map[string]string `json:"options,omitempty"`

	// Status is the lifecycle status of the request.
	Status RequestStatus `json:"status"`

	// Approver is who approved or rejected the request.
	Approver string `json:"approver,omitempty"`

	// ApprovedAt is when the approval decision was made.
	ApprovedAt *time.Time `json:"approved_at,omitempty"`

	// RejectionReason is set when the request was rejected.
	RejectionReason string `json:"rejection_reason,omitempty"`

	// Progress maps machine name to percent complete (0-100).
	Progress map[string]float64 `json:"progress,omitempty"`

	// EstimatedDuration is the catalog estimate for the whole request.
	EstimatedDuration time.Duration `json:"estimated_duration"`

	// ActualDuration accumulates wall-clock run time across resumed runs.
	ActualDuration time.Duration `json:"actual_duration"`

	// CreatedAt is when the request was submitted.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when the request first moved to in progress.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the request reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Machine returns the machine with the given name.
func (r *SetupRequest) Machine(name string) (*MachineTarget, bool) {
	for i := range r.Machines {
		if r.Machines[i].Name == name {
			return &r.Machines[i], true
		}
	}
	return nil, false
}

// TaskEnabled reports whether the named task is enabled for this request.
func (r *SetupRequest) TaskEnabled(name string) bool {
	for _, t := range r.Tasks {
		if t == name {
			return true
		}
	}
	return false
}

// LoginType selects which credential pair a machine is set up with.
type LoginType string

const (
	// LoginDirectory uses a directory (domain) account.
	LoginDirectory LoginType = "directory"

	// LoginExistingLocal uses a local account that already exists on the machine.
	LoginExistingLocal LoginType = "existing_local"

	// LoginNewLocal uses a local account the setup creates.
	LoginNewLocal LoginType = "new_local"
)

// Credentials is a single resolved username/password pair.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"-"`
}

// CredentialSelection is a tagged variant over the three login types. Only the
// pair named by Kind is ever consulted.
type CredentialSelection struct {
	Kind          LoginType   `json:"kind"`
	Directory     Credentials `json:"directory"`
	ExistingLocal Credentials `json:"existing_local"`
	NewLocal      Credentials `json:"new_local"`
}

// MachineTarget is one machine of a setup request.
type MachineTarget struct {
	// Name is the machine identifier, unique within a request.
	Name string `json:"name"`

	// Address is the network address used to reach the machine.
	Address string `json:"address"`

	// Login selects the credential pair.
	Login CredentialSelection `json:"login"`

	// FullName is the display name of the machine's user.
	FullName string `json:"full_name,omitempty"`

	// Elevated requests administrator privileges for the account.
	Elevated bool `json:"elevated"`

	// Status is the machine's status within the request.
	Status MachineStatus `json:"status"`

	// Progress is the machine's percent complete.
	Progress float64 `json:"progress"`
}

// TaskSpec is a named unit of work mapped to exactly one external action.
type TaskSpec struct {
	// Name is the task name used in requests.
	Name string `json:"name"`

	// ActionID identifies the external action that performs the task.
	ActionID string `json:"action"`

	// Description is a human-readable summary.
	Description string `json:"description,omitempty"`

	// Timeout bounds a single attempt. Zero means the runner default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Estimate is the typical duration of one successful run.
	Estimate time.Duration `json:"estimate,omitempty"`

	// Options are task-specific default parameters.
	Options map[string]string `json:"options,omitempty"`
}

// TaskExecutionRecord is the current state of one task on one machine.
type TaskExecutionRecord struct {
	RequestID  string                 `json:"request_id"`
	Machine    string                 `json:"machine"`
	Task       string                 `json:"task"`
	Status     TaskStatus             `json:"status"`
	Attempts   int                    `json:"attempts"`
	StartedAt  *time.Time             `json:"started_at,omitempty"`
	EndedAt    *time.Time             `json:"ended_at,omitempty"`
	Duration   time.Duration          `json:"duration"`
	Message    string                 `json:"message,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	ErrorClass ErrorClass             `json:"error_class,omitempty"`
	ErrorCode  string                 `json:"error_code,omitempty"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// Reserved task names for machine lifecycle events.
const (
	EventTaskInitialization = "setup_initialization"
	EventTaskCompletion     = "setup_completion"
)

// ProgressEvent is an immutable entry of the append-only progress log.
type ProgressEvent struct {
	// ID is the unique identifier of the event.
	ID string `json:"id"`

	// Seq is the store-assigned position in the log.
	Seq int64 `json:"seq"`

	RequestID string     `json:"request_id"`
	Machine   string     `json:"machine"`
	Task      string     `json:"task"`
	Status    TaskStatus `json:"status"`

	// Progress is the task's own progress (0-100).
	Progress float64 `json:"progress"`

	// MachineProgress is the machine's aggregate progress after this event.
	MachineProgress float64 `json:"machine_progress"`

	Attempt    int        `json:"attempt,omitempty"`
	Message    string     `json:"message,omitempty"`
	ErrorClass ErrorClass `json:"error_class,omitempty"`

	StartedAt *time.Time    `json:"started_at,omitempty"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// ActionRequest is the input of one external action invocation.
type ActionRequest struct {
	ActionID    string
	RequestID   string
	Task        string
	Machine     MachineTarget
	Credentials Credentials
	Options     map[string]string
	Timeout     time.Duration

	// Attempt is the one-based attempt number.
	Attempt int

	// Resumed is set when the task was interrupted by a crash and is being
	// re-run, so the action can check whether it was already applied.
	Resumed bool
}

// ActionResult is the outcome of one external action invocation.
type ActionResult struct {
	OK      bool
	Message string
	Payload map[string]interface{}

	// Class and Code classify a failure.
	Class ErrorClass
	Code  string

	// Stderr carries the action's diagnostic output on failure.
	Stderr string

	// Warning is set when the action succeeded with partial success information.
	Warning bool

	// AlreadyApplied is set when the action detected the change was already in place.
	AlreadyApplied bool

	Duration time.Duration
}

// RunSummary is the result of one coordinator run.
type RunSummary struct {
	RequestID string                   `json:"request_id"`
	Status    RequestStatus            `json:"status"`
	Machines  map[string]MachineStatus `json:"machines"`
	Progress  float64                  `json:"progress"`
	Duration  time.Duration            `json:"duration"`
	Resumed   bool                     `json:"resumed"`
	Cancelled bool                     `json:"cancelled"`
}
