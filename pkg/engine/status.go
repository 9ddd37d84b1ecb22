package engine

import (
	"fmt"
)

// RequestStatus represents the lifecycle status of a setup request.
type RequestStatus string

const (
	// RequestStatusPending indicates the request awaits an approval decision.
	RequestStatusPending RequestStatus = "pending"

	// RequestStatusApproved indicates the request was approved and can be run.
	RequestStatusApproved RequestStatus = "approved"

	// RequestStatusRejected indicates the request was rejected. Terminal.
	RequestStatusRejected RequestStatus = "rejected"

	// RequestStatusInProgress indicates machines are being set up.
	RequestStatusInProgress RequestStatus = "in_progress"

	// RequestStatusCompleted indicates every machine completed.
	RequestStatusCompleted RequestStatus = "completed"

	// RequestStatusFailed indicates every machine failed.
	RequestStatusFailed RequestStatus = "failed"

	// RequestStatusPartiallyFailed indicates mixed machine outcomes.
	RequestStatusPartiallyFailed RequestStatus = "partially_failed"
)

// IsTerminal returns true if the request status is a final state.
func (s RequestStatus) IsTerminal() bool {
	return s == RequestStatusRejected || s == RequestStatusCompleted ||
		s == RequestStatusFailed || s == RequestStatusPartiallyFailed
}

// Validate checks if the request status is valid.
func (s RequestStatus) Validate() error {
	switch s {
	case RequestStatusPending, RequestStatusApproved, RequestStatusRejected,
		RequestStatusInProgress, RequestStatusCompleted, RequestStatusFailed,
		RequestStatusPartiallyFailed:
		return nil
	default:
		return fmt.Errorf("invalid request status: %s", s)
	}
}

// MachineStatus represents the status of one machine within a request.
type MachineStatus string

const (
	MachineStatusPending    MachineStatus = "pending"
	MachineStatusInProgress MachineStatus = "in_progress"
	MachineStatusCompleted  MachineStatus = "completed"
	MachineStatusFailed     MachineStatus = "failed"
)

// IsTerminal returns true if the machine status is a final state.
func (s MachineStatus) IsTerminal() bool {
	return s == MachineStatusCompleted || s == MachineStatusFailed
}

// TaskStatus represents the state of one task on one machine.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusSkipped    TaskStatus = "skipped"
	TaskStatusWarning    TaskStatus = "warning"
)

// IsTerminal returns true if the task status is a final state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusSkipped, TaskStatusWarning:
		return true
	default:
		return false
	}
}

// IsDone returns true for terminal statuses that do not fail the machine.
func (s TaskStatus) IsDone() bool {
	return s == TaskStatusCompleted || s == TaskStatusSkipped || s == TaskStatusWarning
}

// Validate checks if the task status is valid.
func (s TaskStatus) Validate() error {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusSkipped, TaskStatusWarning:
		return nil
	default:
		return fmt.Errorf("invalid task status: %s", s)
	}
}

// MachineStatusFor derives a machine's terminal status from its task statuses.
// A machine is completed iff every task is completed, skipped or warning.
func MachineStatusFor(tasks []TaskStatus) MachineStatus {
	for _, s := range tasks {
		if !s.IsDone() {
			return MachineStatusFailed
		}
	}
	return MachineStatusCompleted
}

// RequestStatusFor derives a request's terminal status from its machines'
// terminal statuses.
func RequestStatusFor(machines []MachineStatus) RequestStatus {
	var completed, failed int
	for _, s := range machines {
		switch s {
		case MachineStatusCompleted:
			completed++
		case MachineStatusFailed:
			failed++
		}
	}
	switch {
	case failed == 0 && completed == len(machines):
		return RequestStatusCompleted
	case completed == 0 && failed == len(machines):
		return RequestStatusFailed
	default:
		return RequestStatusPartiallyFailed
	}
}
