package engine

import "testing"

func TestMachineStatusFor(t *testing.T) {
	tests := []struct {
		name  string
		tasks []TaskStatus
		want  MachineStatus
	}{
		{"all completed", []TaskStatus{TaskStatusCompleted, TaskStatusCompleted}, MachineStatusCompleted},
		{"skipped and warning count as done", []TaskStatus{TaskStatusCompleted, TaskStatusSkipped, TaskStatusWarning}, MachineStatusCompleted},
		{"one failed", []TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusCompleted}, MachineStatusFailed},
		{"all failed", []TaskStatus{TaskStatusFailed}, MachineStatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MachineStatusFor(tt.tasks); got != tt.want {
				t.Errorf("MachineStatusFor() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRequestStatusFor(t *testing.T) {
	tests := []struct {
		name     string
		machines []MachineStatus
		want     RequestStatus
	}{
		{"all completed", []MachineStatus{MachineStatusCompleted, MachineStatusCompleted}, RequestStatusCompleted},
		{"all failed", []MachineStatus{MachineStatusFailed, MachineStatusFailed}, RequestStatusFailed},
		{"mixed", []MachineStatus{MachineStatusCompleted, MachineStatusFailed, MachineStatusCompleted}, RequestStatusPartiallyFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RequestStatusFor(tt.machines); got != tt.want {
				t.Errorf("RequestStatusFor() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatusTerminality(t *testing.T) {
	if RequestStatusInProgress.IsTerminal() || RequestStatusApproved.IsTerminal() {
		t.Error("in_progress and approved must not be terminal")
	}
	if !RequestStatusRejected.IsTerminal() || !RequestStatusPartiallyFailed.IsTerminal() {
		t.Error("rejected and partially_failed must be terminal")
	}
	if TaskStatusInProgress.IsTerminal() || TaskStatusPending.IsTerminal() {
		t.Error("in_progress and pending tasks must not be terminal")
	}
	if TaskStatusFailed.IsDone() {
		t.Error("failed task must not count as done")
	}
	if err := TaskStatus("paused").Validate(); err == nil {
		t.Error("expected error for unknown task status")
	}
	if err := RequestStatus("archived").Validate(); err == nil {
		t.Error("expected error for unknown request status")
	}
}
