package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewRequestID returns a request identifier of the form
// REQ<yyyymmddhhmmss>-<suffix>.
func NewRequestID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:6]
	return fmt.Sprintf("REQ%s-%s", now.UTC().Format("20060102150405"), suffix)
}

// Submit validates a new request, orders its tasks by the catalog, estimates
// its duration and persists it as pending.
func (c *Coordinator) Submit(ctx context.Context, req *SetupRequest) (*SetupRequest, error) {
	if req == nil {
		return nil, NewValidationError("request is required", nil)
	}
	if strings.TrimSpace(req.Requester) == "" {
		return nil, NewValidationError("requester is required", nil)
	}
	catalog := c.catalog.Catalog()

	tasks, err := catalog.Order(req.Tasks)
	if err != nil {
		return nil, err
	}
	out := *req
	out.Tasks = tasks
	out.Machines = make([]MachineTarget, len(req.Machines))
	copy(out.Machines, req.Machines)
	if err := c.validate(&out, catalog); err != nil {
		return nil, err
	}
	for i := range out.Machines {
		m := &out.Machines[i]
		if strings.TrimSpace(m.Address) == "" {
			return nil, NewValidationError("machine address is required", nil).WithMachine(m.Name)
		}
		if _, err := ResolveCredentials(*m); err != nil {
			return nil, err
		}
		m.Status = MachineStatusPending
		m.Progress = 0
	}

	now := c.now().UTC()
	if out.ID == "" {
		out.ID = NewRequestID(now)
	}
	out.Status = RequestStatusPending
	out.CreatedAt = now
	out.Approver = ""
	out.ApprovedAt = nil
	out.StartedAt = nil
	out.CompletedAt = nil
	out.ActualDuration = 0
	out.Progress = make(map[string]float64, len(out.Machines))
	for _, m := range out.Machines {
		out.Progress[m.Name] = 0
	}
	out.EstimatedDuration = catalog.Estimate(out.Tasks, len(out.Machines), c.parallelism)

	if err := c.repo.CreateRequest(ctx, &out); err != nil {
		return nil, NewSystemError("failed to store request", err).WithCode(ErrCodeDatabase)
	}

	c.logger.Info().
		Str("request_id", out.ID).
		Str("requester", out.Requester).
		Int("machines", len(out.Machines)).
		Int("tasks", len(out.Tasks)).
		Dur("estimate", out.EstimatedDuration).
		Msg("Setup request submitted")

	return &out, nil
}

// Approve evaluates the approval policy and moves a pending request to
// approved. A denied request stays pending.
func (c *Coordinator) Approve(ctx context.Context, id, approver string) (*PolicyDecision, error) {
	if strings.TrimSpace(approver) == "" {
		return nil, NewValidationError("approver is required", nil)
	}
	req, err := c.pending(ctx, id)
	if err != nil {
		return nil, err
	}

	decision := &PolicyDecision{Allowed: true}
	if c.policy != nil {
		decision, err = c.policy.EvaluateApproval(ctx, req, approver)
		if err != nil {
			return nil, NewSystemError("failed to evaluate approval policy", err)
		}
	}
	if !decision.Allowed {
		msgs := make([]string, 0, len(decision.Violations))
		for _, v := range decision.Violations {
			msgs = append(msgs, v.Message)
		}
		c.logger.Warn().
			Str("request_id", id).
			Str("approver", approver).
			Strs("violations", msgs).
			Msg("Approval denied by policy")
		return decision, NewValidationError(
			fmt.Sprintf("approval denied: %s", strings.Join(msgs, "; ")), nil,
		).WithCode(ErrCodePolicyDenied).WithDetail("violations", decision.Violations)
	}

	now := c.now().UTC()
	if err := c.repo.UpdateRequestStatus(ctx, id, StatusUpdate{
		From:       []RequestStatus{RequestStatusPending},
		To:         RequestStatusApproved,
		Approver:   approver,
		ApprovedAt: &now,
	}); err != nil {
		return nil, c.transitionError(id, err)
	}

	c.logger.Info().
		Str("request_id", id).
		Str("approver", approver).
		Int("warnings", len(decision.Warnings)).
		Msg("Setup request approved")
	return decision, nil
}

// Reject moves a pending request to rejected. Rejected requests are never
// run.
func (c *Coordinator) Reject(ctx context.Context, id, approver, reason string) error {
	if strings.TrimSpace(approver) == "" {
		return NewValidationError("approver is required", nil)
	}
	if strings.TrimSpace(reason) == "" {
		return NewValidationError("rejection reason is required", nil)
	}
	if _, err := c.pending(ctx, id); err != nil {
		return err
	}

	now := c.now().UTC()
	if err := c.repo.UpdateRequestStatus(ctx, id, StatusUpdate{
		From:            []RequestStatus{RequestStatusPending},
		To:              RequestStatusRejected,
		Approver:        approver,
		ApprovedAt:      &now,
		RejectionReason: reason,
	}); err != nil {
		return c.transitionError(id, err)
	}

	c.logger.Info().
		Str("request_id", id).
		Str("approver", approver).
		Str("reason", reason).
		Msg("Setup request rejected")
	return nil
}

func (c *Coordinator) pending(ctx context.Context, id string) (*SetupRequest, error) {
	req, err := c.repo.GetRequest(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load request %s: %w", id, err)
	}
	if req.Status != RequestStatusPending {
		return nil, NewValidationError(
			fmt.Sprintf("request %s is %s, not pending", id, req.Status), ErrStatusConflict,
		).WithCode(ErrCodeStatusConflict)
	}
	return req, nil
}

func (c *Coordinator) transitionError(id string, err error) error {
	if errors.Is(err, ErrStatusConflict) {
		return NewValidationError(fmt.Sprintf("request %s changed status concurrently", id), err).
			WithCode(ErrCodeStatusConflict)
	}
	return NewSystemError(fmt.Sprintf("failed to update request %s", id), err).WithCode(ErrCodeDatabase)
}
