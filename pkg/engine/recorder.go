package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// recorder is the single write path for progress events and execution
// records. Store failures surface as system errors.
type recorder struct {
	repo   Repository
	sinks  []EventSink
	logger zerolog.Logger
	now    func() time.Time
}

// emit appends the event to the store and then hands it to the sinks.
func (r *recorder) emit(ctx context.Context, ev *ProgressEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now().UTC()
	}

	if err := r.repo.AppendProgressEvent(ctx, ev); err != nil {
		return NewSystemError("failed to append progress event", err).
			WithCode(ErrCodeDatabase).
			WithMachine(ev.Machine).
			WithTask(ev.Task)
	}

	for _, sink := range r.sinks {
		if err := sink.Publish(ctx, *ev); err != nil {
			r.logger.Warn().Err(err).
				Str("request_id", ev.RequestID).
				Str("machine", ev.Machine).
				Str("task", ev.Task).
				Msg("Failed to publish progress event")
		}
	}
	return nil
}

// upsert writes the execution record in place.
func (r *recorder) upsert(ctx context.Context, rec *TaskExecutionRecord) error {
	rec.UpdatedAt = r.now().UTC()
	if err := r.repo.UpsertTaskExecutionRecord(ctx, rec); err != nil {
		return NewSystemError("failed to write task execution record", err).
			WithCode(ErrCodeDatabase).
			WithMachine(rec.Machine).
			WithTask(rec.Task)
	}
	return nil
}

// machineStatus persists a machine status change.
func (r *recorder) machineStatus(ctx context.Context, requestID, machine string, status MachineStatus) error {
	if err := r.repo.UpdateMachineStatus(ctx, requestID, machine, status); err != nil {
		return NewSystemError("failed to update machine status", err).
			WithCode(ErrCodeDatabase).
			WithMachine(machine)
	}
	return nil
}
