package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/openfroyo/fleetsetup/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	path string

	// writeMu serializes write transactions; machine runners write concurrently.
	writeMu sync.Mutex

	now func() time.Time
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	// Every connection to :memory: opens its own database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:  cfg,
		path: cfg.Path,
		now:  time.Now,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf(
		"%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		s.path, s.cfg.BusyTimeout.Milliseconds(),
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// withWriteTx runs fn in a serialized write transaction.
func (s *SQLiteStore) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateRequest persists a request with its machines and task options.
func (s *SQLiteStore) CreateRequest(ctx context.Context, req *engine.SetupRequest) error {
	enabled, err := json.Marshal(req.Tasks)
	if err != nil {
		return fmt.Errorf("failed to encode enabled tasks: %w", err)
	}
	options := req.Options
	if options == nil {
		options = map[string]string{}
	}
	opts, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to encode task options: %w", err)
	}
	now := s.now().UTC()

	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO requests (
				id, requester, status, approver, approved_at, rejection_reason,
				estimated_duration_ms, actual_duration_ms, created_at, started_at, completed_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			req.ID,
			req.Requester,
			req.Status,
			nullString(req.Approver),
			utcPtr(req.ApprovedAt),
			nullString(req.RejectionReason),
			req.EstimatedDuration.Milliseconds(),
			req.ActualDuration.Milliseconds(),
			req.CreatedAt.UTC(),
			utcPtr(req.StartedAt),
			utcPtr(req.CompletedAt),
			now,
		)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		for i, m := range req.Machines {
			status := m.Status
			if status == "" {
				status = engine.MachineStatusPending
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO machines (
					request_id, name, position, address, login_type,
					directory_username, directory_password,
					existing_local_username, existing_local_password,
					new_local_username, new_local_password,
					full_name, elevated, status, progress, updated_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`,
				req.ID, m.Name, i, m.Address, m.Login.Kind,
				m.Login.Directory.Username, m.Login.Directory.Password,
				m.Login.ExistingLocal.Username, m.Login.ExistingLocal.Password,
				m.Login.NewLocal.Username, m.Login.NewLocal.Password,
				m.FullName, m.Elevated, status, m.Progress, now,
			)
			if err != nil {
				return fmt.Errorf("failed to create machine %s: %w", m.Name, err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_options (request_id, enabled_tasks, options) VALUES (?, ?, ?)`,
			req.ID, string(enabled), string(opts),
		); err != nil {
			return fmt.Errorf("failed to create task options: %w", err)
		}

		return insertAudit(ctx, tx, &AuditEntry{
			RequestID: req.ID,
			Action:    "request.submitted",
			Actor:     req.Requester,
			ToStatus:  string(req.Status),
			Timestamp: now,
		})
	})
}

// GetRequest retrieves a request with its machines and task options.
func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*engine.SetupRequest, error) {
	return s.getRequest(ctx, s.db, id)
}

func (s *SQLiteStore) getRequest(ctx context.Context, q querier, id string) (*engine.SetupRequest, error) {
	req := &engine.SetupRequest{}
	var (
		approver, reason      sql.NullString
		estimatedMS, actualMS int64
		enabled, options      string
	)
	err := q.QueryRowContext(ctx, `
		SELECT r.id, r.requester, r.status, r.approver, r.approved_at, r.rejection_reason,
			   r.estimated_duration_ms, r.actual_duration_ms, r.created_at, r.started_at, r.completed_at,
			   o.enabled_tasks, o.options
		FROM requests r
		JOIN task_options o ON o.request_id = r.id
		WHERE r.id = ?
	`, id).Scan(
		&req.ID,
		&req.Requester,
		&req.Status,
		&approver,
		&req.ApprovedAt,
		&reason,
		&estimatedMS,
		&actualMS,
		&req.CreatedAt,
		&req.StartedAt,
		&req.CompletedAt,
		&enabled,
		&options,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("request %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}

	req.Approver = approver.String
	req.RejectionReason = reason.String
	req.EstimatedDuration = time.Duration(estimatedMS) * time.Millisecond
	req.ActualDuration = time.Duration(actualMS) * time.Millisecond
	if err := json.Unmarshal([]byte(enabled), &req.Tasks); err != nil {
		return nil, fmt.Errorf("failed to decode enabled tasks: %w", err)
	}
	if err := json.Unmarshal([]byte(options), &req.Options); err != nil {
		return nil, fmt.Errorf("failed to decode task options: %w", err)
	}

	machines, err := s.listMachines(ctx, q, id)
	if err != nil {
		return nil, err
	}
	req.Machines = machines
	req.Progress = make(map[string]float64, len(machines))
	for _, m := range machines {
		req.Progress[m.Name] = m.Progress
	}

	return req, nil
}

func (s *SQLiteStore) listMachines(ctx context.Context, q querier, requestID string) ([]engine.MachineTarget, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT name, address, login_type,
			   directory_username, directory_password,
			   existing_local_username, existing_local_password,
			   new_local_username, new_local_password,
			   full_name, elevated, status, progress
		FROM machines
		WHERE request_id = ?
		ORDER BY position ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list machines: %w", err)
	}
	defer rows.Close()

	machines := []engine.MachineTarget{}
	for rows.Next() {
		var m engine.MachineTarget
		err := rows.Scan(
			&m.Name,
			&m.Address,
			&m.Login.Kind,
			&m.Login.Directory.Username,
			&m.Login.Directory.Password,
			&m.Login.ExistingLocal.Username,
			&m.Login.ExistingLocal.Password,
			&m.Login.NewLocal.Username,
			&m.Login.NewLocal.Password,
			&m.FullName,
			&m.Elevated,
			&m.Status,
			&m.Progress,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan machine: %w", err)
		}
		machines = append(machines, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating machines: %w", err)
	}

	return machines, nil
}

// ListRequests lists requests, optionally filtered by status, newest first.
func (s *SQLiteStore) ListRequests(ctx context.Context, statuses ...engine.RequestStatus) ([]*engine.SetupRequest, error) {
	query := `SELECT id FROM requests`
	args := make([]interface{}, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan request id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating requests: %w", err)
	}
	// Release the connection before loading each request.
	rows.Close()

	requests := make([]*engine.SetupRequest, 0, len(ids))
	for _, id := range ids {
		req, err := s.GetRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, nil
}

// UpdateRequestStatus performs a conditional status transition and records it
// in the audit log.
func (s *SQLiteStore) UpdateRequestStatus(ctx context.Context, id string, update engine.StatusUpdate) error {
	if err := update.To.Validate(); err != nil {
		return err
	}
	now := s.now().UTC()

	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		var current engine.RequestStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM requests WHERE id = ?`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return fmt.Errorf("request %s: %w", id, engine.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read request status: %w", err)
		}
		if len(update.From) > 0 && !statusIn(current, update.From) {
			return fmt.Errorf("request %s is %s, expected one of %v: %w", id, current, update.From, engine.ErrStatusConflict)
		}

		var actualMS *int64
		if update.ActualDuration != nil {
			ms := update.ActualDuration.Milliseconds()
			actualMS = &ms
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE requests
			SET status = ?,
				approver = COALESCE(?, approver),
				approved_at = COALESCE(?, approved_at),
				rejection_reason = COALESCE(?, rejection_reason),
				started_at = COALESCE(?, started_at),
				completed_at = COALESCE(?, completed_at),
				actual_duration_ms = COALESCE(?, actual_duration_ms),
				updated_at = ?
			WHERE id = ? AND status = ?
		`,
			update.To,
			nullString(update.Approver),
			utcPtr(update.ApprovedAt),
			nullString(update.RejectionReason),
			utcPtr(update.StartedAt),
			utcPtr(update.CompletedAt),
			actualMS,
			now,
			id,
			current,
		)
		if err != nil {
			return fmt.Errorf("failed to update request status: %w", err)
		}

		// Duration checkpoints of an interrupted run are not status changes.
		if current == update.To {
			return nil
		}

		actor := update.Approver
		if actor == "" {
			actor = SystemActor
		}
		var details *string
		if update.RejectionReason != "" {
			b, err := json.Marshal(map[string]string{"reason": update.RejectionReason})
			if err != nil {
				return fmt.Errorf("failed to encode audit details: %w", err)
			}
			d := string(b)
			details = &d
		}
		return insertAudit(ctx, tx, &AuditEntry{
			RequestID:  id,
			Action:     "request." + string(update.To),
			Actor:      actor,
			FromStatus: string(current),
			ToStatus:   string(update.To),
			Details:    details,
			Timestamp:  now,
		})
	})
}

// UpdateMachineStatus sets the status of one machine of a request.
func (s *SQLiteStore) UpdateMachineStatus(ctx context.Context, requestID, machine string, status engine.MachineStatus) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE machines SET status = ?, updated_at = ? WHERE request_id = ? AND name = ?`,
			status, s.now().UTC(), requestID, machine,
		)
		if err != nil {
			return fmt.Errorf("failed to update machine status: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("machine %s of request %s: %w", machine, requestID, engine.ErrNotFound)
		}
		return nil
	})
}

// AppendProgressEvent appends an event and raises the machine's aggregate
// progress in the same transaction. Progress never decreases.
func (s *SQLiteStore) AppendProgressEvent(ctx context.Context, event *engine.ProgressEvent) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO progress_log (
				id, request_id, machine, task, status, progress, machine_progress,
				attempt, message, error_class, started_at, ended_at, duration_ms, timestamp
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			event.ID,
			event.RequestID,
			event.Machine,
			event.Task,
			event.Status,
			event.Progress,
			event.MachineProgress,
			event.Attempt,
			event.Message,
			event.ErrorClass,
			utcPtr(event.StartedAt),
			utcPtr(event.EndedAt),
			event.Duration.Milliseconds(),
			event.Timestamp.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to append progress event: %w", err)
		}

		seq, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get progress event sequence: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE machines
			SET progress = MAX(progress, MIN(?, 100.0)), updated_at = ?
			WHERE request_id = ? AND name = ?
		`, event.MachineProgress, event.Timestamp.UTC(), event.RequestID, event.Machine); err != nil {
			return fmt.Errorf("failed to update machine progress: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE requests SET updated_at = ? WHERE id = ?`,
			event.Timestamp.UTC(), event.RequestID,
		); err != nil {
			return fmt.Errorf("failed to touch request: %w", err)
		}

		event.Seq = seq
		return nil
	})
}

// ListProgressEvents returns the request's events in emission order.
func (s *SQLiteStore) ListProgressEvents(ctx context.Context, requestID string) ([]engine.ProgressEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, request_id, machine, task, status, progress, machine_progress,
			   attempt, message, error_class, started_at, ended_at, duration_ms, timestamp
		FROM progress_log
		WHERE request_id = ?
		ORDER BY seq ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress events: %w", err)
	}
	defer rows.Close()

	events := []engine.ProgressEvent{}
	for rows.Next() {
		var (
			ev         engine.ProgressEvent
			durationMS int64
		)
		err := rows.Scan(
			&ev.Seq,
			&ev.ID,
			&ev.RequestID,
			&ev.Machine,
			&ev.Task,
			&ev.Status,
			&ev.Progress,
			&ev.MachineProgress,
			&ev.Attempt,
			&ev.Message,
			&ev.ErrorClass,
			&ev.StartedAt,
			&ev.EndedAt,
			&durationMS,
			&ev.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan progress event: %w", err)
		}
		ev.Duration = time.Duration(durationMS) * time.Millisecond
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating progress events: %w", err)
	}

	return events, nil
}

// UpsertTaskExecutionRecord creates or updates the record for
// (request, machine, task) in place.
func (s *SQLiteStore) UpsertTaskExecutionRecord(ctx context.Context, rec *engine.TaskExecutionRecord) error {
	var payload *string
	if len(rec.Payload) > 0 {
		b, err := json.Marshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
		p := string(b)
		payload = &p
	}

	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_execution (
				request_id, machine, task, status, attempts, started_at, ended_at,
				duration_ms, message, payload, error_class, error_code, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (request_id, machine, task) DO UPDATE SET
				status = excluded.status,
				attempts = excluded.attempts,
				started_at = excluded.started_at,
				ended_at = excluded.ended_at,
				duration_ms = excluded.duration_ms,
				message = excluded.message,
				payload = excluded.payload,
				error_class = excluded.error_class,
				error_code = excluded.error_code,
				updated_at = excluded.updated_at
		`,
			rec.RequestID,
			rec.Machine,
			rec.Task,
			rec.Status,
			rec.Attempts,
			utcPtr(rec.StartedAt),
			utcPtr(rec.EndedAt),
			rec.Duration.Milliseconds(),
			rec.Message,
			payload,
			rec.ErrorClass,
			rec.ErrorCode,
			rec.UpdatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert task execution record: %w", err)
		}
		return nil
	})
}

// ListTaskExecutionRecords returns every record of a request in creation order.
func (s *SQLiteStore) ListTaskExecutionRecords(ctx context.Context, requestID string) ([]engine.TaskExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, machine, task, status, attempts, started_at, ended_at,
			   duration_ms, message, payload, error_class, error_code, updated_at
		FROM task_execution
		WHERE request_id = ?
		ORDER BY rowid ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task execution records: %w", err)
	}
	defer rows.Close()

	records := []engine.TaskExecutionRecord{}
	for rows.Next() {
		var (
			rec        engine.TaskExecutionRecord
			durationMS int64
			payload    sql.NullString
		)
		err := rows.Scan(
			&rec.RequestID,
			&rec.Machine,
			&rec.Task,
			&rec.Status,
			&rec.Attempts,
			&rec.StartedAt,
			&rec.EndedAt,
			&durationMS,
			&rec.Message,
			&payload,
			&rec.ErrorClass,
			&rec.ErrorCode,
			&rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task execution record: %w", err)
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &rec.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode payload: %w", err)
			}
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task execution records: %w", err)
	}

	return records, nil
}

func insertAudit(ctx context.Context, tx *sql.Tx, entry *AuditEntry) error {
	result, err := tx.ExecContext(ctx, `
		INSERT INTO audit_log (request_id, action, actor, from_status, to_status, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		entry.RequestID,
		entry.Action,
		entry.Actor,
		entry.FromStatus,
		entry.ToStatus,
		entry.Details,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists the audit trail of a request, oldest first.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, requestID string) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, action, actor, from_status, to_status, details, timestamp
		FROM audit_log
		WHERE request_id = ?
		ORDER BY id ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.RequestID,
			&entry.Action,
			&entry.Actor,
			&entry.FromStatus,
			&entry.ToStatus,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func statusIn(s engine.RequestStatus, list []engine.RequestStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
