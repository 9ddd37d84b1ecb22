package stores

import (
	"context"
	"time"

	"github.com/openfroyo/fleetsetup/pkg/engine"
)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// AuditEntry represents an audit trail entry for a request status change
type AuditEntry struct {
	ID         int64     `json:"id"`
	RequestID  string    `json:"request_id"`
	Action     string    `json:"action"` // e.g., "request.approved", "request.in_progress"
	Actor      string    `json:"actor"`  // approver or "system"
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status"`
	Details    *string   `json:"details,omitempty"` // JSON blob
	Timestamp  time.Time `json:"timestamp"`
}

// Store is the engine repository plus lifecycle and audit operations.
type Store interface {
	engine.Repository

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Audit operations
	ListAuditEntries(ctx context.Context, requestID string) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

// SystemActor is recorded in the audit log for engine-driven transitions.
const SystemActor = "system"
