// Package stores provides the SQLite persistence layer for fleetsetup.
// It stores requests, machines, task options, the append-only progress log,
// per-task execution records and an audit log of status changes, with
// embedded migrations and WAL mode.
package stores
