package db

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/quantumzero/marketdb/logger"
)

// Audit event components.
const (
	ComponentFailover  = "FAILOVER"
	ComponentMigration = "MIGRATION"
	ComponentBackup    = "BACKUP"
	ComponentRestore   = "RESTORE"
)

// AuditEvent is one row of the system_logs table.
type AuditEvent struct {
	ID        int64
	Timestamp time.Time
	Level     string
	Component string
	Message   string
	Details   map[string]any
}

// LogEvent records an operational event in the system_logs audit table.
// Audit writes are best-effort: a failure is logged but never propagated,
// because the event being audited (a failover, say) must not fail on
// account of its own audit trail.
func (db *Database) LogEvent(ctx context.Context, level, component, message string, details map[string]any) {
	var detailsJSON []byte
	if details != nil {
		var err error
		detailsJSON, err = json.Marshal(details)
		if err != nil {
			logger.Error("Failed to marshal audit event details", "component", component, "error", err)
			detailsJSON = nil
		}
	}

	err := db.TimedExec(ctx, "log_event",
		"INSERT INTO system_logs (level, component, message, details) VALUES ($1, $2, $3, $4)",
		level, component, message, detailsJSON)
	if err != nil {
		logger.Error("Failed to write audit event", "component", component, "message", message, "error", err)
	}
}

// RecentEvents returns the newest audit events for a component, most
// recent first. An empty component returns events for all components.
func (db *Database) RecentEvents(ctx context.Context, component string, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := "SELECT id, ts, level, component, message, COALESCE(details, 'null'::jsonb) FROM system_logs"
	args := []any{}
	if component != "" {
		query += " WHERE component = $1"
		args = append(args, component)
	}
	query += " ORDER BY ts DESC LIMIT " + strconv.Itoa(limit)

	rows, err := db.TimedQuery(ctx, "recent_events", query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var details []byte
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Level, &e.Component, &e.Message, &details); err != nil {
			return nil, err
		}
		if len(details) > 0 && string(details) != "null" {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				logger.Warn("Malformed audit event details", "id", e.ID, "error", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
