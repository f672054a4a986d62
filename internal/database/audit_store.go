package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/QrLabs-cc/qrlabs-sub000/internal/audit"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/window"
)

const auditColumns = `id, occurred_at, event_type, severity, user_id, session_id, source_address, details, metadata, synthetic`

// AuditStore persists audit events. It implements audit.Sink.
type AuditStore struct {
	db *DB
}

// NewAuditStore creates an audit store on db.
func NewAuditStore(db *DB) *AuditStore {
	return &AuditStore{db: db}
}

// Write inserts event. Re-delivered events are ignored.
func (s *AuditStore) Write(ctx context.Context, event audit.Event) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("failed to encode event details: %w", err)
	}
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode event metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_events (`+auditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		event.ID,
		event.Timestamp.UTC(),
		string(event.Type),
		string(event.Severity),
		event.UserID,
		event.SessionID,
		event.SourceAddress,
		string(details),
		string(metadata),
		event.Synthetic,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// Load returns the events inside r, oldest first. A zero range loads
// everything.
func (s *AuditStore) Load(ctx context.Context, r window.Range) ([]audit.Event, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_events`
	var args []interface{}
	if !r.IsZero() {
		query += ` WHERE occurred_at >= ? AND occurred_at <= ?`
		args = append(args, r.Start.UTC(), r.End.UTC())
	}
	query += ` ORDER BY occurred_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit events: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (audit.Event, error) {
	var (
		event             audit.Event
		eventType         string
		severity          string
		details, metadata string
	)
	err := rows.Scan(
		&event.ID,
		&event.Timestamp,
		&eventType,
		&severity,
		&event.UserID,
		&event.SessionID,
		&event.SourceAddress,
		&details,
		&metadata,
		&event.Synthetic,
	)
	if err != nil {
		return audit.Event{}, fmt.Errorf("failed to scan audit event: %w", err)
	}

	event.Type = audit.EventType(eventType)
	event.Severity = audit.ParseSeverity(severity)
	if details != "" && details != "null" {
		if err := json.Unmarshal([]byte(details), &event.Details); err != nil {
			return audit.Event{}, fmt.Errorf("failed to decode details of event %s: %w", event.ID, err)
		}
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &event.Metadata); err != nil {
			return audit.Event{}, fmt.Errorf("failed to decode metadata of event %s: %w", event.ID, err)
		}
	}
	return event, nil
}

// Purge deletes events older than before.
func (s *AuditStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE occurred_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit events: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of stored events.
func (s *AuditStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count audit events: %w", err)
	}
	return n, nil
}
