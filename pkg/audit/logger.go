package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// Logger records audit events.
type Logger interface {
	Log(ctx context.Context, event *Event) error
}

// NopLogger discards all events.
type NopLogger struct{}

func (NopLogger) Log(ctx context.Context, event *Event) error { return nil }

// DBLogger persists audit events to the audit_logs table.
type DBLogger struct {
	db  *sql.DB
	log *logrus.Entry
}

// NewDBLogger creates a database-backed audit logger.
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &DBLogger{
		db:  db,
		log: logrus.WithField("component", "audit"),
	}, nil
}

// Log inserts the event. The timestamp defaults to now when unset.
func (l *DBLogger) Log(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var metadataJSON []byte
	if event.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	query := `
		INSERT INTO audit_logs (
			timestamp, event_type, status,
			user_id, username, tenant_id, app_id,
			ip_address, user_agent, request_id,
			message, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`

	err := l.db.QueryRowContext(ctx, query,
		event.Timestamp, event.EventType, event.Status,
		nullString(event.UserID), nullString(event.Username),
		nullString(event.TenantID), nullString(event.AppID),
		nullString(event.IPAddress), nullString(event.UserAgent),
		nullString(event.RequestID),
		nullString(event.Message), metadataJSON,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// List returns events matching the filter, newest first.
func (l *DBLogger) List(ctx context.Context, filter Filter) ([]*Event, error) {
	query := `
		SELECT id, timestamp, event_type, status,
		       COALESCE(user_id, ''), COALESCE(username, ''),
		       COALESCE(tenant_id, ''), COALESCE(app_id, ''),
		       COALESCE(ip_address, ''), COALESCE(user_agent, ''),
		       COALESCE(request_id, ''), COALESCE(message, ''), metadata
		FROM audit_logs
		WHERE 1=1
	`
	args := []interface{}{}
	idx := 1

	if filter.StartTime != nil {
		query += fmt.Sprintf(" AND timestamp >= $%d", idx)
		args = append(args, *filter.StartTime)
		idx++
	}
	if filter.EndTime != nil {
		query += fmt.Sprintf(" AND timestamp < $%d", idx)
		args = append(args, *filter.EndTime)
		idx++
	}
	if filter.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", idx)
		args = append(args, filter.UserID)
		idx++
	}
	if filter.TenantID != "" {
		query += fmt.Sprintf(" AND tenant_id = $%d", idx)
		args = append(args, filter.TenantID)
		idx++
	}
	if len(filter.EventTypes) > 0 {
		types := make([]string, len(filter.EventTypes))
		for i, t := range filter.EventTypes {
			types[i] = string(t)
		}
		query += fmt.Sprintf(" AND event_type = ANY($%d)", idx)
		args = append(args, pq.Array(types))
		idx++
	}
	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, *filter.Status)
		idx++
	}

	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", idx)
		args = append(args, filter.Limit)
		idx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", idx)
		args = append(args, filter.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var metadataJSON []byte
		if err := rows.Scan(
			&e.ID, &e.Timestamp, &e.EventType, &e.Status,
			&e.UserID, &e.Username, &e.TenantID, &e.AppID,
			&e.IPAddress, &e.UserAgent, &e.RequestID, &e.Message,
			&metadataJSON,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
				l.log.WithError(err).WithField("id", e.ID).Warn("failed to decode event metadata")
			}
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// Purge deletes events older than the cutoff and returns the number
// removed.
func (l *DBLogger) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE timestamp < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit events: %w", err)
	}
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
