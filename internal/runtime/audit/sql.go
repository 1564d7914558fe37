package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/truenas/middleware-sub000/internal/runtime/jsoncodec"
	"github.com/truenas/middleware-sub000/internal/runtime/sqldb"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit (
	audit_id     TEXT PRIMARY KEY,
	session_id   TEXT,
	timestamp    TEXT NOT NULL,
	address      TEXT,
	username     TEXT,
	service      TEXT NOT NULL,
	service_data TEXT,
	event        TEXT NOT NULL,
	method       TEXT,
	event_data   TEXT,
	success      BOOLEAN NOT NULL
)`

// SQLSink appends records to the audit table of a SQLite or PostgreSQL database.
type SQLSink struct {
	db *sqldb.DB
}

// NewSQLSink creates the audit table if needed.
func NewSQLSink(ctx context.Context, db *sqldb.DB) (*SQLSink, error) {
	if _, err := db.Exec(ctx, auditSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	if _, err := db.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit(timestamp)`); err != nil {
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	return &SQLSink{db: db}, nil
}

func (s *SQLSink) Write(ctx context.Context, rec Record) error {
	svcData, err := jsoncodec.MarshalString(rec.ServiceData)
	if err != nil {
		return err
	}
	eventData, err := jsoncodec.MarshalString(rec.EventData)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `INSERT INTO audit
		(audit_id, session_id, timestamp, address, username, service, service_data, event, method, event_data, success)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.AuditID, rec.SessionID, rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.Address, rec.Username,
		rec.Service, svcData, rec.Event, rec.EventData.Method, eventData, rec.Success)
	if err != nil {
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	return nil
}

func (s *SQLSink) Query(ctx context.Context, q Query) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		where = append(where, clause)
		args = append(args, v)
	}
	if q.Username != "" {
		add("username = ?", q.Username)
	}
	if q.Event != "" {
		add("event = ?", q.Event)
	}
	if q.Method != "" {
		add("method = ?", q.Method)
	}
	if q.Success != nil {
		add("success = ?", *q.Success)
	}
	if !q.Since.IsZero() {
		add("timestamp >= ?", q.Since.UTC().Format(time.RFC3339Nano))
	}
	stmt := `SELECT audit_id, session_id, timestamp, address, username, service, service_data, event, event_data, success FROM audit`
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY timestamp DESC"
	if q.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec                 Record
			ts, svcData, evData string
		)
		if err := rows.Scan(&rec.AuditID, &rec.SessionID, &ts, &rec.Address, &rec.Username, &rec.Service,
			&svcData, &rec.Event, &evData, &rec.Success); err != nil {
			return nil, err
		}
		rec.Vers = CurrentVersion
		if rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, err
		}
		if err := jsoncodec.Unmarshal([]byte(svcData), &rec.ServiceData); err != nil {
			return nil, err
		}
		if err := jsoncodec.Unmarshal([]byte(evData), &rec.EventData); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
