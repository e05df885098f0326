// ABOUTME: Audit log entries for mutating commands the agent executed
// ABOUTME: Append, filtered listing, retention pruning and the dispatcher sink adapter

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/dbrelay/internal/dispatch"
	"github.com/2389/dbrelay/internal/protocol"
)

// tsLayout is fixed-width so lexical order in SQLite matches time order.
const tsLayout = "2006-01-02T15:04:05.000000Z"

// AuditEntry is one persisted audit record.
type AuditEntry struct {
	ID         string // UUID v4
	Operation  protocol.OperationType
	TableName  string
	ActorEmail string
	Subject    string // JSON of the targeted row or keys
	Status     protocol.ResultStatus
	Error      string
	Timestamp  time.Time
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	Since      *time.Time
	Until      *time.Time
	Operation  *protocol.OperationType
	TableName  *string
	ActorEmail *string
	Status     *protocol.ResultStatus
	Limit      int // default 100, max 1000
}

// AppendAuditLog appends a new entry to the audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_log (audit_id, operation, table_name, actor_email, subject, status, error, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		string(e.Operation),
		e.TableName,
		e.ActorEmail,
		e.Subject,
		string(e.Status),
		e.Error,
		e.Timestamp.UTC().Format(tsLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("appended audit log",
		"id", e.ID,
		"operation", e.Operation,
		"table", e.TableName,
		"status", e.Status,
	)
	return nil
}

// RecordAudit stores a dispatcher audit record.
func (s *SQLiteStore) RecordAudit(ctx context.Context, rec dispatch.AuditRecord) error {
	return s.AppendAuditLog(ctx, &AuditEntry{
		Operation:  rec.Operation,
		TableName:  rec.TableName,
		ActorEmail: rec.ActorEmail,
		Subject:    rec.Subject,
		Status:     rec.Status,
		Error:      rec.Error,
		Timestamp:  rec.At,
	})
}

var _ dispatch.AuditSink = (*SQLiteStore)(nil)

func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

func formatOptionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(tsLayout)
	return &s
}

func scanAuditEntry(scanner interface{ Scan(dest ...any) error }) (AuditEntry, error) {
	var e AuditEntry
	var op, status, tsStr string

	if err := scanner.Scan(
		&e.ID,
		&op,
		&e.TableName,
		&e.ActorEmail,
		&e.Subject,
		&status,
		&e.Error,
		&tsStr,
	); err != nil {
		return e, fmt.Errorf("scanning audit entry: %w", err)
	}

	e.Operation = protocol.OperationType(op)
	e.Status = protocol.ResultStatus(status)
	var err error
	e.Timestamp, err = time.Parse(tsLayout, tsStr)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}
	return e, nil
}

const auditLogQuery = `
	SELECT audit_id, operation, table_name, actor_email, subject, status, error, ts
	FROM audit_log
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR ts <= ?)
	  AND (? IS NULL OR operation = ?)
	  AND (? IS NULL OR table_name = ?)
	  AND (? IS NULL OR actor_email = ?)
	  AND (? IS NULL OR status = ?)
	ORDER BY ts DESC
	LIMIT ?
`

// ListAuditLog returns audit entries matching the filter, newest first.
func (s *SQLiteStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	since := formatOptionalTime(f.Since)
	until := formatOptionalTime(f.Until)

	var op, status *string
	if f.Operation != nil {
		v := string(*f.Operation)
		op = &v
	}
	if f.Status != nil {
		v := string(*f.Status)
		status = &v
	}

	rows, err := s.db.QueryContext(ctx, auditLogQuery,
		since, since,
		until, until,
		op, op,
		f.TableName, f.TableName,
		f.ActorEmail, f.ActorEmail,
		status, status,
		normalizeAuditLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []AuditEntry{}
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}

// PruneAuditLog deletes entries older than before and returns how many were removed.
func (s *SQLiteStore) PruneAuditLog(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE ts < ?`, before.UTC().Format(tsLayout))
	if err != nil {
		return 0, fmt.Errorf("pruning audit log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading pruned count: %w", err)
	}
	if n > 0 {
		s.logger.Info("pruned audit log", "removed", n, "before", before.UTC().Format(time.RFC3339))
	}
	return n, nil
}
