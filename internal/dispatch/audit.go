// ABOUTME: Audit records for mutating commands and the sinks that persist them.
// ABOUTME: LogAuditSink writes to slog when no audit database is configured.

package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/dbrelay/internal/protocol"
)

// AuditRecord describes one mutating command and how it ended.
type AuditRecord struct {
	Subject    string // JSON of the row or keys the command targeted
	TableName  string
	ActorEmail string
	Operation  protocol.OperationType
	Status     protocol.ResultStatus
	Error      string
	At         time.Time
}

// AuditSink persists audit records.
type AuditSink interface {
	RecordAudit(ctx context.Context, rec AuditRecord) error
}

// LogAuditSink writes audit records as structured log lines.
type LogAuditSink struct {
	logger *slog.Logger
}

// NewLogAuditSink creates a sink logging through logger.
func NewLogAuditSink(logger *slog.Logger) *LogAuditSink {
	return &LogAuditSink{logger: logger}
}

// RecordAudit logs rec at info level.
func (s *LogAuditSink) RecordAudit(ctx context.Context, rec AuditRecord) error {
	s.logger.InfoContext(ctx, "audit",
		"operation", rec.Operation,
		"table", rec.TableName,
		"actor", rec.ActorEmail,
		"subject", rec.Subject,
		"status", rec.Status,
		"error", rec.Error,
	)
	return nil
}
