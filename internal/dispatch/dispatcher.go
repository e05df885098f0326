// ABOUTME: Executes a forwarded command envelope and builds the reply envelope.
// ABOUTME: Never returns an error or panics across the transport; every path yields a Result.

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/dbrelay/internal/protocol"
)

// Dispatcher maps operation types to data-access calls.
type Dispatcher struct {
	data     DataAccess
	audit    AuditSink
	handlers map[protocol.OperationType]handler
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Dispatcher. A nil audit sink logs audit records through logger.
func New(data DataAccess, audit AuditSink, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if audit == nil {
		audit = NewLogAuditSink(logger.With("component", "audit"))
	}
	return &Dispatcher{
		data:     data,
		audit:    audit,
		handlers: handlers(),
		logger:   logger,
		now:      time.Now,
	}
}

// Execute runs the command in env and returns the data-from-agent reply.
func (d *Dispatcher) Execute(ctx context.Context, env *protocol.Envelope) *protocol.Envelope {
	result := d.run(ctx, env)

	reply, err := protocol.Reply(env.RequestID, result)
	if err != nil {
		d.logger.Error("encoding command result", "request_id", env.RequestID, "operation", env.OperationType, "error", err)
		reply, _ = protocol.Reply(env.RequestID, &protocol.Result{
			Status: protocol.StatusFailed,
			Error:  fmt.Sprintf("failed to encode result of %s", env.OperationType),
		})
	}
	return reply
}

func (d *Dispatcher) run(ctx context.Context, env *protocol.Envelope) (result *protocol.Result) {
	op := env.OperationType
	logger := d.logger.With("request_id", env.RequestID, "operation", op)
	cmd := &protocol.Command{}

	defer func() {
		if p := recover(); p != nil {
			logger.Error("panic while executing command", "panic", p)
			result = &protocol.Result{
				Status: protocol.StatusFailed,
				Error:  fmt.Sprintf("internal error while executing %s", op),
			}
			if op.IsMutation() {
				d.record(ctx, op, cmd, result)
			}
		}
	}()

	h, ok := d.handlers[op]
	if !ok {
		logger.Warn("unsupported operation")
		return &protocol.Result{
			Status: protocol.StatusUnsupported,
			Error:  fmt.Sprintf("unsupported operation: %s", op),
		}
	}

	decoded, err := protocol.DecodeCommand(env.Payload)
	if err != nil {
		logger.Warn("rejecting command with invalid payload", "error", err)
		result = &protocol.Result{Status: protocol.StatusFailed, Error: "invalid command payload"}
		if op.IsMutation() {
			d.record(ctx, op, cmd, result)
		}
		return result
	}
	cmd = decoded

	start := d.now()
	data, err := h.run(ctx, d.data, cmd)
	if err != nil {
		logger.Warn("command failed", "table", cmd.TableName, "error", err, "duration", d.now().Sub(start))
		msg := h.failure
		if errors.Is(err, ErrInvalidCommand) {
			msg = fmt.Sprintf("%s: %v", h.failure, err)
		}
		result = &protocol.Result{Status: protocol.StatusFailed, Error: msg}
	} else {
		logger.Debug("command succeeded", "table", cmd.TableName, "duration", d.now().Sub(start))
		result = &protocol.Result{Status: protocol.StatusSuccess, Data: data}
	}

	if op.IsMutation() {
		d.record(ctx, op, cmd, result)
	}
	return result
}

// record emits an audit record. Sink errors and panics are logged and swallowed so
// they cannot replace the command's own outcome.
func (d *Dispatcher) record(ctx context.Context, op protocol.OperationType, cmd *protocol.Command, result *protocol.Result) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("panic in audit sink", "operation", op, "panic", p)
		}
	}()

	rec := AuditRecord{
		Subject:    auditSubject(op, cmd),
		TableName:  cmd.TableName,
		ActorEmail: cmd.Email,
		Operation:  op,
		Status:     result.Status,
		Error:      result.Error,
		At:         d.now(),
	}
	if err := d.audit.RecordAudit(ctx, rec); err != nil {
		d.logger.Warn("writing audit record", "operation", op, "table", cmd.TableName, "error", err)
	}
}

// auditSubject is the JSON of whatever the command targeted.
func auditSubject(op protocol.OperationType, cmd *protocol.Command) string {
	var subject any
	switch op {
	case protocol.OpAddRow:
		subject = cmd.Row
	case protocol.OpUpdateRow, protocol.OpDeleteRow:
		subject = cmd.PrimaryKey
	case protocol.OpBulkUpdateRows, protocol.OpBulkDeleteRows:
		subject = cmd.PrimaryKeys
	}
	b, err := json.Marshal(subject)
	if err != nil || string(b) == "null" {
		return ""
	}
	return string(b)
}

// Operations lists the operations this dispatcher has handlers for.
func (d *Dispatcher) Operations() []protocol.OperationType {
	ops := make([]protocol.OperationType, 0, len(d.handlers))
	for op := range d.handlers {
		ops = append(ops, op)
	}
	return ops
}
