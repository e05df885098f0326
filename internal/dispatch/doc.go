// Package dispatch executes forwarded commands on the agent.
//
// Every command operation in protocol.CommandOperations has exactly one
// handler, and each handler makes exactly one DataAccess call. Outcomes are
// always a protocol.Result:
//
//   - success with the call's data,
//   - failed with a stable, operation-specific message ("failed to get rows"),
//   - unsupported for operation types the agent does not know.
//
// Driver errors are logged on the agent and never sent to the relay.
// Mutating operations (add/update/delete row and their bulk forms) produce an
// AuditRecord whatever their outcome; a failing AuditSink is logged and
// otherwise ignored.
package dispatch
