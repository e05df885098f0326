// Package store persists the agent's audit trail in SQLite.
//
// Every mutating command the dispatcher executes (add, update, delete and their
// bulk forms) is recorded with the acting user, target table, the targeted row
// or keys, and whether it succeeded. SQLiteStore implements dispatch.AuditSink
// so it can be handed straight to the dispatcher.
//
// Timestamps are stored as fixed-width UTC strings so range filters and
// ORDER BY work on the text column. ListAuditLog filters with the
// "(? IS NULL OR col = ?)" pattern, so unset filter fields match everything.
package store
