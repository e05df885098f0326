// Package pending correlates forwarded commands with the replies agents send back.
//
// A caller that forwards a command gets a *Future from Create. The future is
// completed by exactly one of:
//
//   - Resolve / ResolveFrom: the agent replied with the matching request id.
//   - Expire: the deadline passed, or the entry was evicted because the table
//     was full. The caller gets ErrTimeout and the OnExpire hook runs so the
//     relay can tell the agent to abandon the work.
//   - Cancel: the command never reached the agent.
//   - Close: the relay is shutting down.
//
// Later attempts to complete the same id are no-ops that report false.
// Deadlines are scheduled on a clock.Clock so tests can advance time by hand.
package pending
