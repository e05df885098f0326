// Package trust caches positive connection-token verifications so that a reconnecting
// agent or a burst of commands does not hit the external token authority every time.
// Entries are keyed by SHA-256 of the token, never the token itself.
package trust
