// Package dedupe tracks recently seen identifiers in a bounded time window.
//
// Marking never re-stamps an id: a duplicate arriving inside the window does not
// extend it. Expired ids are dropped lazily on the next call, so a Window owns no
// goroutines and needs no Close.
package dedupe
