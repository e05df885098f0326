// ABOUTME: Single-assignment result slot handed to the caller of a forwarded command.
// ABOUTME: The first delivery wins; later ones are dropped.

package pending

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Request describes one pending request.
type Request struct {
	ID           string
	ConnectionID string
	CreatedAt    time.Time
	Deadline     time.Time
}

type outcome struct {
	payload json.RawMessage
	err     error
}

// Future is the waiting caller's handle.
type Future struct {
	req  Request
	once sync.Once
	ch   chan outcome
}

func newFuture(req Request) *Future {
	return &Future{req: req, ch: make(chan outcome, 1)}
}

// Request returns the request this future belongs to.
func (f *Future) Request() Request {
	return f.req
}

// ID returns the request id.
func (f *Future) ID() string {
	return f.req.ID
}

// Wait blocks until the request resolves or ctx ends. On resolution it returns the
// agent's payload, or ErrTimeout / the cancel error. Giving up on ctx does not
// withdraw the request; its deadline still applies.
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case out := <-f.ch:
		// Put it back so a second Wait sees the same outcome.
		f.ch <- out
		return out.payload, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) deliver(payload json.RawMessage, err error) {
	f.once.Do(func() {
		f.ch <- outcome{payload: payload, err: err}
	})
}
