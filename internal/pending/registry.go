// ABOUTME: Bounded, deadline-driven table of requests waiting for an agent reply.
// ABOUTME: Every entry resolves exactly once: by reply, expiry, eviction, cancel or shutdown.

package pending

import (
	"container/list"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/dbrelay/internal/clock"
)

// DefaultTimeout is how long a forwarded command may wait for its reply.
const DefaultTimeout = 600 * time.Second

// DefaultMaxPending bounds the number of in-flight requests.
const DefaultMaxPending = 10_000

var (
	// ErrTimeout is delivered when no reply arrives before the deadline.
	ErrTimeout = errors.New("request timed out waiting for agent")

	// ErrDuplicateRequest is returned by Create for an id that is still pending.
	ErrDuplicateRequest = errors.New("request id already pending")

	// ErrClosed is returned by Create after Close and delivered to requests still pending at Close.
	ErrClosed = errors.New("pending registry closed")
)

// ExpireFunc is told about every request that expired or was evicted, after its
// caller has been released.
type ExpireFunc func(req Request)

// Config configures a Registry.
type Config struct {
	Timeout    time.Duration
	MaxPending int
	Clock      clock.Clock
	OnExpire   ExpireFunc
	Logger     *slog.Logger
}

type entry struct {
	future *Future
	timer  clock.Timer
}

// Registry correlates request ids with waiting callers.
// Entries are kept in creation order, oldest at front, for eviction.
type Registry struct {
	timeout  time.Duration
	capacity int
	clock    clock.Clock
	onExpire ExpireFunc
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
	closed  bool
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	capacity := cfg.MaxPending
	if capacity <= 0 {
		capacity = DefaultMaxPending
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		timeout:  timeout,
		capacity: capacity,
		clock:    clk,
		onExpire: cfg.OnExpire,
		logger:   logger,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Create stores a waiting caller for id, addressed to connectionID, and schedules its
// deadline. At capacity the oldest pending request is expired to make room.
func (r *Registry) Create(id, connectionID string) (*Future, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		return nil, ErrDuplicateRequest
	}

	now := r.clock.Now()
	f := newFuture(Request{
		ID:           id,
		ConnectionID: connectionID,
		CreatedAt:    now,
		Deadline:     now.Add(r.timeout),
	})
	e := &entry{future: f}
	r.entries[id] = r.order.PushBack(e)
	e.timer = r.clock.AfterFunc(r.timeout, func() { r.expireEntry(e, "deadline") })

	var evicted *entry
	if r.order.Len() > r.capacity {
		evicted = r.unlinkLocked(r.order.Front())
	}
	r.mu.Unlock()

	if evicted != nil {
		r.logger.Warn("pending registry full, expiring oldest request",
			"request_id", evicted.future.req.ID,
			"connection_id", evicted.future.req.ConnectionID,
		)
		r.finishExpired(evicted, "evicted")
	}
	return f, nil
}

// Resolve delivers payload to the caller waiting on id. It reports false, and does
// nothing, when id is not pending.
func (r *Registry) Resolve(id string, payload json.RawMessage) bool {
	r.mu.Lock()
	elem, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	e := r.unlinkLocked(elem)
	r.mu.Unlock()

	e.timer.Stop()
	e.future.deliver(payload, nil)
	return true
}

// ResolveFrom is Resolve for a reply read from connectionID's transport. A reply from
// any other identity is ignored and the request stays pending.
func (r *Registry) ResolveFrom(connectionID, id string, payload json.RawMessage) bool {
	r.mu.Lock()
	elem, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	e := elem.Value.(*entry)
	if e.future.req.ConnectionID != connectionID {
		r.mu.Unlock()
		r.logger.Warn("ignoring reply from a connection the request was not sent to",
			"request_id", id,
			"expected_connection_id", e.future.req.ConnectionID,
			"connection_id", connectionID,
		)
		return false
	}
	r.unlinkLocked(elem)
	r.mu.Unlock()

	e.timer.Stop()
	e.future.deliver(payload, nil)
	return true
}

// Expire releases the caller waiting on id with ErrTimeout and runs the expiry hook.
// It reports false when id is not pending.
func (r *Registry) Expire(id string) bool {
	r.mu.Lock()
	elem, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	e := r.unlinkLocked(elem)
	r.mu.Unlock()

	e.timer.Stop()
	r.finishExpired(e, "expired")
	return true
}

// Cancel releases the caller waiting on id with err without running the expiry hook.
// Used when the request never reached the agent.
func (r *Registry) Cancel(id string, err error) bool {
	r.mu.Lock()
	elem, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	e := r.unlinkLocked(elem)
	r.mu.Unlock()

	e.timer.Stop()
	e.future.deliver(nil, err)
	return true
}

// Len returns the number of pending requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}

// Close releases every pending caller with ErrClosed and rejects further Creates.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	drained := make([]*entry, 0, r.order.Len())
	for elem := r.order.Front(); elem != nil; elem = elem.Next() {
		drained = append(drained, elem.Value.(*entry))
	}
	r.entries = make(map[string]*list.Element)
	r.order.Init()
	r.mu.Unlock()

	for _, e := range drained {
		e.timer.Stop()
		e.future.deliver(nil, ErrClosed)
	}
}

// expireEntry is the deadline callback. It only acts if e is still the entry stored
// under its id.
func (r *Registry) expireEntry(e *entry, cause string) {
	r.mu.Lock()
	elem, ok := r.entries[e.future.req.ID]
	if !ok || elem.Value.(*entry) != e {
		r.mu.Unlock()
		return
	}
	r.unlinkLocked(elem)
	r.mu.Unlock()

	r.finishExpired(e, cause)
}

// finishExpired delivers the timeout and notifies the hook. Must not hold mu.
func (r *Registry) finishExpired(e *entry, cause string) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.future.deliver(nil, ErrTimeout)

	req := e.future.req
	r.logger.Info("pending request timed out",
		"request_id", req.ID,
		"connection_id", req.ConnectionID,
		"cause", cause,
		"waited", r.clock.Now().Sub(req.CreatedAt),
	)
	if r.onExpire != nil {
		r.onExpire(req)
	}
}

// unlinkLocked removes elem from the table. Must be called with mu held.
func (r *Registry) unlinkLocked(elem *list.Element) *entry {
	e := elem.Value.(*entry)
	r.order.Remove(elem)
	delete(r.entries, e.future.req.ID)
	return e
}
