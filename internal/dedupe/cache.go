// ABOUTME: Bounded, time-windowed set of recently seen request ids.
// ABOUTME: The agent uses it to refuse a command id it has already executed.

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/2389/dbrelay/internal/clock"
)

type entry struct {
	id     string
	seenAt time.Time
}

// Window remembers ids for ttl, keeping at most maxSize of them. Entries live in
// a list ordered by when they were marked, so expiry and eviction both pop the front.
type Window struct {
	mu      sync.Mutex
	ids     map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	clock   clock.Clock
}

// New creates a Window. A nil clk uses the wall clock.
func New(ttl time.Duration, maxSize int, clk clock.Clock) *Window {
	if clk == nil {
		clk = clock.Real()
	}
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Window{
		ids:     make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clk,
	}
}

// Mark records id and reports whether it was already present. The check and the
// insert happen under one lock, so exactly one of two racing callers gets false.
func (w *Window) Mark(id string) (duplicate bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	w.pruneLocked(now)
	if _, ok := w.ids[id]; ok {
		return true
	}

	if w.order.Len() >= w.maxSize {
		w.removeLocked(w.order.Front())
	}
	w.ids[id] = w.order.PushBack(&entry{id: id, seenAt: now})
	return false
}

// Len returns the number of ids currently remembered.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(w.clock.Now())
	return w.order.Len()
}

func (w *Window) pruneLocked(now time.Time) {
	for front := w.order.Front(); front != nil; front = w.order.Front() {
		if now.Sub(front.Value.(*entry).seenAt) < w.ttl {
			return
		}
		w.removeLocked(front)
	}
}

func (w *Window) removeLocked(elem *list.Element) {
	w.order.Remove(elem)
	delete(w.ids, elem.Value.(*entry).id)
}
