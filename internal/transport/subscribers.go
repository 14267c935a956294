package transport

import (
	"sort"
	"sync"
)

// handlerSet is an ordered set of callbacks of one event type.
type handlerSet[T any] struct {
	mu   sync.RWMutex
	next int
	fns  map[int]func(T)
}

func newHandlerSet[T any]() *handlerSet[T] {
	return &handlerSet[T]{fns: make(map[int]func(T))}
}

// add registers fn and returns a func removing it. The returned func is
// idempotent and reports whether the set became empty.
func (h *handlerSet[T]) add(fn func(T)) func() bool {
	h.mu.Lock()
	id := h.next
	h.next++
	h.fns[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() bool {
		empty := false
		once.Do(func() {
			h.mu.Lock()
			delete(h.fns, id)
			empty = len(h.fns) == 0
			h.mu.Unlock()
		})
		return empty
	}
}

// snapshot returns the callbacks in registration order.
func (h *handlerSet[T]) snapshot() []func(T) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]int, 0, len(h.fns))
	for id := range h.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := make([]func(T), len(ids))
	for i, id := range ids {
		out[i] = h.fns[id]
	}
	return out
}

func (h *handlerSet[T]) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.fns)
}
