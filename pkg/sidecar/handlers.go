package sidecar

import "sync"

// handlerSet is an ordered subscription registry. The zero value is ready to
// use. Emission happens outside the lock so handlers may subscribe or
// unsubscribe from within a callback.
type handlerSet[T any] struct {
	mu      sync.Mutex
	nextID  int
	entries []handlerEntry[T]
}

type handlerEntry[T any] struct {
	id int
	fn func(T)
}

// add registers fn and returns a func that removes it again. Unsubscribing
// twice is harmless.
func (h *handlerSet[T]) add(fn func(T)) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.entries = append(h.entries, handlerEntry[T]{id: id, fn: fn})
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, e := range h.entries {
			if e.id == id {
				h.entries = append(h.entries[:i:i], h.entries[i+1:]...)
				return
			}
		}
	}
}

// emit invokes every registered handler with v, in subscription order.
func (h *handlerSet[T]) emit(v T) {
	h.mu.Lock()
	entries := make([]handlerEntry[T], len(h.entries))
	copy(entries, h.entries)
	h.mu.Unlock()

	for _, e := range entries {
		e.fn(v)
	}
}
