package core

import (
	"encoding/json"
	"sync"
)

// Handler receives the body of server events. Handlers are compared by
// identity, so the same *Handler must be passed to detach that was attached.
type Handler struct {
	fn func(body json.RawMessage)
}

// NewHandler wraps fn so it can be reference counted by a Registry.
func NewHandler(fn func(body json.RawMessage)) *Handler {
	return &Handler{fn: fn}
}

// Call invokes the handler. A nil handler function is a no-op.
func (h *Handler) Call(body json.RawMessage) {
	if h == nil || h.fn == nil {
		return
	}
	h.fn(body)
}

// Registry maps event name -> handler -> attach count. It decides when a
// subscription must be synced with the server (first attach of an event) or
// torn down (last detach of an event).
type Registry struct {
	events map[string]map[*Handler]int
	mu     sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		events: make(map[string]map[*Handler]int),
	}
}

// Attach increments the reference count for (event, handler), including for
// duplicate attaches of the same handler.
func (r *Registry) Attach(event string, h *Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handlers, ok := r.events[event]
	if !ok {
		handlers = make(map[*Handler]int)
		r.events[event] = handlers
	}
	handlers[h]++
}

// Detach decrements the count for (event, handler) and returns the count
// present before the decrement. A zero return means the handler was never
// attached; callers must treat that as an error.
func (r *Registry) Detach(event string, h *Handler) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	handlers, ok := r.events[event]
	if !ok {
		return 0
	}
	count, ok := handlers[h]
	if !ok {
		return 0
	}
	if count <= 1 {
		delete(handlers, h)
		if len(handlers) == 0 {
			delete(r.events, event)
		}
	} else {
		handlers[h] = count - 1
	}
	return count
}

// HandlersForEvent returns a snapshot of the handlers attached to event, or
// false when there are none. The snapshot is safe to iterate while handlers
// attach or detach.
func (r *Registry) HandlersForEvent(event string) (map[*Handler]int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handlers, ok := r.events[event]
	if !ok {
		return nil, false
	}
	result := make(map[*Handler]int, len(handlers))
	for h, n := range handlers {
		result[h] = n
	}
	return result, true
}

// Count returns the attach count for (event, handler).
func (r *Registry) Count(event string, h *Handler) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.events[event][h]
}

// AllHandlers returns a snapshot of every event with its handlers.
func (r *Registry) AllHandlers() map[string]map[*Handler]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]map[*Handler]int, len(r.events))
	for event, handlers := range r.events {
		cp := make(map[*Handler]int, len(handlers))
		for h, n := range handlers {
			cp[h] = n
		}
		result[event] = cp
	}
	return result
}

// Events lists the event names that currently have handlers.
func (r *Registry) Events() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.events))
	for name := range r.events {
		names = append(names, name)
	}
	return names
}

func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = make(map[string]map[*Handler]int)
}
