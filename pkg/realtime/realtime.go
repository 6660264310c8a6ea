// Package realtime provides an in-process publish/subscribe hub used to fan
// out connection lifecycle events and inbound messages to multiple
// consumers (the CLI listener, the journal recorder, application code).
//
// Delivery is best effort: each consumer owns a buffered channel and when it
// is full the item is dropped for that consumer only. A slow consumer never
// blocks the transport's reader goroutine.
package realtime

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rubiojr/relaybox/pkg/core"
	"github.com/rubiojr/relaybox/pkg/protocol"
)

const (
	ItemLifecycle = "lifecycle"
	ItemMessage   = "message"
)

// Item is the hub's envelope. Exactly one of Event or Message is set,
// according to Type.
type Item struct {
	Type    string            `json:"type"`
	Event   *core.Event       `json:"event,omitempty"`
	Message *protocol.Inbound `json:"message,omitempty"`
	At      time.Time         `json:"at"`
}

// Name returns the lifecycle event name or the message type.
func (it Item) Name() string {
	switch {
	case it.Event != nil:
		return it.Event.Kind.String()
	case it.Message != nil:
		return it.Message.Type
	}
	return ""
}

// Body returns the message body, or nil for lifecycle items.
func (it Item) Body() json.RawMessage {
	if it.Message == nil {
		return nil
	}
	return it.Message.Body
}

// Hub is an in-memory fan-out dispatcher. It is safe for concurrent use.
type Hub struct {
	mu        sync.RWMutex
	listeners map[uint64]chan Item
	nextID    uint64
	bufSize   int
	dropped   atomic.Uint64
}

// NewHub constructs a hub with the given per-listener buffer size.
// If bufSize <= 0, a default of 32 is used.
func NewHub(bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = 32
	}
	return &Hub{
		listeners: make(map[uint64]chan Item),
		bufSize:   bufSize,
	}
}

// Register adds a listener and returns its id and receive channel. Callers
// must later Unregister(id) to release resources.
func (h *Hub) Register() (uint64, <-chan Item) {
	return h.RegisterBuffered(h.bufSize)
}

// RegisterBuffered is Register with a custom buffer size.
func (h *Hub) RegisterBuffered(size int) (uint64, <-chan Item) {
	if size <= 0 {
		size = h.bufSize
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan Item, size)
	h.listeners[id] = ch
	return id, ch
}

// Unregister removes the listener and closes its channel. Unknown ids are
// ignored, so it is safe to call more than once.
func (h *Hub) Unregister(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.listeners[id]; ok {
		delete(h.listeners, id)
		close(ch)
	}
}

// Close unregisters every listener.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.listeners {
		delete(h.listeners, id)
		close(ch)
	}
}

// Broadcast delivers an item to all listeners. Accepted inputs are Item,
// core.Event and protocol.Inbound; anything else is ignored.
func (h *Hub) Broadcast(v any) {
	var it Item
	switch e := v.(type) {
	case Item:
		it = e
	case core.Event:
		it = Item{Type: ItemLifecycle, Event: &e, At: e.Time}
	case protocol.Inbound:
		it = Item{Type: ItemMessage, Message: &e}
	default:
		return
	}
	if it.At.IsZero() {
		it.At = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- it:
		default:
			h.dropped.Add(1)
		}
	}
}

// Size returns the number of active listeners.
func (h *Hub) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// Dropped returns how many deliveries were skipped because a listener's
// buffer was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
