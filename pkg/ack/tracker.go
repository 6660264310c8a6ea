// Package ack pairs outbound requests with the server acknowledgements that
// answer them. Each pending request is keyed by a correlation id and its
// callback runs at most once.
package ack

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Callback receives the acknowledgement payload or the failure for a request.
type Callback func(data json.RawMessage, err error)

// Tracker maps correlation ids to pending callbacks.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]Callback
	now     func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		pending: make(map[string]Callback),
		now:     time.Now,
	}
}

// GenerateID returns a correlation id made of a millisecond time prefix and a
// random uuid suffix.
func (t *Tracker) GenerateID() string {
	return strconv.FormatInt(t.now().UnixMilli(), 36) + "-" + uuid.NewString()
}

// Register stores cb under id. Registering an id that is already pending is
// an error.
func (t *Tracker) Register(id string, cb Callback) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.pending[id]; exists {
		return fmt.Errorf("ack id %s already pending", id)
	}
	t.pending[id] = cb
	return nil
}

// Resolve invokes and removes the callback registered under id. Unknown ids
// (late or duplicate acknowledgements) are ignored and report false.
func (t *Tracker) Resolve(id string, data json.RawMessage, err error) bool {
	t.mu.Lock()
	cb, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	if cb != nil {
		cb(data, err)
	}
	return true
}

// Forget drops id without invoking its callback.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, id)
}

// RejectAll fails every pending request with err and empties the tracker.
func (t *Tracker) RejectAll(err error) int {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[string]Callback)
	t.mu.Unlock()

	for _, cb := range pending {
		if cb != nil {
			cb(nil, err)
		}
	}
	return len(pending)
}

// Pending returns the number of outstanding requests.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
