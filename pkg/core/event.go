package core

import (
	"encoding/json"
	"time"
)

// EventKind enumerates the lifecycle events a transport emits.
type EventKind int

const (
	EventConnect EventKind = iota + 1
	EventDisconnect
	EventReconnecting
	EventReconnected
	EventReconnectFailed
	EventError
	EventAuthTokenExpired
)

var eventNames = map[EventKind]string{
	EventConnect:          "connect",
	EventDisconnect:       "disconnect",
	EventReconnecting:     "reconnecting",
	EventReconnected:      "reconnected",
	EventReconnectFailed:  "reconnect_failed",
	EventError:            "error",
	EventAuthTokenExpired: "auth_token_expired",
}

func (k EventKind) String() string {
	if n, ok := eventNames[k]; ok {
		return n
	}
	return "unknown"
}

// EventKinds lists every lifecycle event kind in declaration order.
func EventKinds() []EventKind {
	return []EventKind{
		EventConnect,
		EventDisconnect,
		EventReconnecting,
		EventReconnected,
		EventReconnectFailed,
		EventError,
		EventAuthTokenExpired,
	}
}

// Event is a lifecycle notification. Only the fields relevant to Kind are
// set: Attempt for reconnecting/reconnected, ExpiresAt (unix seconds) for
// auth_token_expired, Err for error.
type Event struct {
	Kind      EventKind
	Attempt   int
	ExpiresAt int64
	Err       error
	Time      time.Time
}

// MarshalJSON renders the event for CLI output and journaling.
func (e Event) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"kind": e.Kind.String(),
		"time": e.Time,
	}
	if e.Attempt > 0 {
		out["attempt"] = e.Attempt
	}
	if e.ExpiresAt > 0 {
		out["expiresAt"] = e.ExpiresAt
	}
	if e.Err != nil {
		out["error"] = e.Err.Error()
	}
	return json.Marshal(out)
}
