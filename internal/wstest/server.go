// Package wstest runs an in-process realtime server for tests. It speaks the
// relaybox envelope protocol over gorilla/websocket on top of httptest.
package wstest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Envelope is a client -> server message as received by the server.
type Envelope struct {
	Type      string          `json:"type"`
	Body      json.RawMessage `json:"body,omitempty"`
	AckID     string          `json:"ackId,omitempty"`
	CreatedAt string          `json:"createdAt"`
}

// Conn is one accepted client connection.
type Conn struct {
	ws    *websocket.Conn
	Query url.Values
	mu    sync.Mutex
}

// Send writes a server -> client envelope.
func (c *Conn) Send(messageType string, body any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(map[string]any{"type": messageType, "body": body})
}

// SendRaw writes an arbitrary frame.
func (c *Conn) SendRaw(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Ack acknowledges ackID with data, or with an error when errMsg is set.
func (c *Conn) Ack(ackID string, data any, errMsg string, status int) error {
	body := map[string]any{"ackId": ackID, "data": data, "err": nil}
	if errMsg != "" {
		body["err"] = map[string]any{"message": errMsg, "status": status}
	}
	return c.Send("ack", body)
}

// Drop closes the underlying network connection without a close frame.
func (c *Conn) Drop() {
	_ = c.ws.UnderlyingConn().Close()
}

// Server is a scriptable fake realtime backend.
type Server struct {
	*httptest.Server

	// ConnAck controls whether a connection:acknowledged envelope is sent
	// right after a client connects.
	ConnAck      bool
	ClientID     string
	ConnectionID string

	// AutoAck acknowledges every request carrying an ackId with {"ok":true}
	// unless Handler is set.
	AutoAck bool

	// Handler, when set, is called for every received envelope instead of
	// the AutoAck behaviour.
	Handler func(c *Conn, env Envelope)

	// Reject, when set, refuses upgrades whose query it returns true for.
	Reject func(q url.Values) bool

	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*Conn
	received []Envelope
	queries  []url.Values
}

// New starts a server with connection acknowledgement and auto-ack enabled.
func New(t *testing.T) *Server {
	t.Helper()
	s := &Server{
		ConnAck:      true,
		ClientID:     "client-1",
		ConnectionID: "conn-1",
		AutoAck:      true,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// URL returns the ws:// endpoint.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http") + "/ws"
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.mu.Lock()
	s.queries = append(s.queries, q)
	reject := s.Reject
	s.mu.Unlock()

	if reject != nil && reject(q) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &Conn{ws: ws, Query: q}

	s.mu.Lock()
	s.conns = append(s.conns, c)
	connAck := s.ConnAck
	clientID, connectionID := s.ClientID, s.ConnectionID
	s.mu.Unlock()

	if connAck {
		_ = c.Send("connection:acknowledged", map[string]string{
			"clientId":     clientID,
			"connectionId": connectionID,
		})
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		s.mu.Lock()
		s.received = append(s.received, env)
		handler := s.Handler
		autoAck := s.AutoAck
		s.mu.Unlock()

		switch {
		case handler != nil:
			handler(c, env)
		case autoAck && env.AckID != "":
			_ = c.Ack(env.AckID, map[string]bool{"ok": true}, "", 0)
		}
	}
}

// Received returns a copy of every envelope received so far.
func (s *Server) Received() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Envelope, len(s.received))
	copy(out, s.received)
	return out
}

// CountType returns how many received envelopes had the given type.
func (s *Server) CountType(messageType string) int {
	n := 0
	for _, env := range s.Received() {
		if env.Type == messageType {
			n++
		}
	}
	return n
}

// Queries returns the query strings of every upgrade request.
func (s *Server) Queries() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]url.Values, len(s.queries))
	copy(out, s.queries)
	return out
}

// Conns returns the accepted connections.
func (s *Server) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Conn, len(s.conns))
	copy(out, s.conns)
	return out
}

// LastConn returns the most recent connection or nil.
func (s *Server) LastConn() *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

// DropAll abruptly closes every accepted connection.
func (s *Server) DropAll() {
	for _, c := range s.Conns() {
		c.Drop()
	}
}

// Set mutates server settings under its lock.
func (s *Server) Set(fn func(s *Server)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// WaitFor polls cond until it returns true or timeout elapses.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out after %s waiting for %s", timeout, msg)
}
