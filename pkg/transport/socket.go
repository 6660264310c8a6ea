// Package transport owns the single physical WebSocket connection to the
// realtime server.
//
// A Socket moves through four states:
//
//	DISCONNECTED -(Open)-> CONNECTING -(open)-> CONNECTED -(close/error)-> RECONNECTING
//	RECONNECTING -(backoff elapses)-> CONNECTING
//	RECONNECTING -(max attempts exceeded)-> DISCONNECTED
//
// Lifecycle notifications are delivered to listeners registered with On.
// Inbound envelopes are re-emitted by type to listeners registered with
// OnMessage, and acknowledgements are routed to the ack tracker.
//
// Listeners run on the socket's reader goroutine (or on the goroutine that
// triggered the transition) without any socket lock held, so they may call
// back into the Socket.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rubiojr/relaybox/pkg/ack"
	"github.com/rubiojr/relaybox/pkg/core"
	"github.com/rubiojr/relaybox/pkg/log"
	"github.com/rubiojr/relaybox/pkg/protocol"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

const (
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultMaxAttempts  = 10

	writeWait = 10 * time.Second
)

// Dialer opens WebSocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Options configures a Socket. Zero values get defaults.
type Options struct {
	// URL is the ws:// or wss:// endpoint. Credentials are appended as query
	// parameters.
	URL    string
	Header http.Header
	Dialer Dialer

	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int

	Now      func() time.Time
	Jitter   func(max time.Duration) time.Duration
	Observer Observer
	Tracker  *ack.Tracker
}

func (o *Options) setDefaults() {
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		}
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultInitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Jitter == nil {
		o.Jitter = FullJitter
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	if o.Tracker == nil {
		o.Tracker = ack.NewTracker()
	}
}

// Socket is the transport connection state machine.
type Socket struct {
	opts Options
	log  *log.Logger
	acks *ack.Tracker

	mu             sync.Mutex
	state          State
	creds          core.Credential
	conn           *websocket.Conn
	gen            uint64
	attempts       int
	everConnected  bool
	reconnectTimer *time.Timer
	cancelDial     context.CancelFunc

	writeMu sync.Mutex

	lmu          sync.RWMutex
	nextListener uint64
	listeners    map[core.EventKind]map[uint64]func(core.Event)
	msgListeners map[string]map[uint64]func(json.RawMessage)
	anyListeners map[uint64]func(protocol.Inbound)
}

// New creates a disconnected Socket.
func New(opts Options) *Socket {
	opts.setDefaults()
	return &Socket{
		opts:         opts,
		log:          log.ForService("transport"),
		acks:         opts.Tracker,
		state:        StateDisconnected,
		listeners:    make(map[core.EventKind]map[uint64]func(core.Event)),
		msgListeners: make(map[string]map[uint64]func(json.RawMessage)),
		anyListeners: make(map[uint64]func(protocol.Inbound)),
	}
}

// State returns the current lifecycle state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the socket is in the connected state.
func (s *Socket) Connected() bool {
	return s.State() == StateConnected
}

// Attempts returns the current reconnect counter.
func (s *Socket) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Tracker exposes the acknowledgement tracker shared with the protocol layer.
func (s *Socket) Tracker() *ack.Tracker { return s.acks }

// Credentials returns the credential used for the next (re)connect.
func (s *Socket) Credentials() core.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

// SetCredentials installs c. Switching credential variants tears down any
// existing connection first; same-variant updates (for example a refreshed
// token) take effect on the next reconnect.
func (s *Socket) SetCredentials(c core.Credential) {
	s.mu.Lock()
	switching := s.creds != nil && !core.SameKind(s.creds, c)
	var conn *websocket.Conn
	wasConnected := false
	if switching {
		conn, wasConnected = s.teardownLocked()
	}
	s.creds = c
	s.mu.Unlock()

	if switching {
		s.log.Debugf("credential variant changed, tearing down transport")
		s.closeConn(conn)
		s.acks.RejectAll(core.ErrAckAbandoned)
		if wasConnected {
			s.emit(core.Event{Kind: core.EventDisconnect})
		}
	}
}

// SetConnectionID records the server assigned session id so reconnects
// identify the same logical session.
func (s *Socket) SetConnectionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds != nil {
		s.creds = s.creds.WithConnectionID(id)
	}
}

// Target builds the connection URL for the current credentials.
func (s *Socket) Target() (string, error) {
	s.mu.Lock()
	creds := s.creds
	s.mu.Unlock()
	return s.target(creds)
}

func (s *Socket) target(creds core.Credential) (string, error) {
	u, err := url.Parse(s.opts.URL)
	if err != nil {
		return "", &core.ValidationError{Field: "url", Reason: "invalid url", Err: err}
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", &core.ValidationError{Field: "url", Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	q := u.Query()
	if creds != nil {
		for k, vs := range creds.Query() {
			for _, v := range vs {
				q.Set(k, v)
			}
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open starts connecting. It returns immediately; the outcome is reported
// through the connect, error and reconnecting events. Opening an already
// connected or connecting socket is a no-op.
func (s *Socket) Open() error {
	s.mu.Lock()
	if s.creds == nil {
		s.mu.Unlock()
		return &core.ValidationError{Field: "credentials", Reason: "no credentials set"}
	}
	if s.state == StateConnected || s.state == StateConnecting {
		s.mu.Unlock()
		return nil
	}
	s.stopTimerLocked()
	s.attempts = 0
	s.gen++
	gen := s.gen
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	go s.dial(gen)
	return nil
}

// ReconnectNow retries immediately without waiting for the backoff timer,
// for example after fresh credentials were installed. It does not reset the
// reconnect counter.
func (s *Socket) ReconnectNow() error {
	s.mu.Lock()
	if s.creds == nil {
		s.mu.Unlock()
		return &core.ValidationError{Field: "credentials", Reason: "no credentials set"}
	}
	if s.state == StateConnected || s.state == StateConnecting {
		s.mu.Unlock()
		return nil
	}
	s.stopTimerLocked()
	s.gen++
	gen := s.gen
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	go s.dial(gen)
	return nil
}

func (s *Socket) dial(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	creds := s.creds
	if bearer, ok := creds.(*core.BearerTokenCredential); ok && bearer.Expired(s.opts.Now()) {
		if s.attempts > 0 {
			s.setStateLocked(StateReconnecting)
		} else {
			s.setStateLocked(StateDisconnected)
		}
		s.mu.Unlock()
		s.log.Debugf("token expired at %d, deferring connect", bearer.ExpiresAt)
		s.emit(core.Event{Kind: core.EventAuthTokenExpired, ExpiresAt: bearer.ExpiresAt})
		return
	}
	target, err := s.target(creds)
	if err != nil {
		s.setStateLocked(StateDisconnected)
		s.mu.Unlock()
		s.emit(core.Event{Kind: core.EventError, Err: &core.ConnectionError{Op: "dial", Err: err}})
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelDial = cancel
	s.mu.Unlock()

	s.log.Debugf("dialing %s", s.opts.URL)
	conn, _, err := s.opts.Dialer.DialContext(ctx, target, s.opts.Header)
	cancel()

	s.mu.Lock()
	s.cancelDial = nil
	if gen != s.gen {
		s.mu.Unlock()
		s.closeConn(conn)
		return
	}
	if err != nil {
		s.mu.Unlock()
		s.log.Debugf("dial failed: %v", err)
		s.emit(core.Event{Kind: core.EventError, Err: &core.ConnectionError{Op: "dial", Err: err}})
		s.reconnect()
		return
	}

	prevAttempts := s.attempts
	first := !s.everConnected
	s.conn = conn
	s.attempts = 0
	s.everConnected = true
	s.setStateLocked(StateConnected)
	s.mu.Unlock()

	if first {
		s.log.Infof("connected")
		s.emit(core.Event{Kind: core.EventConnect})
	} else {
		s.log.Infof("reconnected after %d attempt(s)", prevAttempts)
		s.emit(core.Event{Kind: core.EventReconnected, Attempt: prevAttempts})
	}

	go s.readLoop(conn)
}

func (s *Socket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleClose(conn, err)
			return
		}
		s.handleFrame(data)
	}
}

func (s *Socket) handleFrame(data []byte) {
	in, err := protocol.Decode(data)
	if err != nil {
		s.log.Warnf("dropping inbound frame: %v", err)
		return
	}
	s.opts.Observer.MessageReceived(in.Type)

	s.emitMessage(in)

	if in.Type == protocol.TypeMessageAcknowledged {
		a, err := protocol.DecodeAck(in.Body)
		if err != nil {
			s.log.Warnf("dropping acknowledgement: %v", err)
			return
		}
		if !s.acks.Resolve(a.AckID, a.Data, a.Failure()) {
			s.log.Debugf("ignoring acknowledgement for unknown id %s", a.AckID)
		}
		s.opts.Observer.AcksPending(s.acks.Pending())
	}
}

func (s *Socket) handleClose(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		// Torn down on purpose or replaced.
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.setStateLocked(StateDisconnected)
	hasCreds := s.creds != nil
	s.mu.Unlock()

	_ = conn.Close()
	if n := s.acks.RejectAll(core.ErrAckAbandoned); n > 0 {
		s.log.Debugf("abandoned %d pending acknowledgement(s)", n)
		s.opts.Observer.AcksPending(0)
	}

	if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.emit(core.Event{Kind: core.EventError, Err: &core.ConnectionError{Op: "read", Err: err}})
	}
	s.emit(core.Event{Kind: core.EventDisconnect})

	if hasCreds {
		s.reconnect()
	}
}

// ScheduleReconnect puts the socket back on the backoff path, counting one
// more attempt against MaxAttempts. Use it when an attempt deferred by
// auth_token_expired cannot proceed, for example because the token refresh
// failed. It is a no-op while connected or dialing.
func (s *Socket) ScheduleReconnect() {
	s.mu.Lock()
	busy := s.state == StateConnected || s.state == StateConnecting
	s.mu.Unlock()
	if busy {
		return
	}
	s.reconnect()
}

// reconnect schedules the next reconnection attempt, replacing any timer
// already pending.
func (s *Socket) reconnect() {
	s.mu.Lock()
	if s.creds == nil {
		s.mu.Unlock()
		return
	}
	s.stopTimerLocked()
	s.attempts++
	attempt := s.attempts
	if attempt > s.opts.MaxAttempts {
		s.setStateLocked(StateDisconnected)
		s.mu.Unlock()
		s.log.Errorf("giving up after %d reconnect attempts", s.opts.MaxAttempts)
		s.opts.Observer.ReconnectFailed()
		s.emit(core.Event{Kind: core.EventReconnectFailed, Attempt: attempt - 1})
		return
	}
	delay := Backoff(attempt, s.opts.InitialDelay, s.opts.MaxDelay, s.opts.Jitter)
	s.setStateLocked(StateReconnecting)
	gen := s.gen
	s.reconnectTimer = time.AfterFunc(delay, func() { s.fireReconnect(gen) })
	s.mu.Unlock()

	s.log.Debugf("reconnect attempt %d in %s", attempt, delay)
	s.opts.Observer.ReconnectScheduled(attempt, delay)
	s.emit(core.Event{Kind: core.EventReconnecting, Attempt: attempt})
}

func (s *Socket) fireReconnect(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnectTimer = nil
	s.gen++
	next := s.gen
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	s.dial(next)
}

// Disconnect tears down the transport, cancels any pending reconnection,
// clears credentials and removes every listener. A fresh Open (after
// SetCredentials) is required to resume. Calling it on an already
// disconnected socket is a no-op.
func (s *Socket) Disconnect() {
	s.mu.Lock()
	if s.state == StateDisconnected && s.conn == nil && s.creds == nil && s.reconnectTimer == nil {
		s.mu.Unlock()
		return
	}
	conn, wasConnected := s.teardownLocked()
	s.creds = nil
	s.everConnected = false
	s.mu.Unlock()

	s.closeConn(conn)
	s.acks.RejectAll(core.ErrAckAbandoned)
	s.opts.Observer.AcksPending(0)
	if wasConnected {
		s.emit(core.Event{Kind: core.EventDisconnect})
	}
	s.clearListeners()
	s.log.Debugf("disconnected")
}

// teardownLocked invalidates the current connection generation and returns
// the connection to close. s.mu must be held.
func (s *Socket) teardownLocked() (*websocket.Conn, bool) {
	s.stopTimerLocked()
	s.gen++
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}
	conn := s.conn
	wasConnected := s.state == StateConnected
	s.conn = nil
	s.attempts = 0
	s.setStateLocked(StateDisconnected)
	return conn, wasConnected
}

func (s *Socket) closeConn(conn *websocket.Conn) {
	if conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

func (s *Socket) stopTimerLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

// ReconnectPending reports whether a reconnect timer is scheduled.
func (s *Socket) ReconnectPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectTimer != nil
}

func (s *Socket) setStateLocked(state State) {
	if s.state == state {
		return
	}
	s.state = state
	s.opts.Observer.StateChanged(state)
}

// currentConn returns the live connection or ErrNotConnected.
func (s *Socket) currentConn() (*websocket.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected || s.conn == nil {
		return nil, core.ErrNotConnected
	}
	return s.conn, nil
}

func (s *Socket) write(conn *websocket.Conn, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return &core.ConnectionError{Op: "write", Err: err}
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &core.ConnectionError{Op: "write", Err: err}
	}
	return nil
}

// IsNotConnected reports whether err means the send was dropped because the
// transport was not connected.
func IsNotConnected(err error) bool {
	return errors.Is(err, core.ErrNotConnected)
}
