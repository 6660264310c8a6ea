// Package client establishes and manages a realtime session.
//
// A Client resolves credentials (a static API key or a bearer token from an
// auth.Provider), opens the transport and waits for two readiness signals:
// the transport-level connect and the server's connection acknowledgement.
// Both must arrive before Connect returns, within ConnectTimeout.
//
// Once connected the Client keeps reference counted server subscriptions in
// sync across reconnects, refreshes bearer tokens before they expire and
// republishes lifecycle events on its own public surface (On and Events).
package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rubiojr/relaybox/pkg/auth"
	"github.com/rubiojr/relaybox/pkg/core"
	"github.com/rubiojr/relaybox/pkg/log"
	"github.com/rubiojr/relaybox/pkg/protocol"
	"github.com/rubiojr/relaybox/pkg/realtime"
	"github.com/rubiojr/relaybox/pkg/transport"
)

// State is the orchestrator's own state, separate from the transport's.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

const (
	DefaultConnectTimeout = 2 * time.Second
	DefaultRefreshMargin  = 30 * time.Second
	DefaultEventBuffer    = 64

	inboxSize = 256
)

// Options configures a Client. Exactly one of APIKey or AuthProvider must be
// set.
type Options struct {
	URL string

	APIKey   string
	ClientID string

	AuthProvider auth.Provider
	AuthRequest  auth.TokenRequest

	ConnectTimeout time.Duration
	RefreshMargin  time.Duration
	EventBuffer    int

	// Transport carries reconnection tuning, dialer and observer. Its URL is
	// overwritten with URL.
	Transport transport.Options
	Now       func() time.Time
}

func (o *Options) validate() error {
	if o.URL == "" {
		return &core.ValidationError{Field: "url", Reason: "required"}
	}
	if o.APIKey != "" && o.AuthProvider != nil {
		return &core.ValidationError{Field: "credentials", Reason: "api key and auth provider are mutually exclusive"}
	}
	return nil
}

func (o *Options) setDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.RefreshMargin <= 0 {
		o.RefreshMargin = DefaultRefreshMargin
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	o.Transport.URL = o.URL
	if o.Transport.Now == nil {
		o.Transport.Now = o.Now
	}
}

// Client is one logical realtime session.
type Client struct {
	opts     Options
	log      *log.Logger
	socket   *transport.Socket
	registry *core.Registry
	hub      *realtime.Hub

	connectMu sync.Mutex
	subMu     sync.Mutex

	mu           sync.Mutex
	state        State
	clientID     string
	connectionID string
	refreshTimer *time.Timer
	bridge       []func()
	done         chan struct{}

	lmu          sync.RWMutex
	nextListener uint64
	listeners    map[core.EventKind]map[uint64]func(core.Event)
}

// New validates opts and builds an idle Client.
func New(opts Options) (*Client, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts.setDefaults()
	return &Client{
		opts:      opts,
		log:       log.ForService("client"),
		socket:    transport.New(opts.Transport),
		registry:  core.NewRegistry(),
		hub:       realtime.NewHub(opts.EventBuffer),
		listeners: make(map[core.EventKind]map[uint64]func(core.Event)),
	}, nil
}

// State returns the orchestrator state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClientID returns the id assigned by the server on the last successful
// connect.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// ConnectionID returns the logical session id assigned by the server.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// Socket exposes the underlying transport.
func (c *Client) Socket() *transport.Socket { return c.socket }

// Registry exposes the local subscription reference counts.
func (c *Client) Registry() *core.Registry { return c.registry }

// Hub exposes the public event fan-out.
func (c *Client) Hub() *realtime.Hub { return c.hub }

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect establishes the session. It returns nil immediately when the
// session is already up. Otherwise it fails with a *core.ValidationError
// (no credentials), *core.TokenError (auth provider failure),
// *core.ConnectionError (transport error or ctx ended) or
// *core.ConnectionTimeoutError. After a failure the transport is torn down
// and Connect may be retried.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.state == StateReady && c.socket.Connected() {
		c.mu.Unlock()
		return nil
	}
	// A ready session whose transport is reconnecting keeps its logical
	// connection.
	resumeID := ""
	if c.state == StateReady {
		resumeID = c.connectionID
	}
	c.state = StateConnecting
	c.mu.Unlock()

	creds, err := c.resolveCredentials(ctx)
	if err != nil {
		c.setState(StateFailed)
		return err
	}
	if resumeID != "" {
		creds = creds.WithConnectionID(resumeID)
	}
	c.socket.SetCredentials(creds)
	c.installBridge()

	ack, err := c.await(ctx)
	if err != nil {
		c.log.Warnf("connect failed: %v", err)
		c.fail()
		return err
	}

	c.mu.Lock()
	c.clientID = ack.ClientID
	c.connectionID = ack.ConnectionID
	c.state = StateReady
	c.mu.Unlock()
	c.socket.SetConnectionID(ack.ConnectionID)
	c.log.Infof("session ready: client %s connection %s", ack.ClientID, ack.ConnectionID)

	// A token refreshed while connecting replaces the one resolved above.
	if bearer, ok := c.socket.Credentials().(*core.BearerTokenCredential); ok {
		c.scheduleRefresh(bearer)
	}
	return nil
}

// await opens the transport and races the two readiness signals against the
// connect timeout, a transport error and ctx. The temporary listeners are
// always removed before it returns.
func (c *Client) await(ctx context.Context) (protocol.ConnectionAck, error) {
	var (
		mu     sync.Mutex
		opened bool
		acked  *protocol.ConnectionAck
	)
	result := make(chan error, 1)
	finish := func(err error) {
		select {
		case result <- err:
		default:
		}
	}
	onOpen := func(core.Event) {
		mu.Lock()
		defer mu.Unlock()
		opened = true
		if acked != nil {
			finish(nil)
		}
	}

	removers := []func(){
		c.socket.On(core.EventConnect, onOpen),
		c.socket.On(core.EventReconnected, onOpen),
		c.socket.OnMessage(protocol.TypeConnectionAcknowledged, func(body json.RawMessage) {
			ca, err := protocol.DecodeConnectionAck(body)
			if err != nil {
				finish(&core.ConnectionError{Op: "handshake", Err: err})
				return
			}
			mu.Lock()
			defer mu.Unlock()
			acked = &ca
			if opened {
				finish(nil)
			}
		}),
		c.socket.On(core.EventError, func(ev core.Event) {
			finish(&core.ConnectionError{Op: "connect", Err: ev.Err})
		}),
	}
	defer func() {
		for _, remove := range removers {
			remove()
		}
	}()

	if err := c.socket.Open(); err != nil {
		return protocol.ConnectionAck{}, err
	}

	timer := time.NewTimer(c.opts.ConnectTimeout)
	defer timer.Stop()

	select {
	case err := <-result:
		if err != nil {
			return protocol.ConnectionAck{}, err
		}
		mu.Lock()
		defer mu.Unlock()
		return *acked, nil
	case <-timer.C:
		return protocol.ConnectionAck{}, &core.ConnectionTimeoutError{Timeout: c.opts.ConnectTimeout}
	case <-ctx.Done():
		return protocol.ConnectionAck{}, &core.ConnectionError{Op: "connect", Err: ctx.Err()}
	}
}

func (c *Client) fail() {
	c.mu.Lock()
	c.stopRefreshLocked()
	c.state = StateFailed
	c.mu.Unlock()
	c.socket.Disconnect()
	c.removeBridge()
}

func (c *Client) resolveCredentials(ctx context.Context) (core.Credential, error) {
	switch {
	case c.opts.APIKey != "":
		return &core.APIKeyCredential{APIKey: c.opts.APIKey, ClientID: c.opts.ClientID}, nil
	case c.opts.AuthProvider != nil:
		bearer, err := auth.Fetch(ctx, c.opts.AuthProvider, c.opts.AuthRequest, c.opts.Now())
		if err != nil {
			return nil, err
		}
		return bearer, nil
	}
	return nil, &core.ValidationError{Field: "credentials", Reason: "an api key or an auth provider is required"}
}

// Disconnect ends the session: it cancels the token refresh timer, removes
// the bridge listeners, forgets local subscriptions and tears down the
// transport. It is safe to call more than once.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopRefreshLocked()
	c.state = StateIdle
	c.clientID = ""
	c.connectionID = ""
	c.mu.Unlock()

	c.socket.Disconnect()
	c.removeBridge()
	c.registry.Clear()
}

// IsTimeout reports whether err is a connect timeout.
func IsTimeout(err error) bool {
	var te *core.ConnectionTimeoutError
	return errors.As(err, &te)
}
