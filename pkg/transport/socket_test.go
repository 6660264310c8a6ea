package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rubiojr/relaybox/internal/wstest"
	"github.com/rubiojr/relaybox/pkg/core"
	"github.com/rubiojr/relaybox/pkg/log"
)

func init() {
	log.Discard()
}

type failingDialer struct {
	calls atomic.Int32
}

func (d *failingDialer) DialContext(ctx context.Context, _ string, _ http.Header) (*websocket.Conn, *http.Response, error) {
	d.calls.Add(1)
	return nil, nil, errors.New("connection refused")
}

func record(s *Socket, kinds ...core.EventKind) chan core.Event {
	ch := make(chan core.Event, 128)
	for _, k := range kinds {
		s.On(k, func(ev core.Event) { ch <- ev })
	}
	return ch
}

func waitEvent(t *testing.T, ch chan core.Event, kind core.EventKind, timeout time.Duration) core.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func newConnectedSocket(t *testing.T, srv *wstest.Server, opts Options) *Socket {
	t.Helper()
	opts.URL = srv.URL()
	s := New(opts)
	t.Cleanup(s.Disconnect)
	s.SetCredentials(&core.APIKeyCredential{APIKey: "key", ClientID: "me"})

	events := record(s, core.EventConnect)
	if err := s.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitEvent(t, events, core.EventConnect, 2*time.Second)
	if s.State() != StateConnected {
		t.Fatalf("expected connected state, got %s", s.State())
	}
	return s
}

func TestBackoffBounds(t *testing.T) {
	initial := 100 * time.Millisecond
	maxDelay := 5 * time.Second

	for attempt := 1; attempt <= 12; attempt++ {
		base := initial << attempt
		if base > maxDelay {
			base = maxDelay
		}

		low := Backoff(attempt, initial, maxDelay, func(time.Duration) time.Duration { return 0 })
		if low != base {
			t.Errorf("attempt %d: zero jitter delay %s, want %s", attempt, low, base)
		}
		high := Backoff(attempt, initial, maxDelay, func(max time.Duration) time.Duration { return max - 1 })
		if high >= 2*base {
			t.Errorf("attempt %d: max jitter delay %s not below %s", attempt, high, 2*base)
		}

		for i := 0; i < 200; i++ {
			d := Backoff(attempt, initial, maxDelay, nil)
			if d < base || d >= 2*base {
				t.Fatalf("attempt %d: delay %s outside [%s, %s)", attempt, d, base, 2*base)
			}
		}
	}
}

func TestBackoffMonotonicBase(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 1; attempt <= 40; attempt++ {
		base := backoffBase(attempt, time.Second, 30*time.Second)
		if base < prev {
			t.Fatalf("base decreased at attempt %d: %s < %s", attempt, base, prev)
		}
		if base > 30*time.Second {
			t.Fatalf("base exceeded max at attempt %d: %s", attempt, base)
		}
		prev = base
	}
}

func TestOpenRequiresCredentials(t *testing.T) {
	s := New(Options{URL: "ws://127.0.0.1:1/ws"})
	var vErr *core.ValidationError
	if err := s.Open(); !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestCredentialsSerializedAsQuery(t *testing.T) {
	srv := wstest.New(t)
	s := newConnectedSocket(t, srv, Options{})

	q := srv.Queries()[0]
	if q.Get("apiKey") != "key" || q.Get("clientId") != "me" {
		t.Fatalf("unexpected query %v", q)
	}

	s.SetConnectionID("conn-7")
	target, err := s.Target()
	if err != nil {
		t.Fatalf("target: %v", err)
	}
	if want := "connectionId=conn-7"; !strings.Contains(target, want) {
		t.Fatalf("target %s missing %s", target, want)
	}
}

func TestFireAndAckResolvesMatchingID(t *testing.T) {
	srv := wstest.New(t)
	srv.Set(func(s *wstest.Server) {
		s.Handler = func(c *wstest.Conn, env wstest.Envelope) {
			if env.AckID == "" {
				return
			}
			// A stray ack for another id arrives first and must be ignored.
			_ = c.Ack("not-"+env.AckID, map[string]bool{"ok": false}, "", 0)
			_ = c.Ack(env.AckID, map[string]bool{"ok": true}, "", 0)
		}
	})
	s := newConnectedSocket(t, srv, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := s.FireAndAck(ctx, "room:join", map[string]string{"room": "lobby"})
	if err != nil {
		t.Fatalf("fire and ack: %v", err)
	}

	var got map[string]bool
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got["ok"] {
		t.Fatalf("expected ok:true, got %s", data)
	}
	if s.Tracker().Pending() != 0 {
		t.Fatalf("expected no pending acks, got %d", s.Tracker().Pending())
	}
}

func TestFireAndAckServerError(t *testing.T) {
	srv := wstest.New(t)
	srv.Set(func(s *wstest.Server) {
		s.Handler = func(c *wstest.Conn, env wstest.Envelope) {
			_ = c.Ack(env.AckID, nil, "room is full", 409)
		}
	})
	s := newConnectedSocket(t, srv, Options{})

	_, err := s.FireAndAck(context.Background(), "room:join", nil)
	var ackErr *core.AckError
	if !errors.As(err, &ackErr) {
		t.Fatalf("expected AckError, got %v", err)
	}
	if ackErr.Status != 409 || ackErr.Message != "room is full" {
		t.Fatalf("unexpected ack error %+v", ackErr)
	}
}

func TestFireAndAckFailsFastWhenDisconnected(t *testing.T) {
	s := New(Options{URL: "ws://127.0.0.1:1/ws"})

	start := time.Now()
	_, err := s.FireAndAck(context.Background(), "room:join", nil)
	if !errors.Is(err, core.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("fire and ack did not fail fast")
	}
	if s.Tracker().Pending() != 0 {
		t.Fatal("a pending ack was registered while disconnected")
	}
	if err := s.Fire("chat", "hi"); !IsNotConnected(err) {
		t.Fatalf("expected fire to be dropped, got %v", err)
	}
}

func TestFireAndAckContextCancel(t *testing.T) {
	srv := wstest.New(t)
	srv.Set(func(s *wstest.Server) {
		s.Handler = func(*wstest.Conn, wstest.Envelope) {}
	})
	s := newConnectedSocket(t, srv, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.FireAndAck(ctx, "slow", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if s.Tracker().Pending() != 0 {
		t.Fatal("cancelled request left a pending ack")
	}
}

func TestPendingAckAbandonedOnConnectionLoss(t *testing.T) {
	srv := wstest.New(t)
	srv.Set(func(s *wstest.Server) {
		s.Handler = func(c *wstest.Conn, env wstest.Envelope) {
			if env.AckID != "" {
				c.Drop()
			}
		}
	})
	s := newConnectedSocket(t, srv, Options{InitialDelay: time.Hour})

	_, err := s.FireAndAck(context.Background(), "room:join", nil)
	if !errors.Is(err, core.ErrAckAbandoned) {
		t.Fatalf("expected ErrAckAbandoned, got %v", err)
	}
}

func TestEnvelopesSentInOrder(t *testing.T) {
	srv := wstest.New(t)
	s := newConnectedSocket(t, srv, Options{})

	for i := 0; i < 20; i++ {
		if err := s.Fire("seq", i); err != nil {
			t.Fatalf("fire %d: %v", i, err)
		}
	}
	wstest.WaitFor(t, 2*time.Second, func() bool { return srv.CountType("seq") == 20 }, "20 envelopes")

	i := 0
	for _, env := range srv.Received() {
		if env.Type != "seq" {
			continue
		}
		if string(env.Body) != itoa(i) {
			t.Fatalf("envelope %d out of order: body %s", i, env.Body)
		}
		if env.CreatedAt == "" {
			t.Fatal("envelope missing createdAt")
		}
		i++
	}
}

func itoa(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}

func TestInboundMessagesReemittedByType(t *testing.T) {
	srv := wstest.New(t)
	s := newConnectedSocket(t, srv, Options{})

	got := make(chan string, 1)
	remove := s.OnMessage("chat", func(body json.RawMessage) { got <- string(body) })
	defer remove()

	conn := srv.LastConn()
	_ = conn.SendRaw([]byte(`not json at all`))
	_ = conn.Send("chat", map[string]string{"text": "hello"})

	select {
	case body := <-got:
		if body != `{"text":"hello"}` {
			t.Fatalf("unexpected body %s", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not re-emitted")
	}
	if !s.Connected() {
		t.Fatal("malformed frame closed the connection")
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	srv := wstest.New(t)
	initial := 100 * time.Millisecond
	s := newConnectedSocket(t, srv, Options{InitialDelay: initial, MaxDelay: time.Second})
	events := record(s, core.EventDisconnect, core.EventReconnecting, core.EventReconnected)

	dropped := time.Now()
	srv.DropAll()

	waitEvent(t, events, core.EventDisconnect, 2*time.Second)
	ev := waitEvent(t, events, core.EventReconnecting, 2*time.Second)
	if ev.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", ev.Attempt)
	}
	if time.Since(dropped) > 2*initial {
		t.Fatalf("reconnecting event late: %s", time.Since(dropped))
	}

	rec := waitEvent(t, events, core.EventReconnected, 2*time.Second)
	if rec.Attempt != 1 {
		t.Fatalf("expected reconnected after 1 attempt, got %d", rec.Attempt)
	}
	if s.Attempts() != 0 {
		t.Fatalf("reconnect counter not reset: %d", s.Attempts())
	}
	wstest.WaitFor(t, time.Second, func() bool { return len(srv.Conns()) == 2 }, "second server connection")
}

func TestReconnectCeiling(t *testing.T) {
	dialer := &failingDialer{}
	s := New(Options{
		URL:          "ws://example.invalid/ws",
		Dialer:       dialer,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
	})
	defer s.Disconnect()
	s.SetCredentials(&core.APIKeyCredential{APIKey: "k"})

	var reconnecting, failed atomic.Int32
	done := make(chan struct{})
	s.On(core.EventReconnecting, func(core.Event) { reconnecting.Add(1) })
	s.On(core.EventReconnectFailed, func(core.Event) {
		if failed.Add(1) == 1 {
			close(done)
		}
	})

	if err := s.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reconnect_failed never fired")
	}

	// Initial dial plus ten reconnect dials.
	if got := dialer.calls.Load(); got != 11 {
		t.Fatalf("expected 11 dials, got %d", got)
	}
	if got := reconnecting.Load(); got != 10 {
		t.Fatalf("expected 10 reconnecting events, got %d", got)
	}
	if s.ReconnectPending() {
		t.Fatal("a reconnect timer is still scheduled")
	}
	if s.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", s.State())
	}

	time.Sleep(30 * time.Millisecond)
	if got := dialer.calls.Load(); got != 11 {
		t.Fatalf("dialing continued after ceiling: %d", got)
	}
	if failed.Load() != 1 {
		t.Fatalf("reconnect_failed fired %d times", failed.Load())
	}
}

func TestExpiredTokenDefersConnect(t *testing.T) {
	srv := wstest.New(t)
	now := time.Unix(2000, 0)
	s := New(Options{URL: srv.URL(), Now: func() time.Time { return now }})
	defer s.Disconnect()
	s.SetCredentials(&core.BearerTokenCredential{Token: "t", ExpiresAt: 1999})

	events := record(s, core.EventAuthTokenExpired, core.EventConnect)
	if err := s.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	ev := waitEvent(t, events, core.EventAuthTokenExpired, 2*time.Second)
	if ev.ExpiresAt != 1999 {
		t.Fatalf("expected expiry 1999, got %d", ev.ExpiresAt)
	}
	if n := len(srv.Queries()); n != 0 {
		t.Fatalf("socket dialed with an expired token (%d requests)", n)
	}

	s.SetCredentials(&core.BearerTokenCredential{Token: "fresh", ExpiresAt: 5000})
	if err := s.ReconnectNow(); err != nil {
		t.Fatalf("reconnect now: %v", err)
	}
	waitEvent(t, events, core.EventConnect, 2*time.Second)
	if q := srv.Queries()[0]; q.Get("token") != "fresh" {
		t.Fatalf("unexpected token in query %v", q)
	}
}

func TestScheduleReconnectAfterExpiredTokenHonoursCeiling(t *testing.T) {
	srv := wstest.New(t)
	now := time.Unix(2000, 0)
	s := New(Options{
		URL:          srv.URL(),
		Now:          func() time.Time { return now },
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		MaxAttempts:  2,
	})
	defer s.Disconnect()
	s.SetCredentials(&core.BearerTokenCredential{Token: "t", ExpiresAt: 1999})

	// Nobody can refresh the token, so every deferred attempt goes back to
	// the backoff path.
	var expired atomic.Int32
	s.On(core.EventAuthTokenExpired, func(core.Event) {
		expired.Add(1)
		s.ScheduleReconnect()
	})
	events := record(s, core.EventReconnectFailed)
	if err := s.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}

	ev := waitEvent(t, events, core.EventReconnectFailed, 2*time.Second)
	if ev.Attempt != 2 {
		t.Errorf("expected reconnect_failed after 2 attempts, got %d", ev.Attempt)
	}
	if s.State() != StateDisconnected {
		t.Errorf("expected disconnected state, got %s", s.State())
	}
	if s.ReconnectPending() {
		t.Error("no reconnect should be pending after the ceiling")
	}
	if n := expired.Load(); n != 3 {
		t.Errorf("expected 3 auth_token_expired events, got %d", n)
	}
	if n := len(srv.Queries()); n != 0 {
		t.Errorf("socket dialed with an expired token (%d requests)", n)
	}
}

func TestScheduleReconnectIgnoredWhileConnected(t *testing.T) {
	srv := wstest.New(t)
	s := newConnectedSocket(t, srv, Options{})

	s.ScheduleReconnect()
	if s.State() != StateConnected || s.ReconnectPending() || s.Attempts() != 0 {
		t.Fatalf("connected socket changed: state=%s pending=%v attempts=%d", s.State(), s.ReconnectPending(), s.Attempts())
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	srv := wstest.New(t)
	s := newConnectedSocket(t, srv, Options{})

	var disconnects atomic.Int32
	s.On(core.EventDisconnect, func(core.Event) { disconnects.Add(1) })

	s.Disconnect()
	if s.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", s.State())
	}
	if s.Credentials() != nil {
		t.Fatal("credentials not cleared")
	}
	if s.ListenerCount(core.EventDisconnect) != 0 {
		t.Fatal("listeners not cleared")
	}

	s.Disconnect()
	s.Disconnect()
	if disconnects.Load() != 1 {
		t.Fatalf("expected one disconnect event, got %d", disconnects.Load())
	}

	// No reconnection after an intentional disconnect.
	time.Sleep(50 * time.Millisecond)
	if len(srv.Conns()) != 1 {
		t.Fatalf("socket reconnected after Disconnect: %d conns", len(srv.Conns()))
	}
}

func TestDisconnectNeverConnected(t *testing.T) {
	s := New(Options{URL: "ws://127.0.0.1:1/ws"})
	s.Disconnect()
	s.Disconnect()
}

func TestCredentialVariantSwitchTearsDown(t *testing.T) {
	srv := wstest.New(t)
	s := newConnectedSocket(t, srv, Options{InitialDelay: time.Hour})
	events := record(s, core.EventDisconnect)

	s.SetCredentials(&core.BearerTokenCredential{Token: "tok"})
	waitEvent(t, events, core.EventDisconnect, time.Second)
	if s.State() != StateDisconnected {
		t.Fatalf("expected disconnected after variant switch, got %s", s.State())
	}
	if s.ReconnectPending() {
		t.Fatal("variant switch must not schedule a reconnect")
	}
}

func TestListenerRemoval(t *testing.T) {
	s := New(Options{URL: "ws://127.0.0.1:1/ws"})
	remove := s.On(core.EventError, func(core.Event) {})
	removeMsg := s.OnMessage("chat", func(json.RawMessage) {})
	if s.ListenerCount(core.EventError) != 1 || s.MessageListenerCount("chat") != 1 {
		t.Fatal("listeners not registered")
	}
	remove()
	remove()
	removeMsg()
	if s.ListenerCount(core.EventError) != 0 || s.MessageListenerCount("chat") != 0 {
		t.Fatal("listeners not removed")
	}
}
