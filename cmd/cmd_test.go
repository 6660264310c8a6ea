package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rubiojr/relaybox/internal/wstest"
	"github.com/rubiojr/relaybox/pkg/core"
	"github.com/rubiojr/relaybox/pkg/journal"
	"github.com/rubiojr/relaybox/pkg/log"
	"github.com/rubiojr/relaybox/pkg/protocol"
	"github.com/rubiojr/relaybox/pkg/realtime"
)

func init() {
	log.Discard()
}

// syncBuffer is a bytes.Buffer safe for one writer goroutine and polling
// readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func writeConfig(t *testing.T, srv *wstest.Server) (configPath, journalPath string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dir)
	configPath = filepath.Join(dir, "config.toml")
	journalPath = filepath.Join(dir, "journal.db")
	data := fmt.Sprintf(`url = %q
api_key = "test-key"
journal_path = %q
connect_timeout = "1s"

[reconnect]
initial_delay = "10ms"
max_delay = "50ms"
max_attempts = 3
`, srv.URL(), journalPath)
	if err := os.WriteFile(configPath, []byte(data), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return configPath, journalPath
}

func TestParseJSONArg(t *testing.T) {
	tests := []struct {
		arg     string
		want    string
		wantErr bool
	}{
		{"", "", false},
		{`{"text":"hi"}`, `{"text":"hi"}`, false},
		{`42`, `42`, false},
		{`{"text":`, "", true},
	}
	for _, tt := range tests {
		got, err := parseJSONArg(tt.arg)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseJSONArg(%q) error = %v, wantErr %v", tt.arg, err, tt.wantErr)
			continue
		}
		if string(got) != tt.want {
			t.Errorf("parseJSONArg(%q) = %q, want %q", tt.arg, got, tt.want)
		}
	}
}

func TestEventTitle(t *testing.T) {
	if got := eventTitle(core.EventReconnectFailed); got != "Reconnect Failed" {
		t.Errorf("eventTitle = %q", got)
	}
	if got := eventTitle(core.EventAuthTokenExpired); got != "Auth Token Expired" {
		t.Errorf("eventTitle = %q", got)
	}
}

func TestFormatItem(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	msg := realtime.Item{
		Type:    realtime.ItemMessage,
		Message: &protocol.Inbound{Type: "chat", Body: json.RawMessage(`{ "text": "hi" }`)},
		At:      at,
	}
	ev := realtime.Item{
		Type:  realtime.ItemLifecycle,
		Event: &core.Event{Kind: core.EventReconnecting, Attempt: 2, Time: at},
		At:    at,
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(formatItem(msg, false)), &decoded); err != nil {
		t.Fatalf("JSON output is not valid JSON: %v", err)
	}
	if decoded["type"] != realtime.ItemMessage {
		t.Errorf("expected type %q, got %v", realtime.ItemMessage, decoded["type"])
	}

	pretty := formatItem(msg, true)
	if !strings.Contains(pretty, "chat") || !strings.Contains(pretty, `{"text":"hi"}`) {
		t.Errorf("unexpected pretty message: %q", pretty)
	}
	pretty = formatItem(ev, true)
	if !strings.Contains(pretty, "Reconnecting") || !strings.Contains(pretty, "attempt 2") {
		t.Errorf("unexpected pretty event: %q", pretty)
	}

	errEv := realtime.Item{Type: realtime.ItemLifecycle, Event: &core.Event{Kind: core.EventError, Err: errors.New("boom")}, At: at}
	if got := formatItem(errEv, true); !strings.Contains(got, "boom") {
		t.Errorf("expected error detail in %q", got)
	}
}

func TestConnectOnce(t *testing.T) {
	srv := wstest.New(t)
	configPath, _ := writeConfig(t, srv)

	var out bytes.Buffer
	if err := connectOnce(context.Background(), configPath, &out); err != nil {
		t.Fatalf("connectOnce: %v", err)
	}
	got := out.String()
	for _, want := range []string{"Connected to", "client id:     client-1", "connection id: conn-1"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if q := srv.Queries()[0]; q.Get("apiKey") != "test-key" {
		t.Errorf("expected api key in handshake query, got %v", q)
	}
}

func TestConnectOnceInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(configPath, []byte(`url = "http://nope"`+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	var ve *core.ValidationError
	if err := connectOnce(context.Background(), configPath, &bytes.Buffer{}); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestPublishAndRequest(t *testing.T) {
	srv := wstest.New(t)
	configPath, _ := writeConfig(t, srv)
	ctx := context.Background()

	var out bytes.Buffer
	if err := publish(ctx, configPath, "chat", json.RawMessage(`{"text":"hi"}`), false, time.Second, &out); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !strings.Contains(out.String(), "Published chat") {
		t.Errorf("unexpected output %q", out.String())
	}
	wstest.WaitFor(t, time.Second, func() bool { return srv.CountType("chat") == 1 }, "chat envelope")

	out.Reset()
	if err := request(ctx, configPath, "presence:get", nil, time.Second, &out); err != nil {
		t.Fatalf("request: %v", err)
	}
	if !strings.Contains(out.String(), `"ok": true`) {
		t.Errorf("expected indented ack data, got %q", out.String())
	}
}

func TestRequestRejected(t *testing.T) {
	srv := wstest.New(t)
	srv.Handler = func(conn *wstest.Conn, env wstest.Envelope) {
		if env.AckID != "" {
			_ = conn.Ack(env.AckID, nil, "forbidden", 403)
		}
	}
	configPath, _ := writeConfig(t, srv)

	err := request(context.Background(), configPath, "presence:get", nil, time.Second, &bytes.Buffer{})
	var ae *core.AckError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AckError, got %v", err)
	}
}

func TestListenRecordsAndPrints(t *testing.T) {
	srv := wstest.New(t)
	srv.Handler = func(conn *wstest.Conn, env wstest.Envelope) {
		if env.AckID != "" {
			_ = conn.Ack(env.AckID, nil, "", 0)
		}
		if env.Type == protocol.TypeEventSubscribe {
			_ = conn.Send("chat", map[string]string{"text": "hello"})
			_ = conn.Send("other", map[string]string{"text": "ignored"})
		}
	}
	configPath, journalPath := writeConfig(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &syncBuffer{}
	errc := make(chan error, 1)
	go func() {
		errc <- listen(ctx, configPath, listenOptions{events: []string{"chat"}, record: true, buffer: 64}, out)
	}()

	wstest.WaitFor(t, 2*time.Second, func() bool { return strings.Contains(out.String(), `"hello"`) }, "chat message in output")
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listen did not return after cancel")
	}

	got := out.String()
	if !strings.Contains(got, `"kind":"connect"`) {
		t.Errorf("expected connect lifecycle event in output:\n%s", got)
	}
	if strings.Contains(got, "ignored") {
		t.Errorf("unsubscribed event should not be printed:\n%s", got)
	}

	var hist bytes.Buffer
	if err := showHistory(journalPath, 10, "chat", false, &hist); err != nil {
		t.Fatalf("showHistory: %v", err)
	}
	if !strings.Contains(hist.String(), `{"text":"hello"}`) {
		t.Errorf("expected recorded chat envelope, got:\n%s", hist.String())
	}
}

func TestShowHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	var out bytes.Buffer
	if err := showHistory(path, 10, "", false, &out); err == nil {
		t.Fatal("expected an error for a missing journal")
	}

	j, err := journal.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := j.Record(protocol.Inbound{Type: "chat", Body: json.RawMessage(`{"n":1}`)}); err != nil {
		t.Fatal(err)
	}
	if err := j.Record(protocol.Inbound{Type: "presence", Body: json.RawMessage(`{"n":2}`)}); err != nil {
		t.Fatal(err)
	}
	if err := j.RecordEvent(core.Event{Kind: core.EventReconnecting, Attempt: 3}); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	if err := showHistory(path, 10, "presence", false, &out); err != nil {
		t.Fatalf("showHistory: %v", err)
	}
	if !strings.Contains(out.String(), `{"n":2}`) || strings.Contains(out.String(), `{"n":1}`) {
		t.Errorf("type filter not applied:\n%s", out.String())
	}

	out.Reset()
	if err := showHistory(path, 10, "", true, &out); err != nil {
		t.Fatalf("showHistory lifecycle: %v", err)
	}
	if !strings.Contains(out.String(), "reconnecting") || !strings.Contains(out.String(), "attempt 3") {
		t.Errorf("unexpected lifecycle output:\n%s", out.String())
	}
}

func TestInitConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dir)
	path := filepath.Join(dir, "config.toml")

	if err := initConfig(path, false); err != nil {
		t.Fatalf("initConfig: %v", err)
	}
	if err := initConfig(path, false); err == nil {
		t.Fatal("expected an error when the config exists")
	}
	if err := initConfig(path, true); err != nil {
		t.Fatalf("initConfig --force: %v", err)
	}
}
