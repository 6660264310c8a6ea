package journal

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rubiojr/relaybox/pkg/core"
	"github.com/rubiojr/relaybox/pkg/log"
	"github.com/rubiojr/relaybox/pkg/protocol"
)

func init() {
	log.Discard()
}

func openTemp(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "journal.db")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return j, path
}

func TestMigrationsApplied(t *testing.T) {
	j, path := openTemp(t)
	v, err := j.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	migrations, err := Migrations()
	if err != nil {
		t.Fatalf("Migrations: %v", err)
	}
	if want := migrations[len(migrations)-1].Version; v != want {
		t.Fatalf("schema version %d, want %d", v, want)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopening applies nothing new.
	j2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()
	if v2, _ := j2.SchemaVersion(); v2 != v {
		t.Fatalf("schema version changed on reopen: %d -> %d", v, v2)
	}
}

func TestMigrationsSorted(t *testing.T) {
	migrations, err := Migrations()
	if err != nil {
		t.Fatalf("Migrations: %v", err)
	}
	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version <= migrations[i-1].Version {
			t.Fatalf("migrations not sorted: %d after %d", migrations[i].Version, migrations[i-1].Version)
		}
	}
	if migrations[0].Name != "envelopes" {
		t.Errorf("unexpected first migration name %q", migrations[0].Name)
	}
}

func TestRecordAndRecent(t *testing.T) {
	j, _ := openTemp(t)
	defer j.Close()

	big := `{"text":"` + strings.Repeat("x", 4096) + `"}`
	inputs := []protocol.Inbound{
		{Type: "chat", Body: json.RawMessage(`{"text":"hi"}`)},
		{Type: "presence", Body: json.RawMessage(`{"members":2}`)},
		{Type: "chat", Body: json.RawMessage(big)},
		{Type: "ping"},
	}
	for _, in := range inputs {
		if err := j.Record(in); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	all, err := j.Recent(10, "")
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(all))
	}
	if all[0].Type != "ping" || all[0].Body != nil {
		t.Errorf("expected newest first with empty body, got %+v", all[0])
	}

	chats, err := j.Recent(10, "chat")
	if err != nil {
		t.Fatalf("Recent chat: %v", err)
	}
	if len(chats) != 2 {
		t.Fatalf("expected 2 chat entries, got %d", len(chats))
	}
	if !chats[0].Compressed || string(chats[0].Body) != big {
		t.Errorf("large body not round-tripped through compression")
	}
	if chats[1].Compressed || string(chats[1].Body) != `{"text":"hi"}` {
		t.Errorf("small body unexpectedly altered: %+v", chats[1])
	}

	limited, _ := j.Recent(1, "")
	if len(limited) != 1 {
		t.Errorf("expected limit to apply, got %d", len(limited))
	}
}

func TestRecordEvent(t *testing.T) {
	j, _ := openTemp(t)
	defer j.Close()

	events := []core.Event{
		{Kind: core.EventConnect},
		{Kind: core.EventReconnecting, Attempt: 2},
		{Kind: core.EventError, Err: errors.New("boom")},
	}
	for _, ev := range events {
		if err := j.RecordEvent(ev); err != nil {
			t.Fatalf("RecordEvent: %v", err)
		}
	}

	got, err := j.Lifecycle(10)
	if err != nil {
		t.Fatalf("Lifecycle: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[0].Kind != "error" || got[0].Error != "boom" {
		t.Errorf("unexpected newest event %+v", got[0])
	}
	if got[1].Kind != "reconnecting" || got[1].Attempt != 2 {
		t.Errorf("unexpected reconnecting event %+v", got[1])
	}
	if got[2].At.IsZero() {
		t.Errorf("expected timestamp to be filled")
	}
}
