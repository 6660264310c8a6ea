// Package journal keeps a local SQLite record of inbound envelopes and
// connection lifecycle events, used by `relaybox listen --record`.
//
// Bodies of 1 KiB or more are stored zstd-compressed.
package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/rubiojr/relaybox/pkg/core"
	"github.com/rubiojr/relaybox/pkg/log"
	"github.com/rubiojr/relaybox/pkg/protocol"
)

const (
	encodingRaw  = "raw"
	encodingZstd = "zstd"

	// CompressThreshold is the body size from which bodies are compressed.
	CompressThreshold = 1024
)

// Entry is one recorded inbound envelope.
type Entry struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	Body       json.RawMessage `json:"body,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
	Compressed bool            `json:"compressed"`
}

// LifecycleEntry is one recorded lifecycle event.
type LifecycleEntry struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Attempt   int       `json:"attempt,omitempty"`
	ExpiresAt int64     `json:"expires_at,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Journal is safe for concurrent use.
type Journal struct {
	db  *sql.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
	log *log.Logger
	now func() time.Time
}

// Open opens (creating if needed) the journal at path and applies pending
// migrations.
func Open(path string) (*Journal, error) {
	l := log.ForService("journal")
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 30000",
		"PRAGMA temp_store = memory",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, err)
		}
	}

	n, err := migrate(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if n > 0 {
		l.Debugf("applied %d migration(s) to %s", n, path)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Journal{db: db, enc: enc, dec: dec, log: l, now: time.Now}, nil
}

// Record stores an inbound envelope.
func (j *Journal) Record(in protocol.Inbound) error {
	body := []byte(in.Body)
	encoding := encodingRaw
	if len(body) >= CompressThreshold {
		body = j.enc.EncodeAll(body, nil)
		encoding = encodingZstd
	}
	_, err := j.db.Exec(
		"INSERT INTO envelopes (type, received_at, encoding, body) VALUES (?, ?, ?, ?)",
		in.Type, j.now().UnixNano(), encoding, body,
	)
	if err != nil {
		return fmt.Errorf("recording %s: %w", in.Type, err)
	}
	return nil
}

// RecordEvent stores a lifecycle event.
func (j *Journal) RecordEvent(ev core.Event) error {
	at := ev.Time
	if at.IsZero() {
		at = j.now()
	}
	errText := ""
	if ev.Err != nil {
		errText = ev.Err.Error()
	}
	_, err := j.db.Exec(
		"INSERT INTO lifecycle (kind, attempt, expires_at, error, at) VALUES (?, ?, ?, ?, ?)",
		ev.Kind.String(), ev.Attempt, ev.ExpiresAt, errText, at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("recording %s event: %w", ev.Kind, err)
	}
	return nil
}

// Recent returns up to limit envelopes, newest first. An empty messageType
// matches every type.
func (j *Journal) Recent(limit int, messageType string) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT id, type, received_at, encoding, body FROM envelopes"
	args := []any{}
	if messageType != "" {
		query += " WHERE type = ?"
		args = append(args, messageType)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying envelopes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			nanos    int64
			encoding string
			body     []byte
		)
		if err := rows.Scan(&e.ID, &e.Type, &nanos, &encoding, &body); err != nil {
			return nil, fmt.Errorf("scanning envelope: %w", err)
		}
		if encoding == encodingZstd {
			body, err = j.dec.DecodeAll(body, nil)
			if err != nil {
				return nil, fmt.Errorf("decompressing envelope %d: %w", e.ID, err)
			}
			e.Compressed = true
		}
		if len(body) > 0 {
			e.Body = json.RawMessage(body)
		}
		e.ReceivedAt = time.Unix(0, nanos)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Lifecycle returns up to limit lifecycle events, newest first.
func (j *Journal) Lifecycle(limit int) ([]LifecycleEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.Query(
		"SELECT id, kind, attempt, expires_at, error, at FROM lifecycle ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying lifecycle: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []LifecycleEntry
	for rows.Next() {
		var (
			e     LifecycleEntry
			nanos int64
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.Attempt, &e.ExpiresAt, &e.Error, &nanos); err != nil {
			return nil, fmt.Errorf("scanning lifecycle: %w", err)
		}
		e.At = time.Unix(0, nanos)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close releases the database and codecs.
func (j *Journal) Close() error {
	j.dec.Close()
	_ = j.enc.Close()
	return j.db.Close()
}
