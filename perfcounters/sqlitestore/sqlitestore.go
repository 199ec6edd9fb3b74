// Package sqlitestore persists per-rank coalescing counters to a SQLite
// database, a reference perfcounters.Hooks implementation used by
// cmd/ampp-demo and this module's own tests.
//
// Grounded on the teacher's syncharvester.go/router.go pattern of
// sql.Open("sqlite3", path) followed by schema creation with
// CREATE TABLE IF NOT EXISTS and prepared statements for the hot
// insert path; repurposed here from pool/reserve persistence to
// message-received/full-buffer-send/flushed-message counters.
package sqlitestore

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lums658/ampp/rank"
)

const schema = `
CREATE TABLE IF NOT EXISTS message_received (
	src INTEGER PRIMARY KEY,
	count INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS full_buffer_send (
	dest INTEGER PRIMARY KEY,
	count INTEGER NOT NULL DEFAULT 0,
	elements INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS flushed_message (
	dest INTEGER PRIMARY KEY,
	count INTEGER NOT NULL DEFAULT 0,
	elements INTEGER NOT NULL DEFAULT 0
);
`

// Store is a perfcounters.Hooks backed by a SQLite database. Every
// method opens a short-lived upsert against its counter table; callers
// driving high event rates should not expect Store to keep pace with a
// hot send/flush path and should instead prefer an in-memory Hooks
// that periodically snapshots into a Store.
type Store struct {
	db *sql.DB

	upsertReceived *sql.Stmt
	upsertFullSend *sql.Stmt
	upsertFlushed  *sql.Stmt
}

// Open creates or opens the SQLite database at path, applies the
// counter schema, and prepares the hot-path statements.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: set journal_mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: apply schema: %w", err)
	}

	s := &Store{db: db}
	stmts := []struct {
		dst  **sql.Stmt
		name string
		sql  string
	}{
		{&s.upsertReceived, "message_received", `
			INSERT INTO message_received (src, count) VALUES (?, 1)
			ON CONFLICT(src) DO UPDATE SET count = count + 1`},
		{&s.upsertFullSend, "full_buffer_send", `
			INSERT INTO full_buffer_send (dest, count, elements) VALUES (?, 1, ?)
			ON CONFLICT(dest) DO UPDATE SET count = count + 1, elements = elements + ?`},
		{&s.upsertFlushed, "flushed_message", `
			INSERT INTO flushed_message (dest, count, elements) VALUES (?, 1, ?)
			ON CONFLICT(dest) DO UPDATE SET count = count + 1, elements = elements + ?`},
	}
	for _, st := range stmts {
		stmt, err := db.Prepare(st.sql)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlitestore: prepare %s: %w", st.name, err)
		}
		*st.dst = stmt
	}
	return s, nil
}

// Close releases the prepared statements and the underlying database
// handle.
func (s *Store) Close() error {
	s.upsertReceived.Close()
	s.upsertFullSend.Close()
	s.upsertFlushed.Close()
	return s.db.Close()
}

// MessageReceived implements perfcounters.Hooks.
func (s *Store) MessageReceived(src rank.Rank) {
	if _, err := s.upsertReceived.Exec(int(src)); err != nil {
		panic(fmt.Errorf("sqlitestore: MessageReceived: %w", err))
	}
}

// FullBufferSend implements perfcounters.Hooks.
func (s *Store) FullBufferSend(dest rank.Rank, count int) {
	if _, err := s.upsertFullSend.Exec(int(dest), count, count); err != nil {
		panic(fmt.Errorf("sqlitestore: FullBufferSend: %w", err))
	}
}

// FlushedMessage implements perfcounters.Hooks.
func (s *Store) FlushedMessage(dest rank.Rank, count int) {
	if _, err := s.upsertFlushed.Exec(int(dest), count, count); err != nil {
		panic(fmt.Errorf("sqlitestore: FlushedMessage: %w", err))
	}
}

// ReceivedCount returns the persisted message_received count for src,
// for tests and the demo's summary printout.
func (s *Store) ReceivedCount(src rank.Rank) (int64, error) {
	var n int64
	err := s.db.QueryRow("SELECT count FROM message_received WHERE src = ?", int(src)).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}
