// Package chatstore is the durable, ordered, append-only persistence
// layer for conversations, messages, traces, feedback, A/B comparisons,
// and per-conversation document selection. One SQLite database per
// deployment (WAL mode, foreign keys on), with the schema embedded in
// the binary.
package chatstore

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store is the sole owner of the relational chat tables. Turn ordering
// (a per-conversation lock held for the duration of a turn) is enforced
// at the application layer via the lock registry below, not by the
// database.
type Store struct {
	db *sql.DB

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex
}

// Open opens or creates a SQLite database at dsn, enabling WAL mode and
// foreign keys, and applies the embedded schema (idempotent: every
// statement is CREATE TABLE/INDEX IF NOT EXISTS).
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("chatstore: empty dsn")
	}
	if dsn != ":memory:" {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("chatstore: create db directory: %w", err)
			}
		}
	}

	escaped := strings.ReplaceAll(dsn, " ", "%20")
	db, err := sql.Open("sqlite", "file:"+escaped+"?_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("chatstore: open %s: %w", dsn, err)
	}
	// A single connection keeps SQLite's locking semantics simple; the
	// per-conversation mutex registry is the real concurrency control.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("chatstore: enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("chatstore: enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("chatstore: apply schema: %w", err)
	}

	return &Store{db: db, locks: make(map[int64]*sync.Mutex)}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw connection for callers (migrations, admin tooling)
// that need it; normal access goes through the typed methods below.
func (s *Store) DB() *sql.DB { return s.db }

// Lock acquires the per-conversation turn lock and returns a function
// that releases it. Messages within a conversation are serialized: the
// lock is held for the duration of a turn, so concurrent turns on the
// same conversation are impossible while turns across conversations
// proceed in parallel.
func (s *Store) Lock(conversationID int64) func() {
	s.locksMu.Lock()
	mu, ok := s.locks[conversationID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[conversationID] = mu
	}
	s.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}
