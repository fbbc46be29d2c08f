// Package statestore is the dashboard's local key-value cache. It remembers
// the backend address and the legacy session id between restarts. Storage
// being unavailable is never fatal: reads fall back to empty values.
package statestore

import (
	"database/sql"
	"fmt"
	"io"
	"log"

	_ "github.com/mattn/go-sqlite3"
)

// Well-known keys.
const (
	KeyBackendAddress = "backend_address"
	KeySessionID      = "session_id"
)

// Store is a file-backed key-value cache. A nil *Store is valid: reads
// return empty values and writes are dropped.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Open creates or opens the cache at path.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open state store %s: %w", path, err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		name  TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init state store schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Get returns the stored value, or "" when the key is absent or the store is
// unavailable. Absent means "unset"; callers never see an error.
func (s *Store) Get(key string) string {
	if s == nil || s.db == nil {
		return ""
	}
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE name = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return ""
	}
	if err != nil {
		s.logger.Printf("statestore: read %s: %v", key, err)
		return ""
	}
	return value
}

// Set stores a value. An empty value removes the key.
func (s *Store) Set(key, value string) error {
	if s == nil || s.db == nil {
		return nil
	}
	if value == "" {
		_, err := s.db.Exec(`DELETE FROM kv WHERE name = ?`, key)
		return err
	}
	_, err := s.db.Exec(
		`INSERT INTO kv (name, value) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
