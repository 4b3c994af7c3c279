// Package tokenstore persists per-(device, role) device tokens issued
// by the gateway after a successful signed handshake. Tokens are the
// only credential this client writes; the shared fallback token comes
// from configuration and is never stored here.
package tokenstore

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed device token store. Safe for concurrent use
// by both connection roles.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if needed) the token database at path. Use
// ":memory:" for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open token store: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize token store schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS device_tokens (
			device_id TEXT NOT NULL,
			role      TEXT NOT NULL,
			token     TEXT NOT NULL,
			issued_at INTEGER NOT NULL,
			PRIMARY KEY (device_id, role)
		)
	`)
	return err
}

// Get returns the stored token for (deviceID, role), or "" if none is
// stored.
func (s *Store) Get(deviceID, role string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var token string
	err := s.db.QueryRow(
		"SELECT token FROM device_tokens WHERE device_id = ? AND role = ?",
		deviceID, role,
	).Scan(&token)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read device token: %w", err)
	}
	return token, nil
}

// Put stores or replaces the token for (deviceID, role).
func (s *Store) Put(deviceID, role, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO device_tokens (device_id, role, token, issued_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (device_id, role) DO UPDATE SET token = excluded.token, issued_at = excluded.issued_at
	`, deviceID, role, token, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store device token: %w", err)
	}

	log.Debug().Str("device_id", deviceID).Str("role", role).Msg("Stored device token")
	return nil
}

// Delete discards the token for (deviceID, role). Deleting a missing
// token is not an error; the next connect falls back to the shared
// token either way.
func (s *Store) Delete(deviceID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"DELETE FROM device_tokens WHERE device_id = ? AND role = ?",
		deviceID, role,
	)
	if err != nil {
		return fmt.Errorf("failed to delete device token: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
