// Package store persists client sessions in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/neurotutor/neurotutor/internal/session"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS store_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS clients (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL,
		last_seen DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS client_state (
		client_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (client_id, key)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	v, err := s.GetMetadata("schema_version")
	if err != nil {
		return err
	}
	if v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("schema version %q: %w", v, err)
		}
		if n > schemaVersion {
			return fmt.Errorf("database schema version %d is newer than supported %d", n, schemaVersion)
		}
	}
	return s.SetMetadata("schema_version", strconv.Itoa(schemaVersion))
}

// SetMetadata upserts a key-value pair in the store_metadata table.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO store_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?`,
		key, value, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM store_metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// Namespace returns the session store of one client.
func (s *Store) Namespace(clientID string) *Namespace {
	return &Namespace{db: s.db, clientID: clientID}
}

// Namespace is a session.Store scoped to one client.
type Namespace struct {
	db       *sql.DB
	clientID string
}

var _ session.Store = (*Namespace)(nil)

func (n *Namespace) Get(key string) (string, bool, error) {
	var value string
	err := n.db.QueryRow(
		`SELECT value FROM client_state WHERE client_id = ? AND key = ?`, n.clientID, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

func (n *Namespace) Set(key, value string) error {
	_, err := n.db.Exec(
		`INSERT INTO client_state (client_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(client_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		n.clientID, key, value, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (n *Namespace) Clear(keys ...string) error {
	tx, err := n.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, k := range keys {
		if _, err := tx.Exec(`DELETE FROM client_state WHERE client_id = ? AND key = ?`, n.clientID, k); err != nil {
			return fmt.Errorf("clear %s: %w", k, err)
		}
	}
	return tx.Commit()
}
