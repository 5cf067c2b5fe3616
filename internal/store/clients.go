package store

import (
	"database/sql"
	"errors"
	"time"
)

// DefaultClientTTL is how long an idle browser session is kept.
const DefaultClientTTL = 30 * 24 * time.Hour

// TouchClient records activity for a client, creating it on first use.
func (s *Store) TouchClient(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO clients (id, created_at, last_seen) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET last_seen = excluded.last_seen`,
		id, now, now,
	)
	return err
}

// ClientLastSeen returns when a client was last active, or the zero time if
// it is unknown.
func (s *Store) ClientLastSeen(id string) (time.Time, error) {
	var t time.Time
	err := s.db.QueryRow(`SELECT last_seen FROM clients WHERE id = ?`, id).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	return t, err
}

// DeleteClient removes a client and all of its state.
func (s *Store) DeleteClient(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM client_state WHERE client_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM clients WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// PurgeIdleClients removes clients not seen within ttl and returns how many
// were removed.
func (s *Store) PurgeIdleClients(ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl)
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`DELETE FROM client_state WHERE client_id IN (SELECT id FROM clients WHERE last_seen < ?)`, cutoff,
	); err != nil {
		return 0, err
	}
	res, err := tx.Exec(`DELETE FROM clients WHERE last_seen < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}
