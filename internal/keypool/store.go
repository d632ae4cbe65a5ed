package keypool

import (
	"database/sql"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Store persists CredentialState as msgpack blobs in a single sqlite table,
// keyed by credential ID. Uses msgpack rather than JSON since this is
// process-internal state, not a human-inspectable cache.
type Store struct {
	db *sql.DB
}

// NewStore wraps an existing *sql.DB. The caller owns the connection's
// lifecycle; Store only issues statements against the keypool_state table,
// which EnsureSchema creates if missing.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the keypool_state table if it does not already exist.
func (s *Store) EnsureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS keypool_state (
			credential_id TEXT PRIMARY KEY,
			state BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create keypool_state table: %w", err)
	}
	return nil
}

// Save upserts a credential's current state.
func (s *Store) Save(state *CredentialState) error {
	blob, err := msgpack.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal credential state: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO keypool_state (credential_id, state, updated_at)
		 VALUES (?, ?, strftime('%s','now'))
		 ON CONFLICT(credential_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		state.CredentialID, blob,
	)
	if err != nil {
		return fmt.Errorf("failed to persist credential state for %s: %w", state.CredentialID, err)
	}
	return nil
}

// Load returns the persisted state for a credential, or nil if none exists.
func (s *Store) Load(credentialID string) (*CredentialState, error) {
	var blob []byte
	err := s.db.QueryRow(`SELECT state FROM keypool_state WHERE credential_id = ?`, credentialID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential state for %s: %w", credentialID, err)
	}
	var state CredentialState
	if err := msgpack.Unmarshal(blob, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential state for %s: %w", credentialID, err)
	}
	return &state, nil
}
