package security

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a Store backed by SQLite. A UNIQUE index on the PSK
// identity column backs the identity invariant; replacement runs in one
// transaction.
type SQLiteStore struct {
	db     *sql.DB
	sealer Sealer
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithSealer encrypts PSK keys at rest.
func WithSealer(s Sealer) SQLiteOption {
	return func(st *SQLiteStore) { st.sealer = s }
}

// NewSQLiteStore opens (and migrates) the database at path.
// Use ":memory:" for an in-memory database.
func NewSQLiteStore(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	s := &SQLiteStore{db: db}
	for _, o := range opts {
		o(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS security_info (
		endpoint TEXT PRIMARY KEY,
		mode INTEGER NOT NULL,
		psk_identity TEXT,
		psk_key BLOB,
		public_key BLOB,
		updated_at DATETIME NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_security_info_identity
		ON security_info(psk_identity) WHERE psk_identity IS NOT NULL;
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scan(row rowScanner) (*SecurityInfo, error) {
	var (
		info     SecurityInfo
		mode     int
		identity sql.NullString
		key      []byte
		pub      []byte
	)
	if err := row.Scan(&info.Endpoint, &mode, &identity, &key, &pub); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	info.Mode = Mode(mode)
	info.PSKIdentity = identity.String
	info.PublicKey = pub
	if len(key) > 0 && s.sealer != nil {
		plain, err := s.sealer.Open(key)
		if err != nil {
			return nil, fmt.Errorf("unseal psk for %s: %w", info.Endpoint, err)
		}
		key = plain
	}
	info.PSKKey = key
	return &info, nil
}

const selectInfo = `SELECT endpoint, mode, psk_identity, psk_key, public_key FROM security_info`

// Get returns the info for endpoint.
func (s *SQLiteStore) Get(endpoint string) (*SecurityInfo, error) {
	return s.scan(s.db.QueryRow(selectInfo+` WHERE endpoint = ?`, endpoint))
}

// GetByIdentity returns the info holding identity.
func (s *SQLiteStore) GetByIdentity(identity string) (*SecurityInfo, error) {
	return s.scan(s.db.QueryRow(selectInfo+` WHERE psk_identity = ?`, identity))
}

// GetByPublicKey returns an RPK entry holding key.
func (s *SQLiteStore) GetByPublicKey(key []byte) (*SecurityInfo, error) {
	return s.scan(s.db.QueryRow(selectInfo+` WHERE mode = ? AND public_key = ? LIMIT 1`, int(ModeRPK), key))
}

// Add stores info, replacing any previous entry for the endpoint.
func (s *SQLiteStore) Add(info *SecurityInfo) (*SecurityInfo, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}

	key := info.PSKKey
	if len(key) > 0 && s.sealer != nil {
		sealed, err := s.sealer.Seal(key)
		if err != nil {
			return nil, err
		}
		key = sealed
	}
	identity := sql.NullString{String: info.PSKIdentity, Valid: info.Mode == ModePSK}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if identity.Valid {
		var owner string
		err := tx.QueryRow(`SELECT endpoint FROM security_info WHERE psk_identity = ? AND endpoint <> ?`,
			info.PSKIdentity, info.Endpoint).Scan(&owner)
		switch {
		case err == nil:
			return nil, &DuplicateIdentityError{Identity: info.PSKIdentity, Owner: owner, Endpoint: info.Endpoint}
		case !errors.Is(err, sql.ErrNoRows):
			return nil, err
		}
	}

	prev, err := s.scan(tx.QueryRow(selectInfo+` WHERE endpoint = ?`, info.Endpoint))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	_, err = tx.Exec(`
		INSERT INTO security_info (endpoint, mode, psk_identity, psk_key, public_key, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET
			mode = excluded.mode,
			psk_identity = excluded.psk_identity,
			psk_key = excluded.psk_key,
			public_key = excluded.public_key,
			updated_at = excluded.updated_at
	`, info.Endpoint, int(info.Mode), identity, key, info.PublicKey, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return prev, nil
}

// Remove deletes the endpoint's entry.
func (s *SQLiteStore) Remove(endpoint string) (*SecurityInfo, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	prev, err := s.scan(tx.QueryRow(selectInfo+` WHERE endpoint = ?`, endpoint))
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`DELETE FROM security_info WHERE endpoint = ?`, endpoint); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return prev, nil
}

// All returns every stored entry ordered by endpoint.
func (s *SQLiteStore) All() ([]*SecurityInfo, error) {
	rows, err := s.db.Query(selectInfo + ` ORDER BY endpoint`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SecurityInfo
	for rows.Next() {
		info, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}
