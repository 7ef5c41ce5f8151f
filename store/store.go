// Package store persists module containers in a content-addressed SQLite
// database, keyed by the SHA-256 digest of the container bytes.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// ErrModuleNotFound indicates the requested module doesn't exist.
var ErrModuleNotFound = errors.New("module not found")

// ErrDigestMismatch indicates a stored record whose container bytes no
// longer hash to its recorded digest.
var ErrDigestMismatch = errors.New("digest mismatch")

// Store is a content-addressed module store backed by SQLite. Records are
// serialized with the canonical CBOR codec from wire.go, so re-storing
// identical content is idempotent.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// Open creates or opens a module store at the given path, creating parent
// directories as needed.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS modules (
		digest TEXT PRIMARY KEY,
		name   TEXT NOT NULL,
		record BLOB NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Put stores a module container and returns its content digest. Storing the
// same bytes twice is a no-op that returns the same digest.
func (s *Store) Put(name string, container []byte) ([32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := NewRecord(name, container)
	data, err := MarshalRecord(rec)
	if err != nil {
		return [32]byte{}, fmt.Errorf("encoding record: %w", err)
	}

	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO modules (digest, name, record) VALUES (?, ?, ?)",
		hex.EncodeToString(rec.Digest[:]), name, data,
	)
	if err != nil {
		return [32]byte{}, fmt.Errorf("saving module: %w", err)
	}
	return rec.Digest, nil
}

// Get retrieves a module container by digest, verifying content integrity.
func (s *Store) Get(digest [32]byte) (*Record, error) {
	var data []byte
	err := s.db.QueryRow(
		"SELECT record FROM modules WHERE digest = ?",
		hex.EncodeToString(digest[:]),
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrModuleNotFound
		}
		return nil, fmt.Errorf("querying module: %w", err)
	}

	rec, err := UnmarshalRecord(data)
	if err != nil {
		return nil, err
	}
	if sha256.Sum256(rec.Container) != rec.Digest {
		return nil, fmt.Errorf("%w: %s", ErrDigestMismatch, hex.EncodeToString(digest[:8]))
	}
	return rec, nil
}

// GetNamed retrieves the most recently stored module with the given name.
func (s *Store) GetNamed(name string) (*Record, error) {
	var data []byte
	err := s.db.QueryRow(
		"SELECT record FROM modules WHERE name = ? ORDER BY rowid DESC LIMIT 1",
		name,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrModuleNotFound
		}
		return nil, fmt.Errorf("querying module: %w", err)
	}
	return UnmarshalRecord(data)
}

// List returns the name and digest of every stored module.
func (s *Store) List() ([]Entry, error) {
	rows, err := s.db.Query("SELECT digest, name FROM modules ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("listing modules: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var digestHex, name string
		if err := rows.Scan(&digestHex, &name); err != nil {
			return nil, fmt.Errorf("scanning module row: %w", err)
		}
		raw, err := hex.DecodeString(digestHex)
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("corrupt digest for %q", name)
		}
		var e Entry
		e.Name = name
		copy(e.Digest[:], raw)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Entry identifies one stored module.
type Entry struct {
	Name   string
	Digest [32]byte
}
