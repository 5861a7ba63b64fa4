package hintstore

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteOptions configures OpenSQLiteStore. Path is the only required
// field; it is validated eagerly rather than surfacing a malformed-store
// error on the first Hint/SetHint call.
type SQLiteOptions struct {
	// Path is the sqlite database file. It is created if missing.
	Path string
	// MaxOpenConns caps the connection pool. modernc.org/sqlite offers no
	// connection-level locking finer than the whole database, so this is
	// mostly about bounding how many goroutines queue up behind
	// SQLITE_BUSY; it defaults to 1 (fully serialized) when unset.
	MaxOpenConns int
}

func (o SQLiteOptions) validate() error {
	if o.Path == "" {
		return fmt.Errorf("hintstore: SQLiteOptions.Path is required")
	}
	return nil
}

// SQLiteStore is a durable, single-file, pure-Go (no cgo) Store backed by
// modernc.org/sqlite, the same driver perkeep.org vendors for its own
// sorted.KeyValue sqlite backend.
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) a SQLiteStore at path, with
// default options.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return OpenSQLiteStore(SQLiteOptions{Path: path})
}

// OpenSQLiteStore opens a SQLiteStore per opts, validating opts eagerly.
func OpenSQLiteStore(opts SQLiteOptions) (*SQLiteStore, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("hintstore: open %s: %w", opts.Path, err)
	}
	maxOpen := opts.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS hints (
		entry_hash INTEGER PRIMARY KEY,
		trailer_prefetch_size INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("hintstore: create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Hint entry_hash is stored as the signed 64-bit bit pattern of the
// uint64 value; the round trip through int64 and back preserves every
// bit, sqlite having no unsigned integer type.
func (s *SQLiteStore) Hint(entryHash uint64) (int32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var v int64
	err := s.db.QueryRow(`SELECT trailer_prefetch_size FROM hints WHERE entry_hash = ?`, int64(entryHash)).Scan(&v)
	if err != nil {
		return 0, false
	}
	return int32(v), true
}

func (s *SQLiteStore) SetHint(entryHash uint64, trailerPrefetchSize int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`REPLACE INTO hints (entry_hash, trailer_prefetch_size) VALUES (?, ?)`,
		int64(entryHash), int64(trailerPrefetchSize))
	if err != nil {
		return fmt.Errorf("hintstore: set hint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
