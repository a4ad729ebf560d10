// Package storage is the history collaborator: durable, tail-readable
// direct/group message logs and atomic group-state persistence, backed
// by SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDBFileName is the SQLite filename under the data directory.
const DefaultDBFileName = "store.db"

// DefaultWALCheckpointInterval controls periodic WAL truncation.
const DefaultWALCheckpointInterval = 24 * time.Hour

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS direct_messages (
  message_id  TEXT PRIMARY KEY,
  peer_id     TEXT NOT NULL,
  from_id     TEXT NOT NULL,
  text        TEXT NOT NULL,
  timestamp   INTEGER NOT NULL,
  originated  INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_direct_messages_peer_time
ON direct_messages (peer_id, timestamp, message_id);
`,
	`
CREATE TABLE IF NOT EXISTS groups (
  group_id   TEXT PRIMARY KEY,
  name       TEXT NOT NULL,
  members    TEXT NOT NULL,
  master_id  TEXT NOT NULL,
  epoch      INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS group_messages (
  message_id TEXT NOT NULL,
  group_id   TEXT NOT NULL,
  from_id    TEXT NOT NULL,
  text       TEXT NOT NULL,
  timestamp  INTEGER NOT NULL,
  PRIMARY KEY (group_id, message_id)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_group_messages_group_time
ON group_messages (group_id, timestamp, message_id);
`,
	`
CREATE TABLE IF NOT EXISTS file_transfers (
  file_id     TEXT PRIMARY KEY,
  peer_id     TEXT NOT NULL,
  direction   TEXT NOT NULL CHECK(direction IN ('send','receive')),
  filename    TEXT NOT NULL,
  size        INTEGER NOT NULL,
  stored_path TEXT NOT NULL DEFAULT '',
  status      TEXT NOT NULL CHECK(status IN ('in_progress','complete','failed')) DEFAULT 'in_progress',
  timestamp   INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_file_transfers_peer_time
ON file_transfers (peer_id, timestamp DESC, file_id);
`,
}

// Store is a thin wrapper around a SQLite connection (in WAL mode) that
// serializes every query, reads and writes alike, through a single
// mutex, mirroring the reference implementation's own sync.Mutex-wrapped
// *sql.DB.
type Store struct {
	db *sql.DB

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	closeOnce             sync.Once

	mu sync.Mutex
}

// Open opens (or creates) store.db under dataDir and runs migrations.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return OpenPath(filepath.Join(dataDir, DefaultDBFileName))
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                    db,
		walCheckpointInterval: DefaultWALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startWALCheckpointLoop()

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.walCheckpointStop)
		s.walCheckpointWG.Wait()
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}
	return tx.Commit()
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) startWALCheckpointLoop() {
	if s.walCheckpointInterval <= 0 {
		return
	}
	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(s.walCheckpointInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);")
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}
