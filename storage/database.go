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

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "chatsync.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultSeenIDRetention bounds how long counted message IDs are kept.
	DefaultSeenIDRetention = 30 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS messages (
  message_id   TEXT PRIMARY KEY,
  temp_id      TEXT NOT NULL DEFAULT '',
  target_kind  TEXT NOT NULL CHECK(target_kind IN ('direct','group')),
  target_id    TEXT NOT NULL,
  sender_id    TEXT NOT NULL,
  body_json    TEXT NOT NULL,
  status       TEXT NOT NULL CHECK(status IN ('pending','sent','delivered','read','failed')) DEFAULT 'sent',
  edited       INTEGER NOT NULL DEFAULT 0,
  created_at   INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_target_time
ON messages (target_kind, target_id, created_at DESC, message_id);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_sender_target
ON messages (sender_id, target_kind, target_id);
`,
	`
CREATE TABLE IF NOT EXISTS conversations (
  target_kind       TEXT NOT NULL CHECK(target_kind IN ('direct','group')),
  target_id         TEXT NOT NULL,
  name              TEXT NOT NULL DEFAULT '',
  last_message_id   TEXT NOT NULL DEFAULT '',
  last_preview      TEXT NOT NULL DEFAULT '',
  last_message_time INTEGER NOT NULL DEFAULT 0,
  unread_count      INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (target_kind, target_id)
);
`,
	`
CREATE TABLE IF NOT EXISTS seen_messages (
  target_kind TEXT NOT NULL CHECK(target_kind IN ('direct','group')),
  target_id   TEXT NOT NULL,
  message_id  TEXT NOT NULL,
  seen_at     INTEGER NOT NULL,
  PRIMARY KEY (target_kind, target_id, message_id)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_seen_messages_seen_at
ON seen_messages (seen_at);
`,
	`
CREATE TABLE IF NOT EXISTS call_history (
  call_id     TEXT PRIMARY KEY,
  peer_id     TEXT NOT NULL,
  direction   TEXT NOT NULL CHECK(direction IN ('outgoing','incoming')),
  media_kind  TEXT NOT NULL CHECK(media_kind IN ('voice','video')),
  outcome     TEXT NOT NULL,
  reason      TEXT NOT NULL DEFAULT '',
  started_at  INTEGER NOT NULL,
  ended_at    INTEGER NOT NULL,
  duration_s  INTEGER NOT NULL DEFAULT 0
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_call_history_time
ON call_history (started_at DESC, call_id);
`,
}

// Store is the local SQLite cache of messages, summaries and call history.
type Store struct {
	db *sql.DB

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	seenIDRetention       time.Duration
	closeOnce             sync.Once
}

// Open opens (or creates) chatsync.db under the given data directory and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
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
		seenIDRetention:       DefaultSeenIDRetention,
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.pruneSeenIDs()
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
		if s.walCheckpointStop != nil {
			close(s.walCheckpointStop)
			s.walCheckpointWG.Wait()
		}
		closeErr = s.db.Close()
		s.db = nil
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
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
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

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.walCheckpointStop == nil {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.checkpointWAL()
				s.pruneSeenIDs()
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}

func (s *Store) pruneSeenIDs() {
	if s.seenIDRetention <= 0 {
		return
	}
	_, _ = s.PruneSeen(time.Now().Add(-s.seenIDRetention))
}
