// Package facts implements the agent's long-term memory: a SQLite-backed
// store of memories, memory blocks and summaries, with FTS search,
// consolidation, pruning, health checks and export/import.
package facts

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"devloop/internal/logging"
)

// Store owns the facts database. Writes are serialized through a process-wide
// mutex; reads may proceed concurrently.
type Store struct {
	db     *sql.DB
	dbPath string

	// markdownPath, when set, mirrors summaries as markdown files.
	markdownPath string

	writeMu sync.Mutex
	fts     bool
}

// Open initializes the facts database at path.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "facts.Open")
	defer timer.Stop()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("failed to set foreign_keys=ON: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	s.detectFTS()
	if s.fts {
		logging.Store("facts store open at %s (FTS enabled)", path)
	} else {
		logging.Get(logging.CategoryStore).Warn("FTS5 unavailable; full-text search disabled")
	}
	return s, nil
}

// SetMarkdownPath enables markdown mirrors for summaries under dir.
func (s *Store) SetMarkdownPath(dir string) { s.markdownPath = dir }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.dbPath }

// FTSAvailable reports whether full-text search works in this build.
func (s *Store) FTSAvailable() bool { return s.fts }

// DB exposes the handle for read-only consumers (retrieval, health).
func (s *Store) DB() *sql.DB { return s.db }

// detectFTS probes for the FTS5 module by creating the virtual table.
func (s *Store) detectFTS() {
	_, err := s.db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts
		USING fts5(id UNINDEXED, content)`)
	if err != nil {
		logging.StoreDebug("FTS5 probe failed: %v", err)
		s.fts = false
		return
	}
	s.fts = true
}

// SizeBytes returns the database file size including WAL.
func (s *Store) SizeBytes() (int64, error) {
	var total int64
	for _, suffix := range []string{"", "-wal", "-shm"} {
		info, err := os.Stat(s.dbPath + suffix)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}

// withTx runs fn inside a write transaction under the writer mutex.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}
