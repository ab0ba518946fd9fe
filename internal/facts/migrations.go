package facts

import "fmt"

// migrations run in order; schema_version tracks the last applied index.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS memories (
		id               TEXT PRIMARY KEY,
		type             TEXT NOT NULL,
		content          TEXT NOT NULL,
		source           TEXT NOT NULL DEFAULT 'explicit',
		importance       REAL NOT NULL DEFAULT 0.5,
		confidence       REAL NOT NULL DEFAULT 1.0,
		created_at       INTEGER NOT NULL,
		last_accessed_at INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL,
		access_count     INTEGER NOT NULL DEFAULT 0,
		expires_at       INTEGER,
		tags             TEXT,
		supersedes       TEXT,
		superseded_by    TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(type);
	CREATE INDEX IF NOT EXISTS idx_memories_importance ON memories(importance DESC);
	CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at DESC);

	CREATE TABLE IF NOT EXISTS memory_blocks (
		label      TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS daily_summaries (
		date       TEXT PRIMARY KEY,
		content    TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS weekly_summaries (
		week       TEXT PRIMARY KEY,
		content    TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS extraction_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		at         INTEGER NOT NULL,
		ok         INTEGER NOT NULL,
		facts      INTEGER NOT NULL DEFAULT 0,
		error      TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_extraction_log_at ON extraction_log(at DESC);`,

	// Embedding vectors ride along as opaque JSON; retrieval does not use
	// them, but export/import must not drop them.
	`ALTER TABLE memories ADD COLUMN embedding TEXT;`,
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create schema_version: %w", err)
	}

	var version int
	row := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, i+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", i+1, err)
		}
	}
	return nil
}
