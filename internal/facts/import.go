package facts

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"

	"devloop/internal/logging"
)

// ImportMode selects merge or replace semantics.
type ImportMode string

const (
	// ImportMerge upserts by id, skipping rows whose stored copy is equal or
	// newer.
	ImportMerge ImportMode = "merge"
	// ImportReplace deletes everything then inserts, transactionally.
	ImportReplace ImportMode = "replace"
)

// ImportResult reports what an import did.
type ImportResult struct {
	Memories  int `json:"memories"`
	Blocks    int `json:"blocks"`
	Summaries int `json:"summaries"`
	Skipped   int `json:"skipped"`
	Malformed int `json:"malformed"`
}

// Import reads JSONL produced by Export. The whole import is one
// transaction: a failure leaves the store untouched.
func (s *Store) Import(r io.Reader, mode ImportMode) (*ImportResult, error) {
	timer := logging.StartTimer(logging.CategoryExport, "Import")
	defer timer.Stop()

	if mode != ImportMerge && mode != ImportReplace {
		return nil, fmt.Errorf("invalid import mode %q", mode)
	}

	result := &ImportResult{}
	err := s.withTx(func(tx *sql.Tx) error {
		if mode == ImportReplace {
			for _, table := range []string{"memories", "memory_blocks", "daily_summaries", "weekly_summaries"} {
				if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
					return fmt.Errorf("replace: failed to clear %s: %w", table, err)
				}
			}
			if s.fts {
				if _, err := tx.Exec(`DELETE FROM memories_fts`); err != nil {
					logging.StoreDebug("replace: failed to clear FTS: %v", err)
				}
			}
		}

		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var rec exportLine
			if err := json.Unmarshal(line, &rec); err != nil {
				result.Malformed++
				continue
			}
			if err := s.importLine(tx, mode, &rec, result); err != nil {
				return err
			}
		}
		return scanner.Err()
	})
	if err != nil {
		return nil, err
	}
	logging.Export("import (%s): %d memories, %d blocks, %d summaries, %d skipped, %d malformed",
		mode, result.Memories, result.Blocks, result.Summaries, result.Skipped, result.Malformed)
	return result, nil
}

func (s *Store) importLine(tx *sql.Tx, mode ImportMode, rec *exportLine, result *ImportResult) error {
	switch rec.Kind {
	case "memory":
		if rec.Memory == nil || rec.Memory.ID == "" {
			result.Malformed++
			return nil
		}
		return s.importMemory(tx, mode, rec.Memory, result)
	case "block":
		if rec.Block == nil || rec.Block.Label == "" {
			result.Malformed++
			return nil
		}
		_, err := tx.Exec(`INSERT INTO memory_blocks (label, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(label) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			rec.Block.Label, rec.Block.Value, rec.Block.UpdatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("import block %s failed: %w", rec.Block.Label, err)
		}
		result.Blocks++
		return nil
	case "summary":
		switch {
		case rec.Daily != nil:
			_, err := tx.Exec(`INSERT INTO daily_summaries (date, content, created_at) VALUES (?, ?, ?)
				ON CONFLICT(date) DO UPDATE SET content = excluded.content, created_at = excluded.created_at`,
				rec.Daily.Date, rec.Daily.Content, rec.Daily.CreatedAt.UnixMilli())
			if err != nil {
				return fmt.Errorf("import daily summary %s failed: %w", rec.Daily.Date, err)
			}
			result.Summaries++
		case rec.Weekly != nil:
			_, err := tx.Exec(`INSERT INTO weekly_summaries (week, content, created_at) VALUES (?, ?, ?)
				ON CONFLICT(week) DO UPDATE SET content = excluded.content, created_at = excluded.created_at`,
				rec.Weekly.Week, rec.Weekly.Content, rec.Weekly.CreatedAt.UnixMilli())
			if err != nil {
				return fmt.Errorf("import weekly summary %s failed: %w", rec.Weekly.Week, err)
			}
			result.Summaries++
		default:
			result.Malformed++
		}
		return nil
	default:
		result.Malformed++
		return nil
	}
}

func (s *Store) importMemory(tx *sql.Tx, mode ImportMode, m *Memory, result *ImportResult) error {
	if mode == ImportMerge {
		var existingUpdated int64
		err := tx.QueryRow(`SELECT updated_at FROM memories WHERE id = ?`, m.ID).Scan(&existingUpdated)
		switch {
		case err == sql.ErrNoRows:
			// insert below
		case err != nil:
			return fmt.Errorf("import lookup %s failed: %w", m.ID, err)
		case existingUpdated >= m.UpdatedAt.UnixMilli():
			result.Skipped++
			return nil
		default:
			if _, err := tx.Exec(`DELETE FROM memories WHERE id = ?`, m.ID); err != nil {
				return fmt.Errorf("import upsert %s failed: %w", m.ID, err)
			}
			s.ftsDelete(tx, m.ID)
		}
	}

	tags, err := marshalTags(m.Tags)
	if err != nil {
		return err
	}
	embedding, err := marshalEmbedding(m.Embedding)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO memories (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Type, m.Content, m.Source, m.Importance, m.Confidence,
		m.CreatedAt.UnixMilli(), m.LastAccessedAt.UnixMilli(), m.UpdatedAt.UnixMilli(),
		m.AccessCount, nullableMillis(m.ExpiresAt), tags,
		nullableString(m.Supersedes), nullableString(m.SupersededBy), embedding)
	if err != nil {
		return fmt.Errorf("import insert %s failed: %w", m.ID, err)
	}
	s.ftsInsert(tx, m.ID, m.Content)
	result.Memories++
	return nil
}
