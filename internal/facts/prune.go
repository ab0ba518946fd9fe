package facts

import (
	"database/sql"
	"fmt"
	"time"

	"devloop/internal/logging"
)

// PruneOptions bound what pruning may delete.
type PruneOptions struct {
	MaxAgeDays    int
	MinImportance float64 // rows below this may be pruned; default 0.3
}

// PruneResult reports what pruning removed.
type PruneResult struct {
	Expired    int   `json:"expired"`
	Deleted    int   `json:"deleted"`
	BytesFreed int64 `json:"bytesFreed"`
}

// highImportanceFloor: rows at or above this importance are never auto-pruned
// unless expired.
const highImportanceFloor = 0.7

// PruneMemories deletes (1) expired rows, and (2) stale low-value rows: older
// than MaxAgeDays with importance below the floor, never accessed, and not
// superseding another row.
func (s *Store) PruneMemories(opts PruneOptions) (*PruneResult, error) {
	timer := logging.StartTimer(logging.CategoryStore, "PruneMemories")
	defer timer.Stop()

	if opts.MaxAgeDays <= 0 {
		opts.MaxAgeDays = 90
	}
	if opts.MinImportance <= 0 {
		opts.MinImportance = 0.3
	}

	sizeBefore, err := s.SizeBytes()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	cutoff := now.AddDate(0, 0, -opts.MaxAgeDays).UnixMilli()
	result := &PruneResult{}

	err = s.withTx(func(tx *sql.Tx) error {
		expired, err := pruneSet(tx, s, `SELECT id FROM memories
			WHERE expires_at IS NOT NULL AND expires_at <= ?`, now.UnixMilli())
		if err != nil {
			return err
		}
		result.Expired = expired

		deleted, err := pruneSet(tx, s, `SELECT id FROM memories
			WHERE created_at < ?
			  AND importance < ?
			  AND importance < ?
			  AND access_count = 0
			  AND supersedes IS NULL
			  AND (expires_at IS NULL OR expires_at > ?)`,
			cutoff, opts.MinImportance, highImportanceFloor, now.UnixMilli())
		if err != nil {
			return err
		}
		result.Deleted = deleted
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Checkpoint so freed pages show up in the size delta.
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		logging.StoreDebug("wal_checkpoint failed: %v", err)
	}
	if sizeAfter, err := s.SizeBytes(); err == nil && sizeBefore > sizeAfter {
		result.BytesFreed = sizeBefore - sizeAfter
	}

	logging.Store("prune: %d expired, %d stale deleted, %d bytes freed",
		result.Expired, result.Deleted, result.BytesFreed)
	return result, nil
}

// pruneSet deletes the rows selected by query and unindexes them.
func pruneSet(tx *sql.Tx, s *Store, query string, args ...interface{}) (int, error) {
	rows, err := tx.Query(query, args...)
	if err != nil {
		return 0, fmt.Errorf("prune selection failed: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		if _, err := tx.Exec(`DELETE FROM memories WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("prune delete failed for %s: %w", id, err)
		}
		s.ftsDelete(tx, id)
	}
	return len(ids), nil
}
