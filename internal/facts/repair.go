package facts

import (
	"database/sql"
	"fmt"

	"devloop/internal/logging"
)

// IntegrityReport is the result of CheckIntegrity.
type IntegrityReport struct {
	OK       bool     `json:"ok"`
	Messages []string `json:"messages"`
}

// CheckIntegrity runs PRAGMA integrity_check plus referential sanity checks
// on supersedes links.
func (s *Store) CheckIntegrity() (*IntegrityReport, error) {
	report := &IntegrityReport{OK: true}

	rows, err := s.db.Query(`PRAGMA integrity_check`)
	if err != nil {
		return nil, fmt.Errorf("integrity check failed to run: %w", err)
	}
	for rows.Next() {
		var msg string
		if err := rows.Scan(&msg); err != nil {
			rows.Close()
			return nil, err
		}
		if msg != "ok" {
			report.OK = false
			report.Messages = append(report.Messages, msg)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var dangling int
	err = s.db.QueryRow(`SELECT COUNT(*) FROM memories m
		WHERE m.supersedes IS NOT NULL
		  AND NOT EXISTS (SELECT 1 FROM memories p WHERE p.id = m.supersedes)`).Scan(&dangling)
	if err != nil {
		return nil, fmt.Errorf("supersedes check failed: %w", err)
	}
	if dangling > 0 {
		report.OK = false
		report.Messages = append(report.Messages,
			fmt.Sprintf("%d memories supersede rows that no longer exist", dangling))
	}

	if report.OK {
		report.Messages = append(report.Messages, "ok")
	}
	return report, nil
}

// RebuildFTS drops and repopulates the FTS index from the memories table.
// Returns the number of rows reindexed, or an error when FTS is unavailable.
func (s *Store) RebuildFTS() (int, error) {
	if !s.fts {
		return 0, fmt.Errorf("FTS5 is not available in this build")
	}

	var reindexed int
	err := s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM memories_fts`); err != nil {
			return fmt.Errorf("failed to clear FTS index: %w", err)
		}
		res, err := tx.Exec(`INSERT INTO memories_fts (id, content)
			SELECT id, content FROM memories`)
		if err != nil {
			return fmt.Errorf("failed to rebuild FTS index: %w", err)
		}
		n, _ := res.RowsAffected()
		reindexed = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	logging.Store("FTS rebuilt, %d rows reindexed", reindexed)
	return reindexed, nil
}

// Vacuum reclaims free pages. Always safe.
func (s *Store) Vacuum() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.Exec(`VACUUM`); err != nil {
		return fmt.Errorf("vacuum failed: %w", err)
	}
	logging.Store("vacuum complete")
	return nil
}
