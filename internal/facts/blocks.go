package facts

import (
	"database/sql"
	"fmt"
	"time"
)

// BlockLabel names a memory block slot.
type BlockLabel string

const (
	BlockPersona       BlockLabel = "persona"
	BlockUserProfile   BlockLabel = "user_profile"
	BlockActiveContext BlockLabel = "active_context"
)

// validLabels is the closed set of block slots.
var validLabels = map[BlockLabel]bool{
	BlockPersona:       true,
	BlockUserProfile:   true,
	BlockActiveContext: true,
}

// MemoryBlock is a singleton labeled value, at most one row per label.
type MemoryBlock struct {
	Label     BlockLabel `json:"label"`
	Value     string     `json:"value"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// UpsertBlock writes a block, replacing any prior value for the label.
func (s *Store) UpsertBlock(label BlockLabel, value string) error {
	if !validLabels[label] {
		return fmt.Errorf("invalid block label %q", label)
	}
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO memory_blocks (label, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(label) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			label, value, time.Now().UTC().UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to upsert block %s: %w", label, err)
		}
		return nil
	})
}

// GetBlock returns a block, or (nil, nil) when absent.
func (s *Store) GetBlock(label BlockLabel) (*MemoryBlock, error) {
	var b MemoryBlock
	var updated int64
	err := s.db.QueryRow(`SELECT label, value, updated_at FROM memory_blocks WHERE label = ?`,
		label).Scan(&b.Label, &b.Value, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get block %s: %w", label, err)
	}
	b.UpdatedAt = time.UnixMilli(updated).UTC()
	return &b, nil
}

// ListBlocks returns every block.
func (s *Store) ListBlocks() ([]MemoryBlock, error) {
	rows, err := s.db.Query(`SELECT label, value, updated_at FROM memory_blocks ORDER BY label`)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocks: %w", err)
	}
	defer rows.Close()

	var out []MemoryBlock
	for rows.Next() {
		var b MemoryBlock
		var updated int64
		if err := rows.Scan(&b.Label, &b.Value, &updated); err != nil {
			return nil, err
		}
		b.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}
