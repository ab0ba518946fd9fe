package facts

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"devloop/internal/logging"
)

// MemoryType classifies what a memory captures.
type MemoryType string

const (
	TypeFact       MemoryType = "fact"
	TypePreference MemoryType = "preference"
	TypeDecision   MemoryType = "decision"
	TypeEvent      MemoryType = "event"
	TypeTodo       MemoryType = "todo"
)

// ValidTypes lists every memory type.
var ValidTypes = []MemoryType{TypeFact, TypePreference, TypeDecision, TypeEvent, TypeTodo}

// MemorySource records where a memory came from.
type MemorySource string

const (
	SourceExplicit     MemorySource = "explicit"
	SourceInferred     MemorySource = "inferred"
	SourceConversation MemorySource = "conversation"
)

// Memory is one row in the memories table.
type Memory struct {
	ID             string       `json:"id"`
	Type           MemoryType   `json:"type"`
	Content        string       `json:"content"`
	Source         MemorySource `json:"source"`
	Importance     float64      `json:"importance"` // [0,1]
	Confidence     float64      `json:"confidence"` // [0,1]
	CreatedAt      time.Time    `json:"createdAt"`
	LastAccessedAt time.Time    `json:"lastAccessedAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
	AccessCount    int          `json:"accessCount"`
	ExpiresAt      *time.Time   `json:"expiresAt,omitempty"`
	Tags           []string     `json:"tags,omitempty"`
	Supersedes     string       `json:"supersedes,omitempty"`
	SupersededBy   string       `json:"supersededBy,omitempty"`
	// Embedding is an optional vector stored as opaque JSON. Retrieval does
	// not consult it; it exists so round-trips preserve it.
	Embedding []float64 `json:"embedding,omitempty"`
}

// MemoryPatch is a partial update; nil fields are untouched.
type MemoryPatch struct {
	Content      *string
	Importance   *float64
	Confidence   *float64
	ExpiresAt    *time.Time
	Tags         *[]string
	SupersededBy *string
}

// ListOptions filter and bound List.
type ListOptions struct {
	Type  MemoryType // empty matches all
	Limit int        // 0 means no cap
}

const memoryColumns = `id, type, content, source, importance, confidence,
	created_at, last_accessed_at, updated_at, access_count, expires_at,
	tags, supersedes, superseded_by, embedding`

// Add inserts a memory, assigning an id and timestamps when missing.
func (s *Store) Add(m *Memory) error {
	if m.Content == "" {
		return fmt.Errorf("memory content is required")
	}
	if !validType(m.Type) {
		return fmt.Errorf("invalid memory type %q", m.Type)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Source == "" {
		m.Source = SourceExplicit
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.LastAccessedAt.IsZero() {
		m.LastAccessedAt = m.CreatedAt
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	m.Importance = clamp01(m.Importance)
	m.Confidence = clamp01(m.Confidence)

	tags, err := marshalTags(m.Tags)
	if err != nil {
		return err
	}
	embedding, err := marshalEmbedding(m.Embedding)
	if err != nil {
		return err
	}

	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO memories (`+memoryColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.Type, m.Content, m.Source, m.Importance, m.Confidence,
			m.CreatedAt.UnixMilli(), m.LastAccessedAt.UnixMilli(), m.UpdatedAt.UnixMilli(),
			m.AccessCount, nullableMillis(m.ExpiresAt), tags,
			nullableString(m.Supersedes), nullableString(m.SupersededBy), embedding)
		if err != nil {
			return fmt.Errorf("failed to insert memory: %w", err)
		}
		if m.Supersedes != "" {
			if _, err := tx.Exec(`UPDATE memories SET superseded_by = ?, updated_at = ?
				WHERE id = ?`, m.ID, now.UnixMilli(), m.Supersedes); err != nil {
				return fmt.Errorf("failed to link superseded memory: %w", err)
			}
		}
		s.ftsInsert(tx, m.ID, m.Content)
		return nil
	})
}

// Get returns a memory by id and records the access: accessCount increments
// and lastAccessedAt advances. Returns (nil, nil) when absent.
func (s *Store) Get(id string) (*Memory, error) {
	m, err := s.fetch(id)
	if err != nil || m == nil {
		return m, err
	}
	now := time.Now().UTC()
	err = s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE memories
			SET access_count = access_count + 1, last_accessed_at = ?
			WHERE id = ?`, now.UnixMilli(), id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record access: %w", err)
	}
	m.AccessCount++
	m.LastAccessedAt = now
	return m, nil
}

// Peek returns a memory without recording an access.
func (s *Store) Peek(id string) (*Memory, error) {
	return s.fetch(id)
}

func (s *Store) fetch(id string) (*Memory, error) {
	row := s.db.QueryRow(`SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// Update applies a partial patch. createdAt never changes.
func (s *Store) Update(id string, patch MemoryPatch) error {
	var sets []string
	var args []interface{}

	if patch.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *patch.Content)
	}
	if patch.Importance != nil {
		sets = append(sets, "importance = ?")
		args = append(args, clamp01(*patch.Importance))
	}
	if patch.Confidence != nil {
		sets = append(sets, "confidence = ?")
		args = append(args, clamp01(*patch.Confidence))
	}
	if patch.ExpiresAt != nil {
		sets = append(sets, "expires_at = ?")
		args = append(args, patch.ExpiresAt.UnixMilli())
	}
	if patch.Tags != nil {
		tags, err := marshalTags(*patch.Tags)
		if err != nil {
			return err
		}
		sets = append(sets, "tags = ?")
		args = append(args, tags)
	}
	if patch.SupersededBy != nil {
		sets = append(sets, "superseded_by = ?")
		args = append(args, nullableString(*patch.SupersededBy))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC().UnixMilli())
	args = append(args, id)

	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE memories SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return fmt.Errorf("failed to update memory %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("memory %s not found", id)
		}
		if patch.Content != nil {
			s.ftsDelete(tx, id)
			s.ftsInsert(tx, id, *patch.Content)
		}
		return nil
	})
}

// Delete removes a memory; reports whether a row was removed.
func (s *Store) Delete(id string) (bool, error) {
	var removed bool
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM memories WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete memory %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		removed = n > 0
		if removed {
			s.ftsDelete(tx, id)
		}
		return nil
	})
	return removed, err
}

// List returns memories ordered by importance then recency.
func (s *Store) List(opts ListOptions) ([]Memory, error) {
	query := `SELECT ` + memoryColumns + ` FROM memories`
	var args []interface{}
	if opts.Type != "" {
		query += ` WHERE type = ?`
		args = append(args, opts.Type)
	}
	query += ` ORDER BY importance DESC, created_at DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// Count returns the total number of memories.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM memories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count memories: %w", err)
	}
	return n, nil
}

// FTSResult pairs a memory id with its FTS rank.
type FTSResult struct {
	ID    string
	Score float64
}

// SearchFTS runs a full-text query. Returns empty when FTS is unavailable.
func (s *Store) SearchFTS(query string, limit int) ([]FTSResult, error) {
	if !s.fts || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`SELECT id, rank FROM memories_fts
		WHERE memories_fts MATCH ? ORDER BY rank LIMIT ?`, ftsQuote(query), limit)
	if err != nil {
		// A malformed query should not fail the caller; search just misses.
		logging.StoreDebug("FTS query failed: %v", err)
		return nil, nil
	}
	defer rows.Close()

	var results []FTSResult
	for rows.Next() {
		var r FTSResult
		if err := rows.Scan(&r.ID, &r.Score); err != nil {
			return nil, err
		}
		// bm25 rank is negative-better; flip to positive-better.
		r.Score = -r.Score
		results = append(results, r)
	}
	return results, rows.Err()
}

// ftsQuote turns free text into an OR-of-terms FTS query.
func ftsQuote(query string) string {
	fields := strings.Fields(query)
	for i, f := range fields {
		fields[i] = `"` + strings.ReplaceAll(f, `"`, ``) + `"`
	}
	return strings.Join(fields, " OR ")
}

// ftsInsert indexes content; best-effort.
func (s *Store) ftsInsert(tx *sql.Tx, id, content string) {
	if !s.fts {
		return
	}
	if _, err := tx.Exec(`INSERT INTO memories_fts (id, content) VALUES (?, ?)`, id, content); err != nil {
		logging.StoreDebug("FTS insert failed for %s: %v", id, err)
	}
}

// ftsDelete removes an index entry; best-effort.
func (s *Store) ftsDelete(tx *sql.Tx, id string) {
	if !s.fts {
		return
	}
	if _, err := tx.Exec(`DELETE FROM memories_fts WHERE id = ?`, id); err != nil {
		logging.StoreDebug("FTS delete failed for %s: %v", id, err)
	}
}

// =============================================================================
// SCAN HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row rowScanner) (*Memory, error) {
	var m Memory
	var created, accessed, updated int64
	var expires sql.NullInt64
	var tags, supersedes, supersededBy, embedding sql.NullString

	err := row.Scan(&m.ID, &m.Type, &m.Content, &m.Source, &m.Importance, &m.Confidence,
		&created, &accessed, &updated, &m.AccessCount, &expires,
		&tags, &supersedes, &supersededBy, &embedding)
	if err != nil {
		return nil, err
	}
	m.CreatedAt = time.UnixMilli(created).UTC()
	m.LastAccessedAt = time.UnixMilli(accessed).UTC()
	m.UpdatedAt = time.UnixMilli(updated).UTC()
	if expires.Valid {
		t := time.UnixMilli(expires.Int64).UTC()
		m.ExpiresAt = &t
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &m.Tags); err != nil {
			return nil, fmt.Errorf("corrupt tags for %s: %w", m.ID, err)
		}
	}
	if embedding.Valid && embedding.String != "" {
		if err := json.Unmarshal([]byte(embedding.String), &m.Embedding); err != nil {
			return nil, fmt.Errorf("corrupt embedding for %s: %w", m.ID, err)
		}
	}
	m.Supersedes = supersedes.String
	m.SupersededBy = supersededBy.String
	return &m, nil
}

func scanMemories(rows *sql.Rows) ([]Memory, error) {
	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func validType(t MemoryType) bool {
	for _, v := range ValidTypes {
		if v == t {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func marshalTags(tags []string) (interface{}, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tags: %w", err)
	}
	return string(data), nil
}

func marshalEmbedding(v []float64) (interface{}, error) {
	if len(v) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding: %w", err)
	}
	return string(data), nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableMillis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
