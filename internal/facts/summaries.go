package facts

import (
	"database/sql"
	"fmt"
	"time"
)

// DailySummary is the digest of one calendar day, keyed YYYY-MM-DD.
type DailySummary struct {
	Date      string    `json:"date"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// WeeklySummary is the digest of one ISO week, keyed YYYY-Www.
type WeeklySummary struct {
	Week      string    `json:"week"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// SaveDailySummary writes a daily summary; re-generation overwrites.
func (s *Store) SaveDailySummary(date, content string) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO daily_summaries (date, content, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT(date) DO UPDATE SET content = excluded.content, created_at = excluded.created_at`,
			date, content, time.Now().UTC().UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to save daily summary %s: %w", date, err)
		}
		return nil
	})
}

// GetDailySummary returns the summary for a date, or (nil, nil).
func (s *Store) GetDailySummary(date string) (*DailySummary, error) {
	var ds DailySummary
	var created int64
	err := s.db.QueryRow(`SELECT date, content, created_at FROM daily_summaries WHERE date = ?`,
		date).Scan(&ds.Date, &ds.Content, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get daily summary %s: %w", date, err)
	}
	ds.CreatedAt = time.UnixMilli(created).UTC()
	return &ds, nil
}

// LatestDailySummary returns the most recent daily summary, or (nil, nil).
func (s *Store) LatestDailySummary() (*DailySummary, error) {
	var ds DailySummary
	var created int64
	err := s.db.QueryRow(`SELECT date, content, created_at FROM daily_summaries
		ORDER BY date DESC LIMIT 1`).Scan(&ds.Date, &ds.Content, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest daily summary: %w", err)
	}
	ds.CreatedAt = time.UnixMilli(created).UTC()
	return &ds, nil
}

// RecentDailySummaries returns up to n summaries, newest first.
func (s *Store) RecentDailySummaries(n int) ([]DailySummary, error) {
	rows, err := s.db.Query(`SELECT date, content, created_at FROM daily_summaries
		ORDER BY date DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to list daily summaries: %w", err)
	}
	defer rows.Close()

	var out []DailySummary
	for rows.Next() {
		var ds DailySummary
		var created int64
		if err := rows.Scan(&ds.Date, &ds.Content, &created); err != nil {
			return nil, err
		}
		ds.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, ds)
	}
	return out, rows.Err()
}

// SaveWeeklySummary writes a weekly summary; re-generation overwrites.
func (s *Store) SaveWeeklySummary(week, content string) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO weekly_summaries (week, content, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT(week) DO UPDATE SET content = excluded.content, created_at = excluded.created_at`,
			week, content, time.Now().UTC().UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to save weekly summary %s: %w", week, err)
		}
		return nil
	})
}

// GetWeeklySummary returns the summary for an ISO week, or (nil, nil).
func (s *Store) GetWeeklySummary(week string) (*WeeklySummary, error) {
	var ws WeeklySummary
	var created int64
	err := s.db.QueryRow(`SELECT week, content, created_at FROM weekly_summaries WHERE week = ?`,
		week).Scan(&ws.Week, &ws.Content, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get weekly summary %s: %w", week, err)
	}
	ws.CreatedAt = time.UnixMilli(created).UTC()
	return &ws, nil
}

// SummaryCounts returns how many daily and weekly summaries exist.
func (s *Store) SummaryCounts() (daily, weekly int, err error) {
	if err = s.db.QueryRow(`SELECT COUNT(*) FROM daily_summaries`).Scan(&daily); err != nil {
		return 0, 0, fmt.Errorf("failed to count daily summaries: %w", err)
	}
	if err = s.db.QueryRow(`SELECT COUNT(*) FROM weekly_summaries`).Scan(&weekly); err != nil {
		return 0, 0, fmt.Errorf("failed to count weekly summaries: %w", err)
	}
	return daily, weekly, nil
}
