package facts

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"time"

	"devloop/internal/logging"
)

// exportLine is one JSONL record with a kind discriminator.
type exportLine struct {
	Kind    string          `json:"kind"` // memory, block, summary
	Memory  *Memory         `json:"memory,omitempty"`
	Block   *MemoryBlock    `json:"block,omitempty"`
	Daily   *DailySummary   `json:"daily,omitempty"`
	Weekly  *WeeklySummary  `json:"weekly,omitempty"`
	Variant string          `json:"variant,omitempty"` // daily or weekly for kind=summary
	Raw     json.RawMessage `json:"-"`
}

// ExportOptions control redaction and filtering.
type ExportOptions struct {
	Redact       bool
	ExcludeTypes []MemoryType
	// Role, when set, forces redaction unless the role can see unredacted
	// content.
	Role Role
}

// redactionPatterns cover the common secret shapes.
var redactionPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"api_key", regexp.MustCompile(`(?i)(api[_-]?key|secret[_-]?key)\s*[:=]\s*\S+`)},
	{"bearer", regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`)},
	{"email", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{"phone", regexp.MustCompile(`\+?\d{1,3}[-. (]?\d{3}[-. )]?\d{3}[-. ]?\d{4}`)},
	{"ssh_key", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
	{"aws_key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"github_pat", regexp.MustCompile(`ghp_[A-Za-z0-9]{36}|github_pat_[A-Za-z0-9_]{22,}`)},
}

// Redact replaces secret-shaped substrings with [REDACTED:<kind>].
func Redact(text string) string {
	for _, p := range redactionPatterns {
		text = p.re.ReplaceAllString(text, "[REDACTED:"+p.name+"]")
	}
	return text
}

// Export writes the full store as JSONL: memories, blocks, then summaries.
func (s *Store) Export(w io.Writer, opts ExportOptions) error {
	timer := logging.StartTimer(logging.CategoryExport, "Export")
	defer timer.Stop()

	redact := opts.Redact
	if opts.Role != "" && !PolicyFor(opts.Role).CanSeeUnredacted {
		redact = true
	}
	excluded := make(map[MemoryType]bool, len(opts.ExcludeTypes))
	for _, t := range opts.ExcludeTypes {
		excluded[t] = true
	}
	if opts.Role != "" {
		rp := PolicyFor(opts.Role)
		for _, t := range ValidTypes {
			if !rp.TypeAllowed(t) {
				excluded[t] = true
			}
		}
	}

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	written := 0

	memories, err := s.List(ListOptions{})
	if err != nil {
		return err
	}
	for i := range memories {
		m := memories[i]
		if excluded[m.Type] {
			continue
		}
		if redact {
			m.Content = Redact(m.Content)
		}
		if err := enc.Encode(exportLine{Kind: "memory", Memory: &m}); err != nil {
			return fmt.Errorf("export encode failed: %w", err)
		}
		written++
	}

	blocks, err := s.ListBlocks()
	if err != nil {
		return err
	}
	for i := range blocks {
		b := blocks[i]
		if redact {
			b.Value = Redact(b.Value)
		}
		if err := enc.Encode(exportLine{Kind: "block", Block: &b}); err != nil {
			return fmt.Errorf("export encode failed: %w", err)
		}
		written++
	}

	dailies, err := s.RecentDailySummaries(1 << 20)
	if err != nil {
		return err
	}
	for i := range dailies {
		d := dailies[i]
		if redact {
			d.Content = Redact(d.Content)
		}
		if err := enc.Encode(exportLine{Kind: "summary", Variant: "daily", Daily: &d}); err != nil {
			return fmt.Errorf("export encode failed: %w", err)
		}
		written++
	}

	weeklies, err := s.allWeeklySummaries()
	if err != nil {
		return err
	}
	for i := range weeklies {
		ws := weeklies[i]
		if redact {
			ws.Content = Redact(ws.Content)
		}
		if err := enc.Encode(exportLine{Kind: "summary", Variant: "weekly", Weekly: &ws}); err != nil {
			return fmt.Errorf("export encode failed: %w", err)
		}
		written++
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("export flush failed: %w", err)
	}
	logging.Export("exported %d records (redact=%v)", written, redact)
	return nil
}

func (s *Store) allWeeklySummaries() ([]WeeklySummary, error) {
	rows, err := s.db.Query(`SELECT week, content, created_at FROM weekly_summaries ORDER BY week`)
	if err != nil {
		return nil, fmt.Errorf("failed to list weekly summaries: %w", err)
	}
	defer rows.Close()

	var out []WeeklySummary
	for rows.Next() {
		var ws WeeklySummary
		var created int64
		if err := rows.Scan(&ws.Week, &ws.Content, &created); err != nil {
			return nil, err
		}
		ws.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, ws)
	}
	return out, rows.Err()
}
