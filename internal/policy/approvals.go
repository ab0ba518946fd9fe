package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"devloop/internal/logging"
)

const approvalsFileName = "approvals.jsonl"

// ApprovalDecision is the recorded outcome of an approval request.
type ApprovalDecision string

const (
	Approved        ApprovalDecision = "approved"
	Denied          ApprovalDecision = "denied"
	DecisionTimeout ApprovalDecision = "timeout"
)

// Approved reports whether the decision permits the action.
func (d ApprovalDecision) IsApproved() bool { return d == Approved }

// RememberScope bounds how long a remembered decision applies.
type RememberScope string

const (
	RememberOnce  RememberScope = "once"
	RememberPhase RememberScope = "phase"
	RememberRun   RememberScope = "run"
)

// ApprovalAction describes the action needing approval.
type ApprovalAction struct {
	ActionType ActionType `json:"actionType"`
	TargetPath string     `json:"targetPath,omitempty"`
	Command    string     `json:"command,omitempty"`
	URL        string     `json:"url,omitempty"`
}

// Target returns the most specific target string.
func (a ApprovalAction) Target() string {
	switch {
	case a.TargetPath != "":
		return a.TargetPath
	case a.Command != "":
		return a.Command
	case a.URL != "":
		return a.URL
	}
	return ""
}

// ApprovalRequest asks the user to confirm one action.
type ApprovalRequest struct {
	ID        string         `json:"id"`
	RunID     string         `json:"runId"`
	PhaseID   string         `json:"phaseId"`
	Reason    string         `json:"reason"`
	Action    ApprovalAction `json:"action"`
	CreatedAt time.Time      `json:"createdAt"`
}

// NewApprovalRequest builds a request with id and timestamp filled in.
func NewApprovalRequest(runID, phaseID, reason string, action ApprovalAction) ApprovalRequest {
	return ApprovalRequest{
		ID:        uuid.NewString(),
		RunID:     runID,
		PhaseID:   phaseID,
		Reason:    reason,
		Action:    action,
		CreatedAt: time.Now().UTC(),
	}
}

// ApprovalRecord is one immutable line in a run's approvals.jsonl.
type ApprovalRecord struct {
	Request       ApprovalRequest  `json:"request"`
	Decision      ApprovalDecision `json:"decision"`
	DecidedAt     time.Time        `json:"decidedAt"`
	Remember      bool             `json:"remember"`
	RememberScope RememberScope    `json:"rememberScope"`
}

// normalizeTarget canonicalizes the match key: cleaned path, trimmed command,
// lowercased URL.
func normalizeTarget(a ApprovalAction) string {
	switch {
	case a.TargetPath != "":
		return filepath.Clean(a.TargetPath)
	case a.Command != "":
		return strings.Join(strings.Fields(a.Command), " ")
	case a.URL != "":
		return strings.ToLower(strings.TrimSuffix(a.URL, "/"))
	}
	return ""
}

// ApprovalStore persists approval decisions per run: an in-memory index for
// the current process backed by append-only JSONL files under the runs'
// directories. The store borrows the run directories; it never creates or
// deletes them wholesale.
type ApprovalStore struct {
	baseDir string

	mu    sync.Mutex
	byRun map[string][]ApprovalRecord
}

// NewApprovalStore creates a store over the workflows root directory.
func NewApprovalStore(baseDir string) *ApprovalStore {
	return &ApprovalStore{
		baseDir: baseDir,
		byRun:   make(map[string][]ApprovalRecord),
	}
}

func (s *ApprovalStore) filePath(runID string) string {
	return filepath.Join(s.baseDir, runID, approvalsFileName)
}

// Save appends the record to the run's JSONL file (fsynced per record) and
// updates the in-memory index.
func (s *ApprovalStore) Save(rec ApprovalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.filePath(rec.Request.RunID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create approval dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal approval record: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append approval record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}

	s.byRun[rec.Request.RunID] = append(s.byRun[rec.Request.RunID], rec)
	logging.Approval("recorded %s for %s on %s (%s, remember=%v/%s)",
		rec.Decision, rec.Request.Action.ActionType, rec.Request.Action.Target(),
		rec.Request.RunID, rec.Remember, rec.RememberScope)
	return nil
}

// GetByRun returns all records for a run, loading from disk when the run is
// not in memory (e.g. after a restart).
func (s *ApprovalStore) GetByRun(runID string) ([]ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getByRunLocked(runID)
}

func (s *ApprovalStore) getByRunLocked(runID string) ([]ApprovalRecord, error) {
	if recs, ok := s.byRun[runID]; ok {
		return recs, nil
	}
	path := s.filePath(runID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.byRun[runID] = nil
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var recs []ApprovalRecord
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var rec ApprovalRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			logging.ApprovalDebug("skipping malformed approval line in %s: %v", path, err)
			continue
		}
		recs = append(recs, rec)
	}
	s.byRun[runID] = recs
	return recs, nil
}

// FindMatching returns the remembered decision applicable to the request, or
// nil. Identity is (runId, actionType, normalized target); scope "once" never
// matches, "phase" matches within the same phase, "run" anywhere in the run.
func (s *ApprovalStore) FindMatching(req ApprovalRequest) (*ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.getByRunLocked(req.RunID)
	if err != nil {
		return nil, err
	}
	want := normalizeTarget(req.Action)
	// Newest remembered decision wins.
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		if !rec.Remember || rec.RememberScope == RememberOnce {
			continue
		}
		if rec.Request.Action.ActionType != req.Action.ActionType {
			continue
		}
		if normalizeTarget(rec.Request.Action) != want {
			continue
		}
		if rec.RememberScope == RememberPhase && rec.Request.PhaseID != req.PhaseID {
			continue
		}
		return &rec, nil
	}
	return nil, nil
}

// ClearRun drops the run's records from memory and disk.
func (s *ApprovalStore) ClearRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byRun, runID)
	if err := os.Remove(s.filePath(runID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove approvals for %s: %w", runID, err)
	}
	return nil
}
