package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"devloop/internal/logging"
)

const (
	runStateFile  = "run.json"
	runInputFile  = "input.json"
	eventsFile    = "events.jsonl"
	checksumFile  = "state.checksum"
	approvalsFile = "approvals.jsonl"

	// checksumLen is the number of hex characters kept from the SHA-256.
	checksumLen = 16
)

// StateStore persists run state beneath a workflows root directory.
//
// Layout per run:
//
//	<root>/<runId>/run.json
//	<root>/<runId>/input.json
//	<root>/<runId>/events.jsonl
//	<root>/<runId>/approvals.jsonl
//	<root>/<runId>/state.checksum
//	<root>/<runId>/phases/<NN-phaseId>/artifacts/
//	<root>/<runId>/phases/<NN-phaseId>/logs/
type StateStore struct {
	root string
	mu   sync.Mutex // serializes event appends
}

// NewStateStore creates the store rooted at dir, creating it if needed.
func NewStateStore(dir string) (*StateStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("workflows root required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &IOError{Op: "mkdir", Path: dir, Err: err}
	}
	return &StateStore{root: dir}, nil
}

// Root returns the workflows root directory.
func (s *StateStore) Root() string { return s.root }

// RunDir returns the directory owned by the given run.
func (s *StateStore) RunDir(id string) string {
	return filepath.Join(s.root, id)
}

// PhaseDir returns the directory for one phase execution.
// NN is the 1-based iteration, zero-padded to two digits.
func (s *StateStore) PhaseDir(id, phaseID string, iteration int) string {
	return filepath.Join(s.RunDir(id), "phases", fmt.Sprintf("%02d-%s", iteration, phaseID))
}

// CreateRunDir creates the run directory skeleton.
func (s *StateStore) CreateRunDir(id string) error {
	dir := s.RunDir(id)
	if err := os.MkdirAll(filepath.Join(dir, "phases"), 0o755); err != nil {
		return &IOError{Op: "mkdir", Path: dir, Err: err}
	}
	return nil
}

// SaveRunState writes run.json atomically: a sibling temp file is written and
// fsynced, then renamed over the target. On platforms where rename fails when
// the target exists, the target is unlinked and the rename retried once.
func (s *StateStore) SaveRunState(run *WorkflowRun) error {
	path := filepath.Join(s.RunDir(run.ID), runStateFile)
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}
	return s.atomicWrite(path, data)
}

// atomicWrite performs the temp-write-then-rename dance.
func (s *StateStore) atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return &IOError{Op: "create", Path: path, Err: err}
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &IOError{Op: "write", Path: tmpPath, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &IOError{Op: "sync", Path: tmpPath, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &IOError{Op: "close", Path: tmpPath, Err: err}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		// Windows-style rename failure when the target exists: unlink the
		// target and retry once.
		logging.WorkflowDebug("rename %s failed (%v), retrying after unlink", path, err)
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			os.Remove(tmpPath)
			return &IOError{Op: "rename", Path: path, Err: err}
		}
		if err := os.Rename(tmpPath, path); err != nil {
			os.Remove(tmpPath)
			return &IOError{Op: "rename", Path: path, Err: err}
		}
	}
	return nil
}

// LoadRunState reads run.json. Returns (nil, nil) when the run does not exist.
func (s *StateStore) LoadRunState(id string) (*WorkflowRun, error) {
	path := filepath.Join(s.RunDir(id), runStateFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &IOError{Op: "read", Path: path, Err: err}
	}
	var run WorkflowRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, &IntegrityError{Msg: fmt.Sprintf("corrupt run state %s: %v", path, err)}
	}
	return &run, nil
}

// SaveInput snapshots the original input to input.json.
func (s *StateStore) SaveInput(id string, input RunInput) error {
	data, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal input: %w", err)
	}
	return s.atomicWrite(filepath.Join(s.RunDir(id), runInputFile), data)
}

// LoadInput reads the input snapshot. Returns (nil, nil) when absent.
func (s *StateStore) LoadInput(id string) (*RunInput, error) {
	path := filepath.Join(s.RunDir(id), runInputFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &IOError{Op: "read", Path: path, Err: err}
	}
	var input RunInput
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, &IntegrityError{Msg: fmt.Sprintf("corrupt input snapshot %s: %v", path, err)}
	}
	return &input, nil
}

// AppendEvent appends one JSON line to events.jsonl. Appends are totally
// ordered per run via the store mutex.
func (s *StateStore) AppendEvent(runID string, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.RunDir(runID), eventsFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &IOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return &IOError{Op: "append", Path: path, Err: err}
	}
	return nil
}

// ReadEvents returns all events recorded for the run, in append order.
func (s *StateStore) ReadEvents(runID string) ([]Event, error) {
	path := filepath.Join(s.RunDir(runID), eventsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &IOError{Op: "read", Path: path, Err: err}
	}

	var events []Event
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			// Skip torn tail lines rather than failing the whole read.
			logging.WorkflowDebug("skipping malformed event line in %s: %v", path, err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// DeleteRun recursively removes the run directory.
func (s *StateStore) DeleteRun(id string) error {
	dir := s.RunDir(id)
	if err := os.RemoveAll(dir); err != nil {
		return &IOError{Op: "remove", Path: dir, Err: err}
	}
	return nil
}

// DiskUsage walks the run directory and sums file sizes.
func (s *StateStore) DiskUsage(id string) (int64, error) {
	var total int64
	dir := s.RunDir(id)
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, &IOError{Op: "walk", Path: dir, Err: err}
	}
	return total, nil
}

// ListRuns enumerates run ids under the root, sorted ascending. Run ids are
// sortable by creation time, so this is also chronological order.
func (s *StateStore) ListRuns() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &IOError{Op: "readdir", Path: s.root, Err: err}
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		// Only directories that look like runs (contain run.json).
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), runStateFile)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// =============================================================================
// INTEGRITY - optional checksum sidecar
// =============================================================================

// ComputeChecksum returns a truncated SHA-256 of the canonical run JSON.
func ComputeChecksum(run *WorkflowRun) (string, error) {
	data, err := json.Marshal(run)
	if err != nil {
		return "", fmt.Errorf("failed to marshal run for checksum: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:checksumLen], nil
}

// SaveStateWithChecksum writes run.json plus the state.checksum sidecar.
func (s *StateStore) SaveStateWithChecksum(run *WorkflowRun) error {
	if err := s.SaveRunState(run); err != nil {
		return err
	}
	sum, err := ComputeChecksum(run)
	if err != nil {
		return err
	}
	return s.atomicWrite(filepath.Join(s.RunDir(run.ID), checksumFile), []byte(sum+"\n"))
}

// VerifyChecksum compares run.json against the sidecar. Verification is
// opt-in: a missing sidecar verifies true.
func (s *StateStore) VerifyChecksum(id string) (bool, error) {
	path := filepath.Join(s.RunDir(id), checksumFile)
	want, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, &IOError{Op: "read", Path: path, Err: err}
	}

	run, err := s.LoadRunState(id)
	if err != nil {
		return false, err
	}
	if run == nil {
		return false, &IntegrityError{Msg: fmt.Sprintf("checksum present but run %s missing", id)}
	}
	got, err := ComputeChecksum(run)
	if err != nil {
		return false, err
	}
	return got == strings.TrimSpace(string(want)), nil
}

// NewRunID returns an opaque, creation-sortable run id.
func NewRunID(now time.Time, suffix string) string {
	return fmt.Sprintf("wf-%s-%s", now.UTC().Format("20060102T150405"), suffix)
}
