// Package retention enforces disk policy over the workflows root: old and
// excess runs are deleted whole or stripped of artifacts and logs, with a
// global cleanup event log and an advisory lock against concurrent cleanups.
package retention

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"devloop/internal/logging"
	"devloop/internal/workflow"
)

// Mode selects how much of a run a cleanup removes.
type Mode string

const (
	// ModeFull deletes entire run directories.
	ModeFull Mode = "full"
	// ModeArtifacts deletes only phases/*/artifacts.
	ModeArtifacts Mode = "artifacts"
	// ModeLogs deletes only phases/*/logs and the run's events.jsonl.
	ModeLogs Mode = "logs"
)

// Policy is the standing retention configuration.
type Policy struct {
	MaxCompleted           int
	MaxDiskPerWorkflowMB   int
	MaxTotalDiskGB         int
	LogRetentionDays       int
	FailedLogRetentionDays int
	ArtifactRetentionDays  int
}

// DefaultPolicy mirrors the documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxCompleted:           20,
		MaxDiskPerWorkflowMB:   512,
		MaxTotalDiskGB:         10,
		LogRetentionDays:       14,
		FailedLogRetentionDays: 30,
		ArtifactRetentionDays:  30,
	}
}

// Overrides come from the CLI and narrow or widen one cleanup invocation.
type Overrides struct {
	// OlderThan deletes only runs created before now-OlderThan.
	OlderThan time.Duration
	// Status restricts to one terminal status.
	Status workflow.RunStatus
	// Max caps how many runs this invocation deletes. 0 means no cap.
	Max int
}

// Candidate is one run selected for cleanup.
type Candidate struct {
	RunID     string             `json:"runId"`
	Status    workflow.RunStatus `json:"status"`
	CreatedAt time.Time          `json:"createdAt"`
	Bytes     int64              `json:"bytes"`
	Reason    string             `json:"reason"`
}

// Report is the outcome of one cleanup.
type Report struct {
	Mode       Mode        `json:"mode"`
	DryRun     bool        `json:"dryRun"`
	Candidates []Candidate `json:"candidates"`
	Deleted    int         `json:"deleted"`
	FreedBytes int64       `json:"freedBytes"`
	Errors     []string    `json:"errors,omitempty"`
}

// Cleaner applies retention policy to a state store.
type Cleaner struct {
	store  *workflow.StateStore
	policy Policy
	now    func() time.Time
}

// NewCleaner wires a cleaner.
func NewCleaner(store *workflow.StateStore, policy Policy) *Cleaner {
	return &Cleaner{store: store, policy: policy, now: time.Now}
}

// Cleanup selects candidates per policy and overrides, then deletes them in
// the given mode. DryRun reports without writing. Concurrent cleanups are
// excluded via an advisory file lock; a held lock is an error, not a wait.
func (c *Cleaner) Cleanup(mode Mode, overrides Overrides, dryRun bool) (*Report, error) {
	timer := logging.StartTimer(logging.CategoryRetention, "Cleanup")
	defer timer.Stop()

	if !dryRun {
		lock := flock.New(filepath.Join(c.store.Root(), ".cleanup.lock"))
		locked, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("cleanup lock failed: %w", err)
		}
		if !locked {
			return nil, fmt.Errorf("another cleanup is already running")
		}
		defer lock.Unlock()
	}

	report := &Report{Mode: mode, DryRun: dryRun}
	c.logEvent("cleanup:start", map[string]interface{}{"mode": mode, "dryRun": dryRun})

	candidates, err := c.selectCandidates(overrides)
	if err != nil {
		c.logEvent("cleanup:error", map[string]interface{}{"error": err.Error()})
		return nil, err
	}
	if overrides.Max > 0 && len(candidates) > overrides.Max {
		candidates = candidates[:overrides.Max]
	}
	report.Candidates = candidates

	for _, cand := range candidates {
		freed, err := c.apply(mode, cand, dryRun)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", cand.RunID, err))
			logging.Get(logging.CategoryRetention).Error("cleanup of %s failed: %v", cand.RunID, err)
			continue
		}
		report.Deleted++
		report.FreedBytes += freed
	}

	c.logEvent("cleanup:complete", map[string]interface{}{
		"mode": mode, "dryRun": dryRun,
		"deleted": report.Deleted, "freedBytes": report.FreedBytes,
	})
	logging.Retention("cleanup (%s, dryRun=%v): %d of %d candidates, %d bytes",
		mode, dryRun, report.Deleted, len(candidates), report.FreedBytes)
	return report, nil
}

// selectCandidates classifies terminal runs against the policy.
func (c *Cleaner) selectCandidates(overrides Overrides) ([]Candidate, error) {
	ids, err := c.store.ListRuns()
	if err != nil {
		return nil, err
	}
	now := c.now()

	type runInfo struct {
		run   *workflow.WorkflowRun
		bytes int64
	}
	var completed []runInfo
	var candidates []Candidate

	add := func(info runInfo, reason string) {
		candidates = append(candidates, Candidate{
			RunID:     info.run.ID,
			Status:    info.run.Status,
			CreatedAt: info.run.CreatedAt,
			Bytes:     info.bytes,
			Reason:    reason,
		})
	}

	for _, id := range ids {
		run, err := c.store.LoadRunState(id)
		if err != nil || run == nil {
			continue
		}
		if !run.Status.IsTerminal() {
			continue
		}
		if overrides.Status != "" && run.Status != overrides.Status {
			continue
		}
		if overrides.OlderThan > 0 && now.Sub(run.CreatedAt) < overrides.OlderThan {
			continue
		}

		bytes, err := c.store.DiskUsage(id)
		if err != nil {
			bytes = 0
		}
		info := runInfo{run: run, bytes: bytes}

		switch run.Status {
		case workflow.StatusCompleted:
			if c.policy.MaxDiskPerWorkflowMB > 0 && bytes > int64(c.policy.MaxDiskPerWorkflowMB)*1024*1024 {
				add(info, fmt.Sprintf("exceeds per-workflow disk cap (%d MB)", c.policy.MaxDiskPerWorkflowMB))
				continue
			}
			completed = append(completed, info)
		case workflow.StatusFailed, workflow.StatusCancelled:
			if c.policy.FailedLogRetentionDays > 0 &&
				now.Sub(run.CreatedAt) > time.Duration(c.policy.FailedLogRetentionDays)*24*time.Hour {
				add(info, fmt.Sprintf("%s run older than %d days", run.Status, c.policy.FailedLogRetentionDays))
			} else if overrides.OlderThan > 0 || overrides.Status != "" {
				// Explicit overrides select terminal runs directly.
				add(info, "selected by override")
			}
		}
	}

	// Completed runs: keep the newest MaxCompleted, oldest go first.
	if c.policy.MaxCompleted > 0 && len(completed) > c.policy.MaxCompleted {
		sort.Slice(completed, func(i, j int) bool {
			return completed[i].run.CreatedAt.Before(completed[j].run.CreatedAt)
		})
		excess := len(completed) - c.policy.MaxCompleted
		for _, info := range completed[:excess] {
			add(info, fmt.Sprintf("completed beyond newest %d", c.policy.MaxCompleted))
		}
	} else if overrides.OlderThan > 0 || overrides.Status == workflow.StatusCompleted {
		for _, info := range completed {
			add(info, "selected by override")
		}
	}

	// Oldest candidates first for stable --max behavior.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return candidates, nil
}

// apply removes what the mode dictates and returns bytes freed. Partial modes
// always preserve run.json and approvals.jsonl.
func (c *Cleaner) apply(mode Mode, cand Candidate, dryRun bool) (int64, error) {
	switch mode {
	case ModeFull:
		if dryRun {
			return cand.Bytes, nil
		}
		if err := c.store.DeleteRun(cand.RunID); err != nil {
			return 0, err
		}
		return cand.Bytes, nil
	case ModeArtifacts:
		return c.deleteMatching(cand.RunID, dryRun, func(rel string) bool {
			return isPhaseSubdir(rel, "artifacts")
		})
	case ModeLogs:
		return c.deleteMatching(cand.RunID, dryRun, func(rel string) bool {
			return isPhaseSubdir(rel, "logs") || rel == "events.jsonl"
		})
	default:
		return 0, fmt.Errorf("unknown cleanup mode %q", mode)
	}
}

// isPhaseSubdir reports whether rel is phases/<dir>/<kind> or beneath it.
func isPhaseSubdir(rel, kind string) bool {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	return len(parts) >= 3 && parts[0] == "phases" && parts[2] == kind
}

// deleteMatching walks the run directory and removes files the predicate
// selects, totalling their sizes.
func (c *Cleaner) deleteMatching(runID string, dryRun bool, match func(rel string) bool) (int64, error) {
	root := c.store.RunDir(runID)
	var freed int64
	var toDelete []string

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		// Never touch the durable record.
		base := filepath.Base(rel)
		if base == "run.json" || base == "approvals.jsonl" {
			return nil
		}
		if !match(rel) {
			return nil
		}
		if info, err := d.Info(); err == nil {
			freed += info.Size()
		}
		toDelete = append(toDelete, path)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if dryRun {
		return freed, nil
	}
	for _, path := range toDelete {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return freed, err
		}
	}
	return freed, nil
}

// logEvent appends a GlobalCleanupEvent to <root>/cleanup.jsonl; best-effort.
func (c *Cleaner) logEvent(eventType string, data map[string]interface{}) {
	path := filepath.Join(c.store.Root(), "cleanup.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logging.RetentionDebug("failed to open cleanup log: %v", err)
		return
	}
	defer f.Close()

	line, err := json.Marshal(map[string]interface{}{
		"type":      eventType,
		"timestamp": c.now().UTC().Format(time.RFC3339),
		"data":      data,
	})
	if err != nil {
		return
	}
	f.Write(append(line, '\n'))
}
