// Audit logging: structured JSONL events for side-effecting decisions.
// The audit trail records approval decisions, policy verdicts and rate-limit
// hits so operators can reconstruct what devloop allowed and why.
package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType defines the type of audit event.
type AuditEventType string

const (
	AuditPolicyAllow  AuditEventType = "policy_allow"
	AuditPolicyDeny   AuditEventType = "policy_deny"
	AuditPolicyPrompt AuditEventType = "policy_prompt"

	AuditApprovalGranted AuditEventType = "approval_granted"
	AuditApprovalDenied  AuditEventType = "approval_denied"
	AuditApprovalTimeout AuditEventType = "approval_timeout"
	AuditApprovalCached  AuditEventType = "approval_cached"

	AuditRateLimited AuditEventType = "rate_limited"

	AuditRunnerStart    AuditEventType = "runner_start"
	AuditRunnerComplete AuditEventType = "runner_complete"
	AuditRunnerAborted  AuditEventType = "runner_aborted"
)

// AuditEvent is one line in the audit JSONL trail.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"` // Unix milliseconds
	EventType  AuditEventType         `json:"event"`
	RunID      string                 `json:"run,omitempty"`
	PhaseID    string                 `json:"phase,omitempty"`
	SessionID  string                 `json:"session,omitempty"`
	Action     string                 `json:"action,omitempty"`
	Target     string                 `json:"target,omitempty"`
	Decision   string                 `json:"decision,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	RiskScore  int                    `json:"risk,omitempty"`
	DurationMs int64                  `json:"dur_ms,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// AuditLogger appends audit events to a single JSONL file.
type AuditLogger struct {
	mu   sync.Mutex
	file *os.File
}

var (
	auditOnce sync.Once
	auditLog  *AuditLogger
	auditPath string
)

// InitAudit opens the audit trail at <root>/logs/audit.jsonl.
// Safe to call multiple times; the first call wins.
func InitAudit(root string) error {
	var err error
	auditOnce.Do(func() {
		dir := filepath.Join(root, "logs")
		if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
			err = mkErr
			return
		}
		auditPath = filepath.Join(dir, "audit.jsonl")
		var f *os.File
		f, err = os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return
		}
		auditLog = &AuditLogger{file: f}
	})
	return err
}

// CloseAudit closes the audit trail file.
func CloseAudit() {
	if auditLog == nil {
		return
	}
	auditLog.mu.Lock()
	defer auditLog.mu.Unlock()
	if auditLog.file != nil {
		auditLog.file.Close()
		auditLog.file = nil
	}
}

// Audit returns the global audit logger. Logging through a nil or
// uninitialized logger is a no-op.
func Audit() *AuditLogger {
	return auditLog
}

// Log appends one event. Best-effort: write errors are swallowed because the
// audit trail must never take down the operation it describes.
func (a *AuditLogger) Log(event AuditEvent) {
	if a == nil {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	a.file.Write(append(data, '\n'))
}

// PolicyDecision records a policy engine verdict.
func (a *AuditLogger) PolicyDecision(runID, action, target, decision, reason string) {
	et := AuditPolicyPrompt
	switch decision {
	case "allow":
		et = AuditPolicyAllow
	case "deny":
		et = AuditPolicyDeny
	}
	a.Log(AuditEvent{
		EventType: et,
		RunID:     runID,
		Action:    action,
		Target:    target,
		Decision:  decision,
		Reason:    reason,
	})
}

// ApprovalDecision records the outcome of an approval request.
func (a *AuditLogger) ApprovalDecision(runID, phaseID, action, target, decision string, risk int, cached bool) {
	et := AuditApprovalDenied
	switch {
	case cached:
		et = AuditApprovalCached
	case decision == "approved":
		et = AuditApprovalGranted
	case decision == "timeout":
		et = AuditApprovalTimeout
	}
	a.Log(AuditEvent{
		EventType: et,
		RunID:     runID,
		PhaseID:   phaseID,
		Action:    action,
		Target:    target,
		Decision:  decision,
		RiskScore: risk,
	})
}

// RateLimited records a rate limiter rejection.
func (a *AuditLogger) RateLimited(sessionID, action string, retryAfterMs int64) {
	a.Log(AuditEvent{
		EventType: AuditRateLimited,
		SessionID: sessionID,
		Action:    action,
		Fields:    map[string]interface{}{"retry_after_ms": retryAfterMs},
	})
}

// RunnerEvent records a runner lifecycle transition.
func (a *AuditLogger) RunnerEvent(et AuditEventType, sessionID string, durationMs int64, errMsg string) {
	a.Log(AuditEvent{
		EventType:  et,
		SessionID:  sessionID,
		DurationMs: durationMs,
		Reason:     errMsg,
	})
}
