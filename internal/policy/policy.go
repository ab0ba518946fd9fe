// Package policy decides whether workflow actions are allowed, denied or need
// user approval. It covers path scoping, network scoping, prioritized rules,
// risk scoring, the approval store and the approval prompt.
package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"devloop/internal/logging"
)

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	DecisionAllow  Decision = "allow"
	DecisionDeny   Decision = "deny"
	DecisionPrompt Decision = "prompt"
)

// ActionType classifies what a runner wants to do.
type ActionType string

const (
	ActionFileRead    ActionType = "file_read"
	ActionFileWrite   ActionType = "file_write"
	ActionFileDelete  ActionType = "file_delete"
	ActionCommandExec ActionType = "command_exec"
	ActionNetwork     ActionType = "network"
	ActionGitOp       ActionType = "git_op"
)

// PathScopeMode bounds filesystem access.
type PathScopeMode string

const (
	ScopeWorkspaceOnly    PathScopeMode = "workspaceOnly"
	ScopeWorkspaceAndTemp PathScopeMode = "workspaceAndTemp"
)

// PathScope restricts where file actions may touch.
type PathScope struct {
	Mode PathScopeMode `yaml:"mode" json:"mode"`
	// DeniedPrefixes are always denied even inside the scope.
	DeniedPrefixes []string `yaml:"deniedPrefixes,omitempty" json:"deniedPrefixes,omitempty"`
	// BlockSymlinkEscape denies paths whose resolved real path leaves the scope.
	BlockSymlinkEscape bool `yaml:"blockSymlinkEscape" json:"blockSymlinkEscape"`
}

// NetworkScope restricts outbound network access.
type NetworkScope struct {
	DefaultBehavior Decision `yaml:"defaultBehavior" json:"defaultBehavior"` // allow or deny
	// AllowedDomains match exactly, or by suffix with a leading "*.".
	AllowedDomains []string `yaml:"allowedDomains,omitempty" json:"allowedDomains,omitempty"`
	DeniedDomains  []string `yaml:"deniedDomains,omitempty" json:"deniedDomains,omitempty"`
	// AllowedURLs are full-URL globs.
	AllowedURLs []string `yaml:"allowedUrls,omitempty" json:"allowedUrls,omitempty"`
}

// RulePatterns hold the match patterns of one rule.
type RulePatterns struct {
	Paths    []string `yaml:"paths,omitempty" json:"paths,omitempty"`       // globs
	Commands []string `yaml:"commands,omitempty" json:"commands,omitempty"` // globs or /regex/
	URLs     []string `yaml:"urls,omitempty" json:"urls,omitempty"`         // globs
}

// Rule is one prioritized policy rule.
type Rule struct {
	ID       string       `yaml:"id" json:"id"`
	Actions  []ActionType `yaml:"actions" json:"actions"`
	Patterns RulePatterns `yaml:"patterns" json:"patterns"`
	Decision Decision     `yaml:"decision" json:"decision"`
	Priority int          `yaml:"priority" json:"priority"`
	Enabled  bool         `yaml:"enabled" json:"enabled"`
	Reason   string       `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// LoggingFlags select which decisions get audit-logged.
type LoggingFlags struct {
	LogAllowed  bool `yaml:"logAllowed" json:"logAllowed"`
	LogDenied   bool `yaml:"logDenied" json:"logDenied"`
	LogPrompted bool `yaml:"logPrompted" json:"logPrompted"`
}

// WorkflowPolicy is the full policy document.
type WorkflowPolicy struct {
	Version         int          `yaml:"version" json:"version"`
	PathScope       PathScope    `yaml:"pathScope" json:"pathScope"`
	NetworkScope    NetworkScope `yaml:"networkScope" json:"networkScope"`
	Rules           []Rule       `yaml:"rules,omitempty" json:"rules,omitempty"`
	DefaultDecision Decision     `yaml:"defaultDecision" json:"defaultDecision"`
	// DestructiveActions always prompt regardless of rules, unless denied.
	DestructiveActions []ActionType `yaml:"destructiveActions,omitempty" json:"destructiveActions,omitempty"`
	Logging            LoggingFlags `yaml:"logging" json:"logging"`
}

// DefaultPolicy is a conservative policy: workspace-bound files, deny-by-default
// network, prompt for deletes and command execution.
func DefaultPolicy() *WorkflowPolicy {
	return &WorkflowPolicy{
		Version: 1,
		PathScope: PathScope{
			Mode:               ScopeWorkspaceAndTemp,
			DeniedPrefixes:     []string{"/etc", "/usr", "/var", "/boot"},
			BlockSymlinkEscape: true,
		},
		NetworkScope: NetworkScope{
			DefaultBehavior: DecisionDeny,
			AllowedDomains:  []string{"localhost", "127.0.0.1", "*.github.com", "registry.npmjs.org", "proxy.golang.org"},
		},
		Rules: []Rule{
			{
				ID:       "allow-workspace-reads",
				Actions:  []ActionType{ActionFileRead},
				Decision: DecisionAllow,
				Priority: 10,
				Enabled:  true,
			},
			{
				ID:       "prompt-deletes",
				Actions:  []ActionType{ActionFileDelete},
				Decision: DecisionPrompt,
				Priority: 50,
				Enabled:  true,
				Reason:   "file deletion requires confirmation",
			},
		},
		DefaultDecision:    DecisionPrompt,
		DestructiveActions: []ActionType{ActionFileDelete},
		Logging:            LoggingFlags{LogDenied: true, LogPrompted: true},
	}
}

// LoadPolicy reads a policy YAML file. Missing file returns the default
// policy; a malformed file is an error (never a silent fallback).
func LoadPolicy(path string) (*WorkflowPolicy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Policy("policy file %s not found, using defaults", path)
			return DefaultPolicy(), nil
		}
		return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
	}
	var p WorkflowPolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse policy %s: %w", path, err)
	}
	if err := ValidatePolicy(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ValidatePolicy checks structural invariants.
func ValidatePolicy(p *WorkflowPolicy) error {
	switch p.DefaultDecision {
	case DecisionAllow, DecisionDeny, DecisionPrompt:
	case "":
		p.DefaultDecision = DecisionPrompt
	default:
		return fmt.Errorf("invalid defaultDecision %q", p.DefaultDecision)
	}
	switch p.NetworkScope.DefaultBehavior {
	case DecisionAllow, DecisionDeny:
	case "":
		p.NetworkScope.DefaultBehavior = DecisionDeny
	default:
		return fmt.Errorf("invalid networkScope.defaultBehavior %q", p.NetworkScope.DefaultBehavior)
	}
	if p.PathScope.Mode == "" {
		p.PathScope.Mode = ScopeWorkspaceOnly
	}
	seen := make(map[string]bool, len(p.Rules))
	for i := range p.Rules {
		r := &p.Rules[i]
		if r.ID == "" {
			return fmt.Errorf("rule %d has no id", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
		switch r.Decision {
		case DecisionAllow, DecisionDeny, DecisionPrompt:
		default:
			return fmt.Errorf("rule %s: invalid decision %q", r.ID, r.Decision)
		}
	}
	return nil
}

// ActionContext describes one action under evaluation.
type ActionContext struct {
	RunID      string
	PhaseID    string
	SessionID  string
	ActionType ActionType
	TargetPath string
	Command    string
	URL        string
	// WorkspaceRoot anchors path scoping.
	WorkspaceRoot string
	// Recursive marks operations that walk directory trees.
	Recursive bool
}

// Target returns the most specific target string for matching and display.
func (c *ActionContext) Target() string {
	switch {
	case c.TargetPath != "":
		return c.TargetPath
	case c.Command != "":
		return c.Command
	case c.URL != "":
		return c.URL
	}
	return ""
}

// EvalResult is the outcome of Evaluate.
type EvalResult struct {
	Decision    Decision `json:"decision"`
	MatchedRule string   `json:"matchedRule,omitempty"`
	Reason      string   `json:"reason"`
}
