package policy

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/gobwas/glob"

	"devloop/internal/logging"
)

// Engine evaluates actions against a policy. Safe for concurrent use; the
// policy may be swapped at runtime (hot reload).
type Engine struct {
	mu     sync.RWMutex
	policy *WorkflowPolicy

	globMu sync.Mutex
	globs  map[string]glob.Glob
}

// NewEngine wraps a policy. A nil policy gets the defaults.
func NewEngine(p *WorkflowPolicy) *Engine {
	if p == nil {
		p = DefaultPolicy()
	}
	return &Engine{policy: p, globs: make(map[string]glob.Glob)}
}

// Policy returns the current policy.
func (e *Engine) Policy() *WorkflowPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// SetPolicy swaps the policy atomically.
func (e *Engine) SetPolicy(p *WorkflowPolicy) {
	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()
	logging.Policy("policy replaced (version %d, %d rules)", p.Version, len(p.Rules))
}

// Evaluate runs the decision pipeline: path scope, network scope, rules,
// default decision.
func (e *Engine) Evaluate(ctx *ActionContext) EvalResult {
	p := e.Policy()

	if ctx.TargetPath != "" {
		if res, decided := e.checkPath(p, ctx); decided {
			e.logDecision(p, ctx, res)
			return res
		}
	}
	if ctx.URL != "" {
		if res, decided := e.checkNetwork(p, ctx); decided {
			e.logDecision(p, ctx, res)
			return res
		}
	}
	if res, decided := e.matchRules(p, ctx); decided {
		e.logDecision(p, ctx, res)
		return res
	}

	res := EvalResult{
		Decision: p.DefaultDecision,
		Reason:   "default policy decision",
	}
	e.logDecision(p, ctx, res)
	return res
}

// =============================================================================
// PATH SCOPE
// =============================================================================

// checkPath enforces the path scope. Returns decided=true only for denials;
// an in-scope path falls through to rule matching.
func (e *Engine) checkPath(p *WorkflowPolicy, ctx *ActionContext) (EvalResult, bool) {
	target := ctx.TargetPath
	if !filepath.IsAbs(target) {
		target = filepath.Join(ctx.WorkspaceRoot, target)
	}
	target = filepath.Clean(target)

	for _, prefix := range p.PathScope.DeniedPrefixes {
		if target == prefix || strings.HasPrefix(target, prefix+string(os.PathSeparator)) {
			return EvalResult{
				Decision: DecisionDeny,
				Reason:   fmt.Sprintf("path %s is under denied prefix %s", target, prefix),
			}, true
		}
	}

	if !e.inScope(p, ctx.WorkspaceRoot, target) {
		return EvalResult{
			Decision: DecisionDeny,
			Reason:   fmt.Sprintf("path %s is outside the workspace scope", target),
		}, true
	}

	if p.PathScope.BlockSymlinkEscape {
		if real, err := filepath.EvalSymlinks(target); err == nil {
			if !e.inScope(p, ctx.WorkspaceRoot, real) {
				return EvalResult{
					Decision: DecisionDeny,
					Reason:   fmt.Sprintf("path %s resolves outside the workspace scope via symlink", ctx.TargetPath),
				}, true
			}
		}
		// A path that does not exist yet cannot escape via symlink.
	}
	return EvalResult{}, false
}

// inScope reports whether an absolute, cleaned path is inside the scope.
func (e *Engine) inScope(p *WorkflowPolicy, root, target string) bool {
	if within(root, target) {
		return true
	}
	if p.PathScope.Mode == ScopeWorkspaceAndTemp && within(os.TempDir(), target) {
		return true
	}
	return false
}

func within(root, target string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), target)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// =============================================================================
// NETWORK SCOPE
// =============================================================================

// checkNetwork enforces the network scope. Denied domains win over allowed;
// unmatched hosts get the default behavior. Always decides.
func (e *Engine) checkNetwork(p *WorkflowPolicy, ctx *ActionContext) (EvalResult, bool) {
	u, err := url.Parse(ctx.URL)
	if err != nil || u.Host == "" {
		return EvalResult{
			Decision: DecisionDeny,
			Reason:   fmt.Sprintf("invalid URL %q", ctx.URL),
		}, true
	}
	host := strings.ToLower(u.Hostname())

	for _, d := range p.NetworkScope.DeniedDomains {
		if domainMatch(d, host) {
			return EvalResult{
				Decision: DecisionDeny,
				Reason:   fmt.Sprintf("domain %s is denied (%s)", host, d),
			}, true
		}
	}
	for _, d := range p.NetworkScope.AllowedDomains {
		if domainMatch(d, host) {
			return EvalResult{
				Decision: DecisionAllow,
				Reason:   fmt.Sprintf("domain %s is allowed (%s)", host, d),
			}, true
		}
	}
	for _, pattern := range p.NetworkScope.AllowedURLs {
		if g := e.compileGlob(pattern); g != nil && g.Match(ctx.URL) {
			return EvalResult{
				Decision: DecisionAllow,
				Reason:   fmt.Sprintf("URL matches allowed pattern %s", pattern),
			}, true
		}
	}
	return EvalResult{
		Decision: p.NetworkScope.DefaultBehavior,
		Reason:   fmt.Sprintf("network default behavior (%s) for %s", p.NetworkScope.DefaultBehavior, host),
	}, true
}

// domainMatch matches exactly, or by suffix when the pattern starts with "*.".
func domainMatch(pattern, host string) bool {
	pattern = strings.ToLower(pattern)
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:] // ".example.com"
		return strings.HasSuffix(host, suffix) || host == pattern[2:]
	}
	return host == pattern
}

// =============================================================================
// RULES
// =============================================================================

// matchRules applies enabled rules for the action type, highest priority
// first. First match wins.
func (e *Engine) matchRules(p *WorkflowPolicy, ctx *ActionContext) (EvalResult, bool) {
	var candidates []*Rule
	for i := range p.Rules {
		r := &p.Rules[i]
		if !r.Enabled {
			continue
		}
		if !actionIn(r.Actions, ctx.ActionType) {
			continue
		}
		candidates = append(candidates, r)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority > candidates[j].Priority
	})

	for _, r := range candidates {
		if !e.ruleMatches(r, ctx) {
			continue
		}
		reason := r.Reason
		if reason == "" {
			reason = fmt.Sprintf("matched rule %s", r.ID)
		}
		return EvalResult{Decision: r.Decision, MatchedRule: r.ID, Reason: reason}, true
	}
	return EvalResult{}, false
}

func actionIn(actions []ActionType, a ActionType) bool {
	for _, x := range actions {
		if x == a {
			return true
		}
	}
	return false
}

// ruleMatches checks a rule's patterns against the context. A rule with no
// patterns matches any target of its action types.
func (e *Engine) ruleMatches(r *Rule, ctx *ActionContext) bool {
	hasPatterns := len(r.Patterns.Paths) > 0 || len(r.Patterns.Commands) > 0 || len(r.Patterns.URLs) > 0
	if !hasPatterns {
		return true
	}
	if ctx.TargetPath != "" && e.anyPatternMatch(r.Patterns.Paths, ctx.TargetPath) {
		return true
	}
	if ctx.Command != "" && e.anyPatternMatch(r.Patterns.Commands, ctx.Command) {
		return true
	}
	if ctx.URL != "" && e.anyPatternMatch(r.Patterns.URLs, ctx.URL) {
		return true
	}
	return false
}

// anyPatternMatch matches globs, or regex when the pattern is /wrapped/.
func (e *Engine) anyPatternMatch(patterns []string, target string) bool {
	for _, pattern := range patterns {
		if len(pattern) > 2 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") {
			if re, err := regexp.Compile(pattern[1 : len(pattern)-1]); err == nil && re.MatchString(target) {
				return true
			}
			continue
		}
		if g := e.compileGlob(pattern); g != nil && g.Match(target) {
			return true
		}
	}
	return false
}

// compileGlob caches compiled globs; bad patterns compile to nil once.
func (e *Engine) compileGlob(pattern string) glob.Glob {
	e.globMu.Lock()
	defer e.globMu.Unlock()
	if g, ok := e.globs[pattern]; ok {
		return g
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		logging.Policy("bad glob pattern %q: %v", pattern, err)
		g = nil
	}
	e.globs[pattern] = g
	return g
}

// logDecision writes the audit record per the policy's logging flags.
func (e *Engine) logDecision(p *WorkflowPolicy, ctx *ActionContext, res EvalResult) {
	switch res.Decision {
	case DecisionAllow:
		if !p.Logging.LogAllowed {
			return
		}
	case DecisionDeny:
		if !p.Logging.LogDenied {
			return
		}
	case DecisionPrompt:
		if !p.Logging.LogPrompted {
			return
		}
	}
	logging.Audit().PolicyDecision(ctx.RunID, string(ctx.ActionType), ctx.Target(), string(res.Decision), res.Reason)
}
