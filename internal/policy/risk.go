package policy

import (
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
)

// RiskLevel buckets a risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"      // 0-30
	RiskMedium   RiskLevel = "medium"   // 31-60
	RiskHigh     RiskLevel = "high"     // 61-85
	RiskCritical RiskLevel = "critical" // 86-100
)

// Recommendation suggests how the prompt UI should steer the user.
type Recommendation string

const (
	RecommendApprove Recommendation = "approve"
	RecommendPrompt  Recommendation = "prompt"
	RecommendReview  Recommendation = "review"
	RecommendDeny    Recommendation = "deny"
)

// RiskAssessment explains why an action is risky.
type RiskAssessment struct {
	Score          int            `json:"score"` // 0-100
	Level          RiskLevel      `json:"level"`
	Factors        []string       `json:"factors,omitempty"`
	Recommendation Recommendation `json:"recommendation"`
	Destructive    bool           `json:"destructive"`
}

// base scores by action type
var baseScores = map[ActionType]int{
	ActionFileRead:    5,
	ActionFileWrite:   15,
	ActionFileDelete:  35,
	ActionCommandExec: 25,
	ActionNetwork:     20,
	ActionGitOp:       10,
}

var (
	destructivePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\brm\s+(-[a-zA-Z]*r[a-zA-Z]*f|-[a-zA-Z]*f[a-zA-Z]*r)\b`),
		regexp.MustCompile(`\brm\s+.*\*`),
		regexp.MustCompile(`\bmkfs\b`),
		regexp.MustCompile(`\bdd\s+.*of=/dev/`),
		regexp.MustCompile(`:\(\)\s*\{.*:\|:`), // fork bomb
		regexp.MustCompile(`\bshred\b`),
	}
	sensitiveFilePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(^|/)\.env(\.|$)`),
		regexp.MustCompile(`\.pem$`),
		regexp.MustCompile(`(^|/)\.ssh/`),
		regexp.MustCompile(`id_rsa|id_ed25519`),
		regexp.MustCompile(`credentials`),
		regexp.MustCompile(`\.key$`),
	}
	downloadExecPattern = regexp.MustCompile(`(curl|wget)\b.*\|\s*(ba)?sh\b`)
)

// AssessRisk scores an action. The score drives the prompt UI, not the
// allow/deny decision.
func AssessRisk(ctx *ActionContext) RiskAssessment {
	score := baseScores[ctx.ActionType]
	var factors []string
	destructive := false

	command := ctx.Command
	target := ctx.TargetPath

	for _, re := range destructivePatterns {
		if command != "" && re.MatchString(command) {
			score += 40
			destructive = true
			factors = append(factors, "destructive command pattern")
			break
		}
	}
	if ctx.ActionType == ActionFileDelete {
		destructive = true
	}

	probe := target
	if probe == "" {
		probe = command
	}
	for _, re := range sensitiveFilePatterns {
		if probe != "" && re.MatchString(probe) {
			score += 25
			factors = append(factors, "sensitive file access")
			break
		}
	}

	if strings.Contains(command, "sudo") {
		score += 30
		factors = append(factors, "elevated privileges")
	}
	if target != "" && (strings.HasPrefix(filepath.Clean(target), "/etc") && ctx.ActionType != ActionFileRead) {
		score += 30
		factors = append(factors, "system configuration write")
	}

	if ctx.URL != "" {
		if u, err := url.Parse(ctx.URL); err == nil {
			host := strings.ToLower(u.Hostname())
			if host != "localhost" && host != "127.0.0.1" && host != "::1" {
				score += 15
				factors = append(factors, "external network access")
			}
		}
	}
	if command != "" && downloadExecPattern.MatchString(command) {
		score += 35
		destructive = true
		factors = append(factors, "download-and-execute")
	}

	if ctx.WorkspaceRoot != "" && target != "" {
		abs := target
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(ctx.WorkspaceRoot, abs)
		}
		if !within(ctx.WorkspaceRoot, filepath.Clean(abs)) {
			score += 20
			factors = append(factors, "outside workspace scope")
		}
	}

	if ctx.Recursive {
		score += 10
		factors = append(factors, "recursive operation")
	}

	if score > 100 {
		score = 100
	}

	level := riskLevel(score)
	return RiskAssessment{
		Score:          score,
		Level:          level,
		Factors:        factors,
		Destructive:    destructive,
		Recommendation: recommend(level, destructive),
	}
}

func riskLevel(score int) RiskLevel {
	switch {
	case score <= 30:
		return RiskLow
	case score <= 60:
		return RiskMedium
	case score <= 85:
		return RiskHigh
	}
	return RiskCritical
}

func recommend(level RiskLevel, destructive bool) Recommendation {
	switch level {
	case RiskLow:
		return RecommendApprove
	case RiskMedium:
		return RecommendPrompt
	case RiskHigh:
		return RecommendReview
	default:
		if destructive {
			return RecommendDeny
		}
		return RecommendReview
	}
}
