package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ArtifactKey normalizes an artifact file name to the camelCase key used in
// transition conditions: "plan-review.json" -> "planReview".
func ArtifactKey(name string) string {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	parts := strings.Split(base, "-")
	for i := 1; i < len(parts); i++ {
		if parts[i] == "" {
			continue
		}
		parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
	}
	return strings.Join(parts, "")
}

// LoadArtifactValues parses the JSON artifacts under dir into a map keyed by
// normalized artifact name. Non-JSON artifacts map to true (existence only).
func LoadArtifactValues(dir string, names []string) map[string]interface{} {
	values := make(map[string]interface{}, len(names))
	for _, name := range names {
		key := ArtifactKey(name)
		path := filepath.Join(dir, name)
		if !strings.HasSuffix(name, ".json") {
			if _, err := os.Stat(path); err == nil {
				values[key] = true
			}
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var v interface{}
		if err := json.Unmarshal(data, &v); err != nil {
			continue
		}
		values[key] = v
	}
	return values
}

// EvalCondition evaluates a transition condition like
// "review.approved == false" or "executionReport.tasksFailed > 0" against
// the artifact value map. Unknown paths evaluate false.
func EvalCondition(cond string, values map[string]interface{}) (bool, error) {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return true, nil // unconditional rule
	}

	op, lhs, rhs, err := splitCondition(cond)
	if err != nil {
		return false, err
	}

	actual, ok := lookupPath(values, lhs)
	if !ok {
		return false, nil
	}
	expected, err := parseLiteral(rhs)
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", cond, err)
	}

	switch op {
	case "==":
		return valuesEqual(actual, expected), nil
	case "!=":
		return !valuesEqual(actual, expected), nil
	case ">", ">=", "<", "<=":
		a, aok := toFloat(actual)
		b, bok := toFloat(expected)
		if !aok || !bok {
			return false, nil
		}
		switch op {
		case ">":
			return a > b, nil
		case ">=":
			return a >= b, nil
		case "<":
			return a < b, nil
		default:
			return a <= b, nil
		}
	}
	return false, fmt.Errorf("condition %q: unsupported operator %q", cond, op)
}

func splitCondition(cond string) (op, lhs, rhs string, err error) {
	// Longest operators first so ">=" is not read as ">".
	for _, candidate := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		if idx := strings.Index(cond, candidate); idx > 0 {
			return candidate,
				strings.TrimSpace(cond[:idx]),
				strings.TrimSpace(cond[idx+len(candidate):]),
				nil
		}
	}
	return "", "", "", fmt.Errorf("condition %q has no operator", cond)
}

// lookupPath walks a dotted path through nested JSON maps.
func lookupPath(values map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = values
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func parseLiteral(s string) (interface{}, error) {
	switch s {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null":
		return nil, nil
	}
	if strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) && len(s) >= 2 {
		return s[1 : len(s)-1], nil
	}
	if strings.HasPrefix(s, "'") && strings.HasSuffix(s, "'") && len(s) >= 2 {
		return s[1 : len(s)-1], nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, nil
	}
	return nil, fmt.Errorf("unparseable literal %q", s)
}

func valuesEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return a == b
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// transitionTarget resolves the post-phase destination. The first matching
// rule wins; no rule matching means "advance in definition order".
type transitionTarget struct {
	// next phase id; empty means terminal
	phaseID string
	// complete or fail when terminal
	complete bool
	fail     bool
}

func evalTransitions(def *WorkflowDefinition, phase *PhaseDefinition, values map[string]interface{}) (transitionTarget, error) {
	for _, rule := range phase.Transitions {
		match, err := EvalCondition(rule.When, values)
		if err != nil {
			return transitionTarget{}, err
		}
		if !match {
			continue
		}
		switch rule.To {
		case "complete":
			return transitionTarget{complete: true}, nil
		case "fail":
			return transitionTarget{fail: true}, nil
		default:
			return transitionTarget{phaseID: rule.To}, nil
		}
	}
	if next := def.NextPhase(phase.ID); next != nil {
		return transitionTarget{phaseID: next.ID}, nil
	}
	return transitionTarget{complete: true}, nil
}
