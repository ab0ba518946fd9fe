package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// knownEngines are the engine ids a definition may reference.
var knownEngines = map[string]bool{
	"planner":   true,
	"executor":  true,
	"reviewer":  true,
	"finalizer": true,
}

// DevCycleDefinition returns the built-in dev-cycle definition:
// planning -> execution -> review -> finalize, with a replan loop when the
// reviewer rejects.
func DevCycleDefinition() *WorkflowDefinition {
	return &WorkflowDefinition{
		Type: "dev-cycle",
		Phases: []PhaseDefinition{
			{
				ID:              "planning",
				Engine:          "planner",
				Agent:           AgentConfig{Provider: "claude"},
				OutputArtifacts: []string{"plan.md", "tasks.json"},
				Settings:        PhaseSettings{TimeoutMs: 600000, Retries: 1},
			},
			{
				ID:              "execution",
				Engine:          "executor",
				Agent:           AgentConfig{Provider: "claude"},
				InputArtifacts:  []string{"tasks.json"},
				OutputArtifacts: []string{"tasks.json", "execution-report.json"},
				Settings:        PhaseSettings{TimeoutMs: 1800000, Retries: 1},
			},
			{
				ID:              "review",
				Engine:          "reviewer",
				Agent:           AgentConfig{Provider: "claude"},
				OutputArtifacts: []string{"review.json", "recommendations.json"},
				Settings:        PhaseSettings{TimeoutMs: 600000, Retries: 1},
				Transitions: []TransitionRule{
					{When: "review.approved == false", To: "planning"},
				},
			},
			{
				ID:              "finalize",
				Engine:          "finalizer",
				Agent:           AgentConfig{Provider: "claude"},
				OutputArtifacts: []string{"summary.md"},
				Settings:        PhaseSettings{TimeoutMs: 300000},
			},
		},
	}
}

// LoadDefinition reads a workflow definition from a YAML file.
func LoadDefinition(path string) (*WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &IOError{Op: "read", Path: path, Err: err}
	}
	var def WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse definition %s: %w", path, err)
	}
	if err := ValidateDefinition(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// ValidateDefinition checks structural invariants of a definition.
func ValidateDefinition(def *WorkflowDefinition) error {
	if def.Type == "" {
		return Validationf("definition type is required")
	}
	if len(def.Phases) == 0 {
		return Validationf("definition %s has no phases", def.Type)
	}
	seen := make(map[string]bool, len(def.Phases))
	for i := range def.Phases {
		p := &def.Phases[i]
		if p.ID == "" {
			return Validationf("definition %s: phase %d has no id", def.Type, i)
		}
		if seen[p.ID] {
			return Validationf("definition %s: duplicate phase id %q", def.Type, p.ID)
		}
		seen[p.ID] = true
		if !knownEngines[p.Engine] {
			return Validationf("definition %s: phase %s references unknown engine %q",
				def.Type, p.ID, p.Engine)
		}
	}
	// Transition targets must resolve.
	for i := range def.Phases {
		for _, t := range def.Phases[i].Transitions {
			if t.To == "complete" || t.To == "fail" {
				continue
			}
			if !seen[t.To] {
				return Validationf("definition %s: phase %s transition targets unknown phase %q",
					def.Type, def.Phases[i].ID, t.To)
			}
		}
	}
	return nil
}

// Registry maps definition types to definitions.
type Registry struct {
	defs map[string]*WorkflowDefinition
}

// NewRegistry creates a registry preloaded with the built-in definitions.
func NewRegistry() *Registry {
	r := &Registry{defs: make(map[string]*WorkflowDefinition)}
	r.Register(DevCycleDefinition())
	return r
}

// Register adds or replaces a definition.
func (r *Registry) Register(def *WorkflowDefinition) {
	r.defs[def.Type] = def
}

// Get returns the definition for a type, or nil.
func (r *Registry) Get(defType string) *WorkflowDefinition {
	return r.defs[defType]
}
