// Package config holds all devloop configuration.
// The config file is YAML with a closed schema: unknown keys are logged and
// ignored, defaults are applied at load time, and a handful of environment
// variables override file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all devloop configuration.
type Config struct {
	// Root is the devloop state directory (run dirs, facts db, logs).
	Root string `yaml:"root"`

	Workflows   WorkflowsConfig   `yaml:"workflows"`
	FactsMemory FactsMemoryConfig `yaml:"factsMemory"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// WorkflowsConfig configures the orchestrator side.
type WorkflowsConfig struct {
	MaxConcurrent       int             `yaml:"maxConcurrent"`
	MaxReviewIterations int             `yaml:"maxReviewIterations"`
	MaxRetries          int             `yaml:"maxRetries"`
	Retention           RetentionConfig `yaml:"retention"`
	Policy              PolicyConfig    `yaml:"policy"`
	Routing             RoutingConfig   `yaml:"routing"`
}

// RetentionConfig configures run directory cleanup.
type RetentionConfig struct {
	MaxCompleted          int `yaml:"maxCompleted"`
	MaxDiskPerWorkflowMb  int `yaml:"maxDiskPerWorkflowMb"`
	MaxTotalDiskGb        int `yaml:"maxTotalDiskGb"`
	LogRetentionDays      int `yaml:"logRetentionDays"`
	FailedLogRetentionDays int `yaml:"failedLogRetentionDays"`
	ArtifactRetentionDays int `yaml:"artifactRetentionDays"`
}

// PolicyConfig configures policy enforcement.
type PolicyConfig struct {
	// Path to the workflow policy YAML; empty means built-in default policy.
	File              string `yaml:"file"`
	ApprovalTimeoutMs int    `yaml:"approvalTimeoutMs"`
	// Exec approval rate limit, sliding window per session key.
	RateLimitPerMinute int `yaml:"rateLimitPerMinute"`
}

// RoutingConfig configures intent routing of chat requests into workflows.
type RoutingConfig struct {
	Enabled       bool    `yaml:"enabled"`
	MinConfidence float64 `yaml:"minConfidence"`
	AutoStart     bool    `yaml:"autoStart"`
}

// FactsMemoryConfig configures the facts memory engine.
type FactsMemoryConfig struct {
	Enabled      bool                  `yaml:"enabled"`
	DBPath       string                `yaml:"dbPath"`
	MarkdownPath string                `yaml:"markdownPath"`
	Extraction   ExtractionConfig      `yaml:"extraction"`
	Limits       GuardrailLimitsConfig `yaml:"limits"`
	Retention    FactsRetentionConfig  `yaml:"retention"`
	Scheduler    SchedulerConfig       `yaml:"scheduler"`
	Alerts       AlertsConfig          `yaml:"alerts"`
	Access       AccessConfig          `yaml:"access"`
}

// ExtractionConfig configures the fact extraction LLM.
type ExtractionConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"` // anthropic, stub
	Model    string `yaml:"model"`
}

// GuardrailLimitsConfig bounds extraction batches.
type GuardrailLimitsConfig struct {
	MaxMessages int `yaml:"maxMessages"`
	MaxFacts    int `yaml:"maxFacts"`
	MaxTokens   int `yaml:"maxTokens"`
	CooldownMs  int `yaml:"cooldownMs"`
}

// FactsRetentionConfig bounds the memory store.
type FactsRetentionConfig struct {
	MaxAgeDays            int     `yaml:"maxAgeDays"`
	MaxSizeMb             int     `yaml:"maxSizeMb"`
	PruneLowImportance    bool    `yaml:"pruneLowImportance"`
	MinImportance         float64 `yaml:"minImportance"`
	TruncateSummariesDays int     `yaml:"truncateSummariesDays"`
}

// SchedulerConfig configures the consolidation cron jobs.
type SchedulerConfig struct {
	DailyEnabled  bool   `yaml:"dailyEnabled"`
	DailyCron     string `yaml:"dailyCron"`
	WeeklyEnabled bool   `yaml:"weeklyEnabled"`
	WeeklyCron    string `yaml:"weeklyCron"`
	Timezone      string `yaml:"timezone"`
}

// AlertsConfig configures health checks.
type AlertsConfig struct {
	HealthCheckEnabled bool   `yaml:"healthCheckEnabled"`
	HealthCheckCron    string `yaml:"healthCheckCron"`
}

// AccessConfig configures role-gated memory access.
type AccessConfig struct {
	Enabled     bool   `yaml:"enabled"`
	DefaultRole string `yaml:"defaultRole"`
}

// LoggingConfig configures diagnostic logging.
type LoggingConfig struct {
	Enabled    bool            `yaml:"enabled"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the configuration with all defaults applied.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	root := filepath.Join(home, ".devloop")

	return &Config{
		Root: root,
		Workflows: WorkflowsConfig{
			MaxConcurrent:       5,
			MaxReviewIterations: 3,
			MaxRetries:          2,
			Retention: RetentionConfig{
				MaxCompleted:           20,
				MaxDiskPerWorkflowMb:   512,
				MaxTotalDiskGb:         10,
				LogRetentionDays:       14,
				FailedLogRetentionDays: 30,
				ArtifactRetentionDays:  30,
			},
			Policy: PolicyConfig{
				ApprovalTimeoutMs:  60000,
				RateLimitPerMinute: 60,
			},
			Routing: RoutingConfig{
				Enabled:       false,
				MinConfidence: 0.7,
				AutoStart:     false,
			},
		},
		FactsMemory: FactsMemoryConfig{
			Enabled:      true,
			DBPath:       filepath.Join(root, "facts.db"),
			MarkdownPath: filepath.Join(root, "memory"),
			Extraction: ExtractionConfig{
				Enabled:  false,
				Provider: "anthropic",
			},
			Limits: GuardrailLimitsConfig{
				MaxMessages: 25,
				MaxFacts:    50,
				MaxTokens:   1500,
				CooldownMs:  30000,
			},
			Retention: FactsRetentionConfig{
				MaxAgeDays:            180,
				MaxSizeMb:             256,
				PruneLowImportance:    true,
				MinImportance:         0.3,
				TruncateSummariesDays: 365,
			},
			Scheduler: SchedulerConfig{
				DailyEnabled:  true,
				DailyCron:     "55 23 * * *",
				WeeklyEnabled: true,
				WeeklyCron:    "0 3 * * 0",
				Timezone:      "Local",
			},
			Alerts: AlertsConfig{
				HealthCheckEnabled: true,
				HealthCheckCron:    "0 6 * * *",
			},
			Access: AccessConfig{
				Enabled:     false,
				DefaultRole: "user",
			},
		},
		Logging: LoggingConfig{
			Enabled: false,
			Level:   "info",
		},
	}
}

// Load reads config from path, applies defaults for missing keys, logs and
// ignores unknown keys, and applies environment overrides. A missing file
// yields the default config.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	// Second strict pass only to surface unknown keys; lenient parse above
	// already populated cfg.
	for _, unknown := range probeUnknownKeys(data) {
		fmt.Fprintf(os.Stderr, "[config] ignoring unknown key: %s\n", unknown)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// probeUnknownKeys re-decodes with KnownFields(true) and collects offending
// key names from the error text. Best-effort: decode errors unrelated to
// unknown fields return nil.
func probeUnknownKeys(data []byte) []string {
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	var probe Config
	err := dec.Decode(&probe)
	if err == nil {
		return nil
	}
	var keys []string
	for _, line := range strings.Split(err.Error(), "\n") {
		if idx := strings.Index(line, "field "); idx >= 0 {
			rest := line[idx+len("field "):]
			if end := strings.Index(rest, " "); end > 0 {
				keys = append(keys, rest[:end])
			} else {
				keys = append(keys, rest)
			}
		}
	}
	return keys
}

// Save writes the config to disk as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// applyEnvOverrides lets a few environment variables win over file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DEVLOOP_ROOT"); v != "" {
		c.Root = v
	}
	if v := os.Getenv("DEVLOOP_FACTS_DB"); v != "" {
		c.FactsMemory.DBPath = v
	}
	if v := os.Getenv("DEVLOOP_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Workflows.MaxConcurrent = n
		}
	}
	if v := os.Getenv("DEVLOOP_DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		c.Logging.Enabled = true
		c.Logging.Level = "debug"
	}
}

// WorkflowsRoot returns the directory holding run directories.
func (c *Config) WorkflowsRoot() string {
	return filepath.Join(c.Root, "workflows")
}

// ApprovalTimeout returns the approval prompt timeout as a duration.
func (c *Config) ApprovalTimeout() time.Duration {
	ms := c.Workflows.Policy.ApprovalTimeoutMs
	if ms <= 0 {
		ms = 60000
	}
	return time.Duration(ms) * time.Millisecond
}

// ExtractionCooldown returns the extraction cooldown as a duration.
func (c *Config) ExtractionCooldown() time.Duration {
	ms := c.FactsMemory.Limits.CooldownMs
	if ms <= 0 {
		ms = 30000
	}
	return time.Duration(ms) * time.Millisecond
}

// Validate checks invariants that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("root directory is required")
	}
	if c.Workflows.MaxConcurrent < 1 {
		return fmt.Errorf("workflows.maxConcurrent must be >= 1")
	}
	if c.Workflows.MaxReviewIterations < 1 {
		return fmt.Errorf("workflows.maxReviewIterations must be >= 1")
	}
	if c.FactsMemory.Enabled && c.FactsMemory.DBPath == "" {
		return fmt.Errorf("factsMemory.dbPath is required when factsMemory is enabled")
	}
	if r := c.FactsMemory.Access.DefaultRole; r != "" {
		switch r {
		case "admin", "user", "guest":
		default:
			return fmt.Errorf("factsMemory.access.defaultRole must be admin, user or guest (got %q)", r)
		}
	}
	if tz := c.FactsMemory.Scheduler.Timezone; tz != "" && tz != "Local" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("invalid factsMemory.scheduler.timezone %q: %w", tz, err)
		}
	}
	return nil
}
