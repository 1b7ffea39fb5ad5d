// Package config holds all atelier configuration: defaults, YAML file
// loading, .env loading, and environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all atelier configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Data directory holding memory.db and bus.db
	DataDir string `yaml:"data_dir"`

	// KnowledgeCachePath optionally relocates the memory database, which
	// holds the knowledge cache alongside memories. Empty means
	// data_dir/memory.db.
	KnowledgeCachePath string `yaml:"knowledge_cache_path"`

	// Workspace directory where builder sessions write artifacts
	WorkspaceDir string `yaml:"workspace_dir"`

	// LLM configuration
	LLM LLMConfig `yaml:"llm"`

	// Embedding engine configuration
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Agent session configuration
	Agents map[string]AgentConfig `yaml:"agents"`

	// Session spawning
	Session SessionConfig `yaml:"session"`

	// Guardian budget and rules
	Guardian GuardianConfig `yaml:"guardian"`

	// Web search backend
	Search SearchConfig `yaml:"search"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the multi-provider LLM client.
type LLMConfig struct {
	DefaultModel string `yaml:"default_model"`
	MaxTokens    int    `yaml:"max_tokens"`

	// Context window guard for the orchestrator's conversation ring.
	ContextCeilingTokens int     `yaml:"context_ceiling_tokens"`
	ContextGuardRatio    float64 `yaml:"context_guard_ratio"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	// Provider: "hash" (local, deterministic) or "genai"
	Provider   string `yaml:"provider"`
	Dimensions int    `yaml:"dimensions"`

	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"`
}

// AgentConfig configures one spawnable worker role.
type AgentConfig struct {
	Model          string   `yaml:"model"`
	SoulPath       string   `yaml:"soul_path"`
	Tools          []string `yaml:"tools"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// SessionConfig configures child session spawning.
type SessionConfig struct {
	// SpawnBinary is the worker executable. Empty means self: the atelier
	// binary's own "sessions spawn" subcommand.
	SpawnBinary string `yaml:"spawn_binary"`

	// PromptsDir holds per-agent SOUL.md files and the shared TEAM.md.
	PromptsDir string `yaml:"prompts_dir"`
}

// GuardianConfig configures the guardian interceptor.
type GuardianConfig struct {
	DailyTokenBudget int64 `yaml:"daily_token_budget"`

	// ConventionRules holds inline convention-enforcement rules; when empty
	// the guardian falls back to configs/user/conventions.yaml.
	ConventionRules     string `yaml:"convention_rules"`
	ConventionRulesPath string `yaml:"convention_rules_path"`
}

// SearchConfig configures the pluggable web search backend.
type SearchConfig struct {
	// Backend: "brave", "tavily", "serpapi", or "none"
	Backend string `yaml:"backend"`
	APIKey  string `yaml:"api_key"`
}

// LoggingConfig mirrors the category logger settings.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:         "atelier",
		Version:      "1.0.0",
		DataDir:      "data",
		WorkspaceDir: "workspace",
		LLM: LLMConfig{
			DefaultModel:         "claude-sonnet-4-20250514",
			MaxTokens:            4096,
			ContextCeilingTokens: 100000,
			ContextGuardRatio:    0.85,
		},
		Embedding: EmbeddingConfig{
			Provider:   "hash",
			Dimensions: 384,
			GenAIModel: "gemini-embedding-001",
		},
		Agents: map[string]AgentConfig{
			"builder": {
				Tools:          []string{"exec", "read", "write", "edit"},
				TimeoutSeconds: 120,
			},
			"researcher": {
				Tools:          []string{"web_search", "web_fetch", "read"},
				TimeoutSeconds: 90,
			},
			"verifier": {
				Tools:          []string{"web_search", "web_fetch", "read"},
				TimeoutSeconds: 90,
			},
			"guardian": {
				Tools:          []string{"read"},
				TimeoutSeconds: 120,
			},
		},
		Session: SessionConfig{
			PromptsDir: "prompts",
		},
		Guardian: GuardianConfig{
			DailyTokenBudget:    1_000_000,
			ConventionRulesPath: filepath.Join("configs", "user", "conventions.yaml"),
		},
		Search: SearchConfig{
			Backend: "none",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration: defaults, then the YAML file at path (if it
// exists), then .env, then environment overrides. A missing file is not an
// error; a malformed file is.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	// .env is optional; ignore a missing file.
	_ = godotenv.Load()

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets environment variables win over file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LLM_DEFAULT_MODEL"); v != "" {
		c.LLM.DefaultModel = v
	}
	if v := os.Getenv("WORKSPACE_DIR"); v != "" {
		c.WorkspaceDir = v
	}
	if v := os.Getenv("ATELIER_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("KNOWLEDGE_CACHE_PATH"); v != "" {
		c.KnowledgeCachePath = v
	}
	if v := os.Getenv("COST_BUDGET_DAILY_TOKENS"); v != "" {
		var budget int64
		if _, err := fmt.Sscanf(v, "%d", &budget); err == nil && budget > 0 {
			c.Guardian.DailyTokenBudget = budget
		}
	}
	if v := os.Getenv("GUARDIAN_CONVENTION_RULES"); v != "" {
		c.Guardian.ConventionRules = v
	}
	if v := os.Getenv("SEARCH_BACKEND"); v != "" {
		c.Search.Backend = v
	}
	switch c.Search.Backend {
	case "brave":
		if key := os.Getenv("BRAVE_API_KEY"); key != "" {
			c.Search.APIKey = key
		}
	case "tavily":
		if key := os.Getenv("TAVILY_API_KEY"); key != "" {
			c.Search.APIKey = key
		}
	case "serpapi":
		if key := os.Getenv("SERPAPI_API_KEY"); key != "" {
			c.Search.APIKey = key
		}
	}
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" && c.Embedding.GenAIAPIKey == "" {
		c.Embedding.GenAIAPIKey = key
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.LLM.ContextGuardRatio <= 0 || c.LLM.ContextGuardRatio > 1 {
		return fmt.Errorf("context_guard_ratio must be in (0,1], got %f", c.LLM.ContextGuardRatio)
	}
	for name, agent := range c.Agents {
		if agent.TimeoutSeconds < 0 {
			return fmt.Errorf("agent %s: timeout_seconds must not be negative", name)
		}
	}
	return nil
}

// MemoryDBPath returns the path of the memory database file. The
// knowledge cache shares this file, so KNOWLEDGE_CACHE_PATH moves it.
func (c *Config) MemoryDBPath() string {
	if c.KnowledgeCachePath != "" {
		return c.KnowledgeCachePath
	}
	return filepath.Join(c.DataDir, "memory.db")
}

// BusDBPath returns the path of the message bus database file.
func (c *Config) BusDBPath() string {
	return filepath.Join(c.DataDir, "bus.db")
}

// AgentFor returns the configuration for an agent role, falling back to a
// default entry (builder-like timeout, no tools) for unknown roles.
func (c *Config) AgentFor(name string) AgentConfig {
	if a, ok := c.Agents[name]; ok {
		return a
	}
	return AgentConfig{TimeoutSeconds: 120}
}
