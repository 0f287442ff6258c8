// Package config loads perloop's declarative TOML configuration, in the
// shape of vinayprograms-agent's internal/config package: a single Config
// struct with nested per-concern tables, secrets overridable from a .env
// file via godotenv.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// ExecutorConfig covers the EXECUTOR_* config surface from spec.md §6.
type ExecutorConfig struct {
	MaxSteps              int           `toml:"max_steps"`
	MessageCompressThreshold int        `toml:"message_compress_threshold"`
	TokenCompressThreshold int          `toml:"token_compress_threshold"`
	NoArtifactsPatience   int           `toml:"no_artifacts_patience"`
	FailureThreshold      int           `toml:"failure_threshold"`
	RecentMessagesKeep    int           `toml:"recent_messages_keep"`
	CompressInterval      int           `toml:"compress_interval"`
	ToolTimeout           time.Duration `toml:"tool_timeout"`
	MaxOutputLength       int           `toml:"max_output_length"`
}

// PlannerConfig covers the Planner's context-retention window.
type PlannerConfig struct {
	HistoryWindow int `toml:"history_window"`
}

// ReflectorConfig covers the Reflector's context-retention window and the
// secondary-validation toggle (DESIGN.md Open Question (a)).
type ReflectorConfig struct {
	HistoryWindow       int  `toml:"history_window"`
	SecondaryValidation bool `toml:"secondary_validation"`
}

// LLMConfig configures the model transport.
type LLMConfig struct {
	Provider  string `toml:"provider"`
	APIKeyEnv string `toml:"api_key_env"`
	Model     string `toml:"model"`
	MaxTokens int64  `toml:"max_tokens"`
}

// StorageConfig configures the Persistence Sink's durable backend.
type StorageConfig struct {
	MongoURI string `toml:"mongo_uri"`
	Database string `toml:"database"`
}

// MCPServerConfig is one declared tool server, matching spec.md §6's
// {name, command, args, env, type:"stdio"} shape (grounded on
// vinayprograms-agent's MCPServerConfig).
type MCPServerConfig struct {
	Name    string            `toml:"name"`
	Command string            `toml:"command"`
	Args    []string          `toml:"args"`
	Env     map[string]string `toml:"env"`
	Type    string            `toml:"type"`
}

// MCPConfig is the declarative tool-server discovery config.
type MCPConfig struct {
	Servers []MCPServerConfig `toml:"servers"`
}

// HITLConfig configures the Intervention Manager.
type HITLConfig struct {
	Enabled        bool          `toml:"enabled"`
	ApprovalTimeout time.Duration `toml:"approval_timeout"`
}

// TelemetryConfig configures the ambient observability stack.
type TelemetryConfig struct {
	OutputMode string `toml:"output_mode"` // simple | default | debug
}

// KnowledgeConfig configures the external knowledge-retrieval service.
type KnowledgeConfig struct {
	BaseURL string        `toml:"base_url"`
	Timeout time.Duration `toml:"timeout"`
}

// Config is the root configuration object, loaded from a single TOML file.
type Config struct {
	ScenarioMode string          `toml:"scenario_mode"`
	Executor     ExecutorConfig  `toml:"executor"`
	Planner      PlannerConfig   `toml:"planner"`
	Reflector    ReflectorConfig `toml:"reflector"`
	LLM          LLMConfig       `toml:"llm"`
	Storage      StorageConfig   `toml:"storage"`
	MCP          MCPConfig       `toml:"mcp"`
	HITL         HITLConfig      `toml:"hitl"`
	Telemetry    TelemetryConfig `toml:"telemetry"`
	Knowledge    KnowledgeConfig `toml:"knowledge"`
}

// Default returns the built-in defaults, matching the constants spec.md §4.6
// and §6 suggest.
func Default() Config {
	return Config{
		ScenarioMode: "default",
		Executor: ExecutorConfig{
			MaxSteps:                 30,
			MessageCompressThreshold: 60,
			TokenCompressThreshold:   24000, // ~6000 tokens at 4 chars/token
			NoArtifactsPatience:      5,
			FailureThreshold:         3,
			RecentMessagesKeep:       8,
			CompressInterval:         8,
			ToolTimeout:              300 * time.Second,
			MaxOutputLength:          4000,
		},
		Planner:   PlannerConfig{HistoryWindow: 20},
		Reflector: ReflectorConfig{HistoryWindow: 20, SecondaryValidation: true},
		LLM:       LLMConfig{Provider: "anthropic", APIKeyEnv: "ANTHROPIC_API_KEY", MaxTokens: 4096},
		HITL:      HITLConfig{Enabled: true, ApprovalTimeout: 3600 * time.Second},
		Telemetry: TelemetryConfig{OutputMode: "default"},
		Knowledge: KnowledgeConfig{Timeout: 30 * time.Second},
	}
}

// LoadFile reads and parses a TOML config file, starting from Default() so
// unset fields keep their defaults.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: load %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDefault loads the config file named by the PERLOOP_CONFIG environment
// variable (default "perloop.toml"), applying a ".env" overlay for secrets
// first if one is present.
func LoadDefault() (Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}
	path := os.Getenv("PERLOOP_CONFIG")
	if path == "" {
		path = "perloop.toml"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return LoadFile(path)
}
