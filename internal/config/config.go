// Package config handles configuration loading and validation for
// Foreman. Settings come from a YAML file with environment overrides;
// nothing is read at import time.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/foremanhq/foreman/pkg/models"
)

// Config holds all settings for the engine and its collaborators.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Ollama    OllamaConfig    `mapstructure:"ollama"`
	Image     ImageConfig     `mapstructure:"image"`
	Knowledge KnowledgeConfig `mapstructure:"knowledge"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	// Pricing maps concrete model IDs to per-megatoken prices.
	Pricing map[string]ModelPricing `mapstructure:"model_pricing"`
	// DataDir is where the database and project sandboxes live.
	DataDir string `mapstructure:"data_dir"`
}

// ServerConfig holds the HTTP adapter settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// AnthropicConfig holds hosted-model settings.
type AnthropicConfig struct {
	// APIKey is the Anthropic API key; falls back to ANTHROPIC_API_KEY.
	APIKey string `mapstructure:"api_key"`
	// PlanningModel generates plans from requirements.
	PlanningModel string `mapstructure:"planning_model"`
	// Models maps a tier name (haiku, sonnet, opus) to a model ID.
	Models map[string]string `mapstructure:"models"`
	// Timeout bounds each generate request.
	Timeout time.Duration `mapstructure:"timeout"`
	// UseBedrock routes requests through AWS Bedrock.
	UseBedrock bool `mapstructure:"use_bedrock"`
	// AWSRegion is the Bedrock region.
	AWSRegion string `mapstructure:"aws_region"`
	// AWSProfile is an optional shared-config profile for Bedrock.
	AWSProfile string `mapstructure:"aws_profile"`
}

// OllamaConfig holds local-inference settings.
type OllamaConfig struct {
	// Hosts maps a host key to a base URL; "local" is the default host.
	Hosts map[string]string `mapstructure:"hosts"`
	// DefaultModel is used for generation when none is named.
	DefaultModel string `mapstructure:"default_model"`
	// EmbedModel produces embeddings for knowledge search.
	EmbedModel string `mapstructure:"embed_model"`
	// GenerateTimeout bounds one generate call.
	GenerateTimeout time.Duration `mapstructure:"generate_timeout"`
	// EmbedTimeout bounds one embedding call.
	EmbedTimeout time.Duration `mapstructure:"embed_timeout"`
}

// ImageConfig holds image-generation service settings.
type ImageConfig struct {
	// Hosts maps a host key to a base URL.
	Hosts map[string]string `mapstructure:"hosts"`
	// Checkpoint is the default model checkpoint name.
	Checkpoint string `mapstructure:"checkpoint"`
	// SubmitTimeout bounds the job submission call.
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
	// Timeout bounds the whole submit+poll cycle.
	Timeout time.Duration `mapstructure:"timeout"`
}

// KnowledgeConfig holds knowledge-base settings for the search tools.
type KnowledgeConfig struct {
	// Databases maps a knowledge-base name to a SQLite file path.
	Databases map[string]string `mapstructure:"databases"`
	// EmbedDimensions is the stored embedding width.
	EmbedDimensions int `mapstructure:"embed_dimensions"`
	// ReloadCooldown delays re-opening a database after a load failure.
	ReloadCooldown time.Duration `mapstructure:"reload_cooldown"`
}

// BudgetConfig holds spending limits.
type BudgetConfig struct {
	// DailyLimitUSD caps spend per UTC day.
	DailyLimitUSD float64 `mapstructure:"daily_limit_usd"`
	// MonthlyLimitUSD caps spend per UTC month.
	MonthlyLimitUSD float64 `mapstructure:"monthly_limit_usd"`
	// PerProjectLimitUSD caps lifetime spend per project.
	PerProjectLimitUSD float64 `mapstructure:"per_project_limit_usd"`
	// WarnAtPct is the warning threshold percentage.
	WarnAtPct float64 `mapstructure:"warn_at_pct"`
}

// ExecutionConfig holds executor tuning.
type ExecutionConfig struct {
	// MaxConcurrentTasks is the concurrency gate capacity.
	MaxConcurrentTasks int `mapstructure:"max_concurrent_tasks"`
	// TickInterval is the scheduler period.
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// MaxToolRounds bounds agent request/response turns per task.
	MaxToolRounds int `mapstructure:"max_tool_rounds"`
	// DefaultMaxTokens caps each model response.
	DefaultMaxTokens int `mapstructure:"default_max_tokens"`
	// MaxTaskRetries bounds transient-failure retries.
	MaxTaskRetries int `mapstructure:"max_task_retries"`
	// BackoffBase is the first retry delay; doubles per attempt.
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	// BackoffMax caps the retry delay.
	BackoffMax time.Duration `mapstructure:"backoff_max"`
	// ContextForwardMaxChars truncates dependency output forwarded into
	// dependent tasks.
	ContextForwardMaxChars int `mapstructure:"context_forward_max_chars"`
	// ShutdownGrace bounds the wait for in-flight workers on stop.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
	// CheckpointOnRetryExhausted creates a checkpoint instead of failing
	// a task outright when retries run out.
	CheckpointOnRetryExhausted bool `mapstructure:"checkpoint_on_retry_exhausted"`
	// VerificationEnabled runs the output-quality gate on completed
	// hosted-tier tasks.
	VerificationEnabled bool `mapstructure:"verification_enabled"`
	// VerificationModel is the cheap model the gate uses.
	VerificationModel string `mapstructure:"verification_model"`
	// VerificationMaxTokens caps the gate's response.
	VerificationMaxTokens int `mapstructure:"verification_max_tokens"`
}

// MonitorConfig holds resource-monitor tuning.
type MonitorConfig struct {
	// CheckInterval is the probe period.
	CheckInterval time.Duration `mapstructure:"check_interval"`
	// ProbeTimeout bounds one health probe.
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// ModelPricing is the per-megatoken price for one model.
type ModelPricing struct {
	// InputPerMTok is USD per million input tokens.
	InputPerMTok float64 `mapstructure:"input_per_mtok"`
	// OutputPerMTok is USD per million output tokens.
	OutputPerMTok float64 `mapstructure:"output_per_mtok"`
}

// DBPath returns the SQLite database path under the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "foreman.db")
}

// ProjectsDir returns the sandbox root for file tools.
func (c *Config) ProjectsDir() string {
	return filepath.Join(c.DataDir, "projects")
}

// ModelID resolves a tier to its configured model ID.
func (c *Config) ModelID(tier models.ModelTier) string {
	if tier == models.TierLocal {
		return c.Ollama.DefaultModel
	}
	if id, ok := c.Anthropic.Models[string(tier)]; ok && id != "" {
		return id
	}
	return defaultModels[string(tier)]
}

// Fallback model IDs used when the config omits a tier mapping.
var defaultModels = map[string]string{
	"haiku":  "claude-haiku-4-5-20251001",
	"sonnet": "claude-sonnet-4-6",
	"opus":   "claude-opus-4-6",
}

// Load reads the config file at path (or the default search locations
// when path is empty), applies environment overrides, and returns the
// populated Config. Validation is separate; call Validate before use.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FOREMAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("foreman")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "foreman"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine: defaults + env carry a usable config.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if path != "" {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Anthropic.APIKey == "" {
		cfg.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}

	return &cfg, nil
}

// setDefaults registers every default so a bare environment still
// yields a runnable config.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 5200)

	v.SetDefault("anthropic.planning_model", "claude-sonnet-4-6")
	v.SetDefault("anthropic.timeout", 120*time.Second)

	v.SetDefault("ollama.hosts", map[string]string{"local": "http://localhost:11434"})
	v.SetDefault("ollama.default_model", "qwen2.5-coder:14b")
	v.SetDefault("ollama.embed_model", "nomic-embed-text")
	v.SetDefault("ollama.generate_timeout", 120*time.Second)
	v.SetDefault("ollama.embed_timeout", 30*time.Second)

	v.SetDefault("image.hosts", map[string]string{"local": "http://localhost:8188"})
	v.SetDefault("image.checkpoint", "sd_xl_base_1.0.safetensors")
	v.SetDefault("image.submit_timeout", 30*time.Second)
	v.SetDefault("image.timeout", 300*time.Second)

	v.SetDefault("knowledge.embed_dimensions", 768)
	v.SetDefault("knowledge.reload_cooldown", time.Minute)

	v.SetDefault("budget.daily_limit_usd", 5.0)
	v.SetDefault("budget.monthly_limit_usd", 50.0)
	v.SetDefault("budget.per_project_limit_usd", 10.0)
	v.SetDefault("budget.warn_at_pct", 80.0)

	v.SetDefault("execution.max_concurrent_tasks", 3)
	v.SetDefault("execution.tick_interval", 2*time.Second)
	v.SetDefault("execution.max_tool_rounds", 10)
	v.SetDefault("execution.default_max_tokens", 4096)
	v.SetDefault("execution.max_task_retries", 3)
	v.SetDefault("execution.backoff_base", 5*time.Second)
	v.SetDefault("execution.backoff_max", 120*time.Second)
	v.SetDefault("execution.context_forward_max_chars", 2000)
	v.SetDefault("execution.shutdown_grace", 30*time.Second)
	v.SetDefault("execution.checkpoint_on_retry_exhausted", true)
	v.SetDefault("execution.verification_enabled", false)
	v.SetDefault("execution.verification_model", "claude-haiku-4-5-20251001")
	v.SetDefault("execution.verification_max_tokens", 1024)

	v.SetDefault("monitor.check_interval", 30*time.Second)
	v.SetDefault("monitor.probe_timeout", 2*time.Second)

	v.SetDefault("data_dir", "data")
}

// Validate checks values that would otherwise fail at an awkward time.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	for label, val := range map[string]float64{
		"budget.daily_limit_usd":       c.Budget.DailyLimitUSD,
		"budget.monthly_limit_usd":     c.Budget.MonthlyLimitUSD,
		"budget.per_project_limit_usd": c.Budget.PerProjectLimitUSD,
	} {
		if val < 0 {
			return fmt.Errorf("%s must be >= 0, got %v", label, val)
		}
	}
	for label, val := range map[string]time.Duration{
		"anthropic.timeout":       c.Anthropic.Timeout,
		"ollama.generate_timeout": c.Ollama.GenerateTimeout,
		"execution.tick_interval": c.Execution.TickInterval,
		"execution.backoff_base":  c.Execution.BackoffBase,
		"monitor.check_interval":  c.Monitor.CheckInterval,
	} {
		if val <= 0 {
			return fmt.Errorf("%s must be > 0, got %v", label, val)
		}
	}
	if c.Execution.MaxConcurrentTasks < 1 {
		return fmt.Errorf("execution.max_concurrent_tasks must be >= 1, got %d", c.Execution.MaxConcurrentTasks)
	}
	if c.Execution.MaxToolRounds < 1 {
		return fmt.Errorf("execution.max_tool_rounds must be >= 1, got %d", c.Execution.MaxToolRounds)
	}
	if c.Execution.VerificationEnabled && c.Execution.VerificationMaxTokens < 1 {
		return fmt.Errorf("execution.verification_max_tokens must be >= 1, got %d", c.Execution.VerificationMaxTokens)
	}
	for name, p := range c.Knowledge.Databases {
		if p == "" {
			return fmt.Errorf("knowledge.databases.%s has an empty path", name)
		}
	}
	return nil
}
