// Package config loads engine configuration from YAML with environment
// overrides. Precedence: defaults, then file, then environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override key.
const EnvPrefix = "PAPERFORGE"

// Config is the full engine configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Automation AutomationConfig `yaml:"automation"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Agent      AgentConfig      `yaml:"agent"`
	Search     SearchConfig     `yaml:"search"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig configures the persistence layer.
type DatabaseConfig struct {
	// DSN for the sqlite database. ":memory:" is accepted for tests.
	DSN string `yaml:"dsn"`
}

// AutomationConfig configures the pipeline orchestrator.
type AutomationConfig struct {
	// StageDeadline bounds each stage task. Zero disables the deadline.
	StageDeadline time.Duration `yaml:"stage_deadline"`
	// BatchSize is the number of hypotheses evaluated concurrently.
	BatchSize int `yaml:"batch_size"`
}

// SandboxConfig configures experiment execution.
type SandboxConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	Python         string        `yaml:"python"`
	WorkRoot       string        `yaml:"work_root"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
	MaxConcurrent  int64         `yaml:"max_concurrent"`
}

// AgentConfig configures the LLM agent endpoint.
type AgentConfig struct {
	BaseURL  string        `yaml:"base_url"`
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"`
	MaxTurns int           `yaml:"max_turns"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SearchConfig configures the literature search client.
type SearchConfig struct {
	ArxivBaseURL string        `yaml:"arxiv_base_url"`
	MaxResults   int           `yaml:"max_results"`
	Timeout      time.Duration `yaml:"timeout"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level    string `yaml:"level"`    // debug, info, warn, error
	Encoding string `yaml:"encoding"` // json or console
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "paperforge.db",
		},
		Automation: AutomationConfig{
			StageDeadline: 10 * time.Minute,
			BatchSize:     8,
		},
		Sandbox: SandboxConfig{
			Timeout:        30 * time.Second,
			Python:         "python3",
			MaxOutputBytes: 1024 * 1024,
			MaxConcurrent:  4,
		},
		Agent: AgentConfig{
			BaseURL:  "https://api.openai.com/v1",
			Model:    "gpt-4o-mini",
			MaxTurns: 50,
			Timeout:  2 * time.Minute,
		},
		Search: SearchConfig{
			ArxivBaseURL: "http://export.arxiv.org/api/query",
			MaxResults:   10,
			Timeout:      30 * time.Second,
		},
		Log: LogConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// Load reads configuration from an optional YAML file and applies
// environment overrides. An empty path loads defaults plus environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks invariants the engine depends on.
func (c Config) Validate() error {
	if c.Automation.BatchSize <= 0 {
		return fmt.Errorf("automation.batch_size must be positive, got %d", c.Automation.BatchSize)
	}
	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("sandbox.timeout must be positive, got %s", c.Sandbox.Timeout)
	}
	if c.Sandbox.MaxConcurrent <= 0 {
		return fmt.Errorf("sandbox.max_concurrent must be positive, got %d", c.Sandbox.MaxConcurrent)
	}
	if c.Agent.MaxTurns <= 0 {
		return fmt.Errorf("agent.max_turns must be positive, got %d", c.Agent.MaxTurns)
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Database.DSN, "DATABASE_DSN")
	setInt(&cfg.Server.HTTPPort, "HTTP_PORT")
	setDuration(&cfg.Automation.StageDeadline, "STAGE_DEADLINE")
	setInt(&cfg.Automation.BatchSize, "BATCH_SIZE")
	setDuration(&cfg.Sandbox.Timeout, "SANDBOX_TIMEOUT")
	setString(&cfg.Sandbox.Python, "SANDBOX_PYTHON")
	setString(&cfg.Sandbox.WorkRoot, "SANDBOX_WORK_ROOT")
	setString(&cfg.Agent.BaseURL, "AGENT_BASE_URL")
	setString(&cfg.Agent.APIKey, "AGENT_API_KEY")
	setString(&cfg.Agent.Model, "AGENT_MODEL")
	setString(&cfg.Search.ArxivBaseURL, "ARXIV_BASE_URL")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Log.Encoding, "LOG_ENCODING")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + "_" + key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + "_" + key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + "_" + key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// BuildLogger constructs a zap logger from the log configuration.
func (c LogConfig) BuildLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", c.Level, err)
	}

	zcfg := zap.NewProductionConfig()
	if c.Encoding == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
