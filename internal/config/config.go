// Package config provides configuration for the executor.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. AIOPS_HTTP_PORT.
const EnvPrefix = "AIOPS"

// ModeMock selects the deterministic mock LLM client.
const ModeMock = "MOCK"

// Config holds the executor configuration.
type Config struct {
	// Server settings
	HTTPPort int `mapstructure:"http_port"`
	RPCPort  int `mapstructure:"rpc_port"`

	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	EventLog  EventLogConfig  `mapstructure:"eventlog"`
	Stream    StreamConfig    `mapstructure:"stream"`
	LLM       LLMConfig       `mapstructure:"llm"`

	// Directory of YAML/JSON team definitions; empty disables loading.
	TeamsDir   string `mapstructure:"teams_dir"`
	PolicyFile string `mapstructure:"policy_file"`
	Mode       string `mapstructure:"mode"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// DatabaseConfig selects the store backend.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	URL    string `mapstructure:"url"`
}

// SchedulerConfig bounds node dispatch.
type SchedulerConfig struct {
	MaxParallelNodes int           `mapstructure:"max_parallel_nodes"`
	NodeTimeout      time.Duration `mapstructure:"node_timeout"`
}

// EventLogConfig controls event timestamps.
type EventLogConfig struct {
	Granularity time.Duration `mapstructure:"granularity"`
}

// StreamConfig controls live event streaming.
type StreamConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxDuration  time.Duration `mapstructure:"max_duration"`
}

// LLMConfig holds provider credentials.
type LLMConfig struct {
	DefaultProvider string `mapstructure:"default_provider"`
	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`
	OpenAIAPIKey    string `mapstructure:"openai_api_key"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		HTTPPort: 8080,
		RPCPort:  8082,
		Database: DatabaseConfig{
			Driver: "sqlite3",
			URL:    "file:executor.db?cache=shared&mode=rwc&_busy_timeout=5000",
		},
		Scheduler: SchedulerConfig{
			MaxParallelNodes: 4,
			NodeTimeout:      5 * time.Minute,
		},
		EventLog: EventLogConfig{Granularity: time.Second},
		Stream: StreamConfig{
			PollInterval: 250 * time.Millisecond,
			MaxDuration:  30 * time.Minute,
		},
		LLM:       LLMConfig{DefaultProvider: "anthropic"},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// SetDefaults registers default values with v
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("http_port", d.HTTPPort)
	v.SetDefault("rpc_port", d.RPCPort)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.url", d.Database.URL)

	v.SetDefault("scheduler.max_parallel_nodes", d.Scheduler.MaxParallelNodes)
	v.SetDefault("scheduler.node_timeout", d.Scheduler.NodeTimeout)
	v.SetDefault("eventlog.granularity", d.EventLog.Granularity)
	v.SetDefault("stream.poll_interval", d.Stream.PollInterval)
	v.SetDefault("stream.max_duration", d.Stream.MaxDuration)

	v.SetDefault("llm.default_provider", d.LLM.DefaultProvider)
	v.SetDefault("llm.anthropic_api_key", "")
	v.SetDefault("llm.openai_api_key", "")

	v.SetDefault("teams_dir", "")
	v.SetDefault("policy_file", "")
	v.SetDefault("mode", "")
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
}

// Load reads an optional .env file, an optional config file and the
// environment, in increasing precedence.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite3 or postgres, got %q", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.HTTPPort <= 0 {
		return fmt.Errorf("http_port must be positive")
	}
	if c.RPCPort < 0 {
		return fmt.Errorf("rpc_port must not be negative")
	}
	if c.Scheduler.MaxParallelNodes <= 0 {
		return fmt.Errorf("scheduler.max_parallel_nodes must be positive")
	}
	if c.Scheduler.NodeTimeout < 0 {
		return fmt.Errorf("scheduler.node_timeout must not be negative")
	}
	if c.EventLog.Granularity < time.Microsecond {
		return fmt.Errorf("eventlog.granularity must be at least 1µs")
	}
	if c.Stream.PollInterval <= 0 {
		return fmt.Errorf("stream.poll_interval must be positive")
	}
	return nil
}

// MockMode reports whether the mock LLM client should be used.
func (c *Config) MockMode() bool {
	return strings.EqualFold(c.Mode, ModeMock)
}
