// Package config loads service configuration from a YAML file with
// environment overrides, and hot-reloads the research limits at runtime.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig is the HTTP listener configuration.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LLMConfig selects the completion provider.
type LLMConfig struct {
	Model             string  `mapstructure:"model"`
	BaseURL           string  `mapstructure:"base_url"`
	APIKey            string  `mapstructure:"api_key"`
	MaxRetries        int     `mapstructure:"max_retries"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// SearchConfig selects the document search provider.
type SearchConfig struct {
	Endpoint           string `mapstructure:"endpoint"`
	APIKey             string `mapstructure:"api_key"`
	ResultsPerQuestion int    `mapstructure:"results_per_question"`
}

// CheckpointConfig selects the checkpoint backend.
type CheckpointConfig struct {
	// Backend is one of memory, sqlite, redis, postgres.
	Backend  string        `mapstructure:"backend"`
	Path     string        `mapstructure:"path"`
	RedisURL string        `mapstructure:"redis_url"`
	DSN      string        `mapstructure:"dsn"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// ResearchConfig bounds workflow runs. These limits are hot-reloadable.
type ResearchConfig struct {
	MaxIterations   int           `mapstructure:"max_iterations"`
	Timeout         time.Duration `mapstructure:"timeout"`
	TokenBudget     int           `mapstructure:"token_budget"`
	StepCost        int           `mapstructure:"step_cost"`
	MaxSubQuestions int           `mapstructure:"max_sub_questions"`
	SessionMaxAge   time.Duration `mapstructure:"session_max_age"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// LoggingConfig tunes the zap logger.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	// Format is "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Search     SearchConfig     `mapstructure:"search"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Research   ResearchConfig   `mapstructure:"research"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// Default returns the built-in configuration, matching the limits the service
// ships with when no file is present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		LLM: LLMConfig{
			Model:      "gpt-4o-mini",
			MaxRetries: 3,
		},
		Search: SearchConfig{
			ResultsPerQuestion: 3,
		},
		Checkpoint: CheckpointConfig{
			Backend: "memory",
			TTL:     24 * time.Hour,
		},
		Research: ResearchConfig{
			MaxIterations:   3,
			Timeout:         10 * time.Minute,
			TokenBudget:     500_000,
			StepCost:        1_000,
			MaxSubQuestions: 5,
			SessionMaxAge:   time.Hour,
			CleanupInterval: 10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the YAML file at CONFIG_PATH (or path if given) and applies
// environment overrides. A missing file is not an error; defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}

	v := viper.New()
	v.SetEnvPrefix("RESEARCH")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, statErr := os.Stat(path); statErr == nil {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides handles the handful of secrets and endpoints that are
// conventionally passed as plain environment variables rather than through
// the config file.
func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = key
	}
	if base := os.Getenv("OPENAI_BASE_URL"); base != "" && cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = base
	}
	if key := os.Getenv("SEARCH_API_KEY"); key != "" && cfg.Search.APIKey == "" {
		cfg.Search.APIKey = key
	}
	if url := os.Getenv("REDIS_URL"); url != "" && cfg.Checkpoint.RedisURL == "" {
		cfg.Checkpoint.RedisURL = url
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" && cfg.Checkpoint.DSN == "" {
		cfg.Checkpoint.DSN = dsn
	}
	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
}
