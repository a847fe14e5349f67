// Package config loads the engine configuration: defaults, then an
// optional YAML file, then environment overrides, validated as a whole.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"shadowgate/app"
	"shadowgate/domain/gate"
	"shadowgate/domain/governor"
	"shadowgate/domain/guardrail"
	"shadowgate/domain/rules"
	"shadowgate/internal/logging"
)

// Config is the complete engine configuration.
type Config struct {
	Log       logging.Config      `yaml:"log"`
	Server    ServerConfig        `yaml:"server" validate:"required"`
	Database  DatabaseConfig      `yaml:"database"`
	Outcomes  OutcomesConfig      `yaml:"outcomes"`
	Pipeline  app.PipelineConfig  `yaml:"pipeline" validate:"required"`
	Shadow    app.ShadowConfig    `yaml:"shadow" validate:"required"`
	Guardrail guardrail.Policy    `yaml:"guardrail"`
	Gate      gate.Thresholds     `yaml:"gate"`
	Governor  governor.Thresholds `yaml:"governor"`
	Rules     []rules.Rule        `yaml:"rules"`
	Evaluate  EvaluateConfig      `yaml:"evaluate"`
}

// ServerConfig holds the operator API settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds the decision log backend. An empty URL selects
// the in-memory log.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// OutcomesConfig points at the outcome history file for file-backed
// deployments.
type OutcomesConfig struct {
	File string `yaml:"file"`
}

// EvaluateConfig controls the periodic gate/governor sweep in serve
// mode.
type EvaluateConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: logging.Config{Level: "info", Format: "json"},
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Pipeline:  app.DefaultPipelineConfig(),
		Shadow:    app.DefaultShadowConfig(),
		Guardrail: guardrail.DefaultPolicy(),
		Gate:      gate.DefaultThresholds(),
		Governor:  governor.DefaultThresholds(),
		Rules:     rules.DefaultRules(),
		Evaluate:  EvaluateConfig{Interval: 15 * time.Minute},
	}
}

// Load builds the configuration: defaults, the YAML file when given,
// then environment variables on top.
func Load(path string) (*Config, error) {
	// .env is optional; real environments set variables directly.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	applyEnv(cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("SHADOWGATE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("SHADOWGATE_OUTCOMES_FILE"); v != "" {
		cfg.Outcomes.File = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}
