// Package config loads runtime configuration from environment variables.
// There is no config-file surface; an optional .env file is folded into
// the environment before this package reads it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DBConfig is the Store's Postgres connection configuration.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Config is the process-wide configuration, assembled once at startup and
// passed by reference through component constructors — no package-level
// singleton.
type Config struct {
	// Port is the HTTP listen port.
	Port int

	// DataDir is read from MEMORY_DATA_DIR. The relational store is a
	// Postgres server and the vector index a Qdrant server (QdrantAddr), so
	// no component writes files under it.
	DataDir string

	// GeneratorModel is the model name passed to the generator LLM.
	GeneratorModel string

	// ContextObservationCount is how many observations getContext returns
	// when the caller supplies no limit; a caller-supplied limit replaces it
	// (the query engine caps either at 200).
	ContextObservationCount int

	LogLevel string

	// SkipTools is the configured skip-set for POST /api/observations.
	SkipTools map[string]bool

	DB DBConfig

	AnthropicAPIKey string
	QdrantAddr      string
}

// defaultSkipTools is the built-in skip-list: tools whose output is never
// useful as an observation. Overridable via MEMORY_SKIP_TOOLS.
var defaultSkipTools = []string{"TodoWrite", "TodoRead"}

// LoadFromEnv reads and validates configuration from the process
// environment.
func LoadFromEnv() (*Config, error) {
	port, err := strconv.Atoi(getEnvOrDefault("MEMORY_PORT", "37777"))
	if err != nil {
		return nil, fmt.Errorf("invalid MEMORY_PORT: %w", err)
	}

	contextCount, err := strconv.Atoi(getEnvOrDefault("MEMORY_CONTEXT_OBSERVATION_COUNT", "50"))
	if err != nil {
		return nil, fmt.Errorf("invalid MEMORY_CONTEXT_OBSERVATION_COUNT: %w", err)
	}

	dbPort, err := strconv.Atoi(getEnvOrDefault("DB_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}
	maxOpen, _ := strconv.Atoi(getEnvOrDefault("DB_MAX_OPEN_CONNS", "25"))
	maxIdle, _ := strconv.Atoi(getEnvOrDefault("DB_MAX_IDLE_CONNS", "10"))
	maxLifetime, err := time.ParseDuration(getEnvOrDefault("DB_CONN_MAX_LIFETIME", "1h"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_CONN_MAX_LIFETIME: %w", err)
	}
	maxIdleTime, err := time.ParseDuration(getEnvOrDefault("DB_CONN_MAX_IDLE_TIME", "15m"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_CONN_MAX_IDLE_TIME: %w", err)
	}

	cfg := &Config{
		Port:                    port,
		DataDir:                 getEnvOrDefault("MEMORY_DATA_DIR", "./data"),
		GeneratorModel:          getEnvOrDefault("MEMORY_GENERATOR_MODEL", "claude-sonnet-4-5"),
		ContextObservationCount: contextCount,
		LogLevel:                getEnvOrDefault("MEMORY_LOG_LEVEL", "info"),
		SkipTools:               loadSkipTools(),
		DB: DBConfig{
			Host:            getEnvOrDefault("DB_HOST", "localhost"),
			Port:            dbPort,
			User:            getEnvOrDefault("DB_USER", "memoryd"),
			Password:        os.Getenv("DB_PASSWORD"),
			Database:        getEnvOrDefault("DB_NAME", "memoryd"),
			SSLMode:         getEnvOrDefault("DB_SSLMODE", "disable"),
			MaxOpenConns:    maxOpen,
			MaxIdleConns:    maxIdle,
			ConnMaxLifetime: maxLifetime,
			ConnMaxIdleTime: maxIdleTime,
		},
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		QdrantAddr:      getEnvOrDefault("MEMORY_QDRANT_ADDR", "localhost:6334"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("MEMORY_PORT out of range: %d", c.Port)
	}
	if c.DB.MaxIdleConns > c.DB.MaxOpenConns {
		return fmt.Errorf("DB_MAX_IDLE_CONNS (%d) cannot exceed DB_MAX_OPEN_CONNS (%d)",
			c.DB.MaxIdleConns, c.DB.MaxOpenConns)
	}
	if c.DB.MaxOpenConns < 1 {
		return fmt.Errorf("DB_MAX_OPEN_CONNS must be at least 1")
	}
	return nil
}

// Stats is a small configuration snapshot surfaced by /api/stats.
type Stats struct {
	GeneratorModel          string `json:"generator_model"`
	ContextObservationCount int    `json:"context_observation_count"`
	SkipToolCount           int    `json:"skip_tool_count"`
}

func (c *Config) Stats() Stats {
	return Stats{
		GeneratorModel:          c.GeneratorModel,
		ContextObservationCount: c.ContextObservationCount,
		SkipToolCount:           len(c.SkipTools),
	}
}

func loadSkipTools() map[string]bool {
	names := defaultSkipTools
	if raw := os.Getenv("MEMORY_SKIP_TOOLS"); raw != "" {
		names = strings.Split(raw, ",")
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			set[n] = true
		}
	}
	return set
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
