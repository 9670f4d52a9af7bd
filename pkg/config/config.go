package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Config holds process configuration read from the environment.
type Config struct {
	DatabaseURL    string
	ConfigPath     string
	LogLevel       string
	LogFormat      string
	ApprovalSecret string
	OTLPEndpoint   string
	OTelEnabled    bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	dbURL := os.Getenv("TOLLGATE_DATABASE_URL")
	if dbURL == "" {
		dbURL = "sqlite://tollgate.db"
	}

	logLevel := os.Getenv("TOLLGATE_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	logFormat := os.Getenv("TOLLGATE_LOG_FORMAT")
	if logFormat == "" {
		logFormat = "text"
	}

	otlp := os.Getenv("TOLLGATE_OTLP_ENDPOINT")
	if otlp == "" {
		otlp = "localhost:4317"
	}

	return &Config{
		DatabaseURL:    dbURL,
		ConfigPath:     os.Getenv("TOLLGATE_CONFIG"),
		LogLevel:       logLevel,
		LogFormat:      logFormat,
		ApprovalSecret: os.Getenv("TOLLGATE_APPROVAL_SECRET"),
		OTLPEndpoint:   otlp,
		OTelEnabled:    os.Getenv("TOLLGATE_OTEL_ENABLED") == "true",
	}
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: log level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}
