// Package config provides configuration loading for the server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the server.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// Storage settings
	DataDir        string
	TranscriptDir  string
	DatabasePath   string

	// Engine settings
	EngineCommand     string
	EngineArgs        []string
	EngineInitTimeout time.Duration

	// Connection settings
	HeartbeatInterval time.Duration
	ConnQueueSize     int
	UIRequestTimeout  time.Duration

	// HTTP server timeouts
	HTTPReadTimeout time.Duration
	HTTPIdleTimeout time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int

	// Terminal settings
	DefaultShell       string
	DefaultRows        int
	DefaultCols        int
	MaxScrollback      int
	TerminalIdleTimeout time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	dataDir := getEnv("DATA_DIR", defaultDataDir())

	cfg := &Config{
		Port:           getEnvInt("PORT", 8080),
		Host:           getEnv("HOST", "0.0.0.0"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", nil),

		DataDir:       dataDir,
		TranscriptDir: getEnv("TRANSCRIPT_DIR", filepath.Join(dataDir, "sessions")),
		DatabasePath:  getEnv("DATABASE_PATH", filepath.Join(dataDir, "state.db")),

		EngineCommand:     getEnv("ENGINE_COMMAND", ""),
		EngineArgs:        getEnvStringSlice("ENGINE_ARGS", nil),
		EngineInitTimeout: getEnvDuration("ENGINE_INIT_TIMEOUT", 30*time.Second),

		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		ConnQueueSize:     getEnvInt("CONN_QUEUE_SIZE", 100),
		UIRequestTimeout:  getEnvDuration("UI_REQUEST_TIMEOUT", 5*time.Minute),

		HTTPReadTimeout: getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout: getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),

		DefaultShell:  getEnv("DEFAULT_SHELL", "/bin/bash"),
		DefaultRows:   getEnvInt("DEFAULT_ROWS", 24),
		DefaultCols:   getEnvInt("DEFAULT_COLS", 80),
		MaxScrollback: getEnvInt("SCROLLBACK_MAX_BYTES", 512*1024),
		// Zero disables the idle reaper.
		TerminalIdleTimeout: getEnvDuration("TERMINAL_IDLE_TIMEOUT", 0),
	}

	if cfg.EngineCommand == "" {
		return nil, fmt.Errorf("ENGINE_COMMAND is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("PORT out of range: %d", cfg.Port)
	}
	if cfg.ConnQueueSize <= 0 {
		return nil, fmt.Errorf("CONN_QUEUE_SIZE must be positive")
	}

	return cfg, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentconsole"
	}
	return filepath.Join(home, ".agentconsole")
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
