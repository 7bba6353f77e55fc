package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds process-level configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath    string `json:"db_path"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
	// Persist enables the libSQL audit sink. Runs work fine without it; the
	// bounded in-memory log is always kept.
	Persist bool `json:"persist"`
}

func defaultConfig() Config {
	return Config{
		DBPath:    filepath.Join(txgateDir(), "audit.db"),
		LogLevel:  "info",
		LogFormat: "text",
	}
}

func txgateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".txgate"
	}
	return filepath.Join(home, ".txgate")
}

func settingsPath() string {
	return filepath.Join(txgateDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("TXGATE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TXGATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TXGATE_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("TXGATE_PERSIST"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Persist = b
		}
	}

	return cfg
}
