// Package config loads server configuration from a JSON file plus FATHOM_*
// environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

type Config struct {
	Server  ServerConfig  `json:"server"`
	Storage StorageConfig `json:"storage"`
	Log     LogConfig     `json:"log"`
	Runner  RunnerConfig  `json:"runner"`
}

type ServerConfig struct {
	Port int `json:"port"`
}

type StorageConfig struct {
	DataDir string `json:"data_dir"`
}

type LogConfig struct {
	Level string `json:"level"` // "info" or "debug"
}

type RunnerConfig struct {
	// StageDelayMs is slept between run stages by the stub researcher.
	StageDelayMs int `json:"stage_delay_ms"`
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 4600},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Log:     LogConfig{Level: "info"},
		Runner:  RunnerConfig{StageDelayMs: 500},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "fathom")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fathom"
	}
	return filepath.Join(home, ".local", "share", "fathom")
}

func configPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "fathom", "config.json")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "fathom", "config.json")
}

// Load reads configuration from the JSON config file (if present) and applies
// FATHOM_* environment overrides on top of defaults.
func Load() (Config, error) {
	cfg := defaults()

	if path := configPath(); path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := json.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FATHOM_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FATHOM_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("FATHOM_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("FATHOM_STAGE_DELAY_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			cfg.Runner.StageDelayMs = ms
		}
	}
}
