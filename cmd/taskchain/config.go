package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all taskchain server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath        string `json:"db_path"`
	LogLevel      string `json:"log_level"`
	PoolSize      int    `json:"pool_size"`
	SweepSchedule string `json:"sweep_schedule"`
	RetentionMins int    `json:"retention_mins"`
}

func defaultConfig() Config {
	return Config{
		DBPath:        "file:" + filepath.Join(taskchainDir(), "taskchain.db"),
		LogLevel:      "info",
		PoolSize:      10,
		SweepSchedule: "*/10 * * * *",
		RetentionMins: 60,
	}
}

func taskchainDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".taskchain"
	}
	return filepath.Join(home, ".taskchain")
}

func settingsPath() string {
	return filepath.Join(taskchainDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("TASKCHAIN_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TASKCHAIN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TASKCHAIN_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("TASKCHAIN_SWEEP_SCHEDULE"); v != "" {
		cfg.SweepSchedule = v
	}
	if v := os.Getenv("TASKCHAIN_RETENTION_MINS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetentionMins = n
		}
	}

	return cfg
}
