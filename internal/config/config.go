// Package config resolves hyperion's runtime configuration: env vars override
// a config.json in the app directory, which overrides built-in defaults.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// Config holds the Hyperion application configuration.
type Config struct {
	AppDir     string
	DBPath     string
	ConfigPath string

	// LogLevel mirrors HYPERION_LOG: empty disables structured logging output
	// entirely (the default), otherwise a zerolog level name (debug, info,
	// warn, error).
	LogLevel string

	// AgentBinary is the external coding-agent CLI invoked by RealHarness.
	AgentBinary string
	AgentModel  string

	WorkerCount int
	AgentCount  int

	// LeaseDurationSeconds bounds how long a dequeued entry is held before it
	// is eligible for reclamation by another worker.
	LeaseDurationSeconds int

	// AgentRatePerMinute throttles agent invocations; 0 disables throttling.
	AgentRatePerMinute int
}

// FileConfig is the JSON structure of config.json.
type FileConfig struct {
	LogLevel             string `json:"log_level,omitempty"`
	AgentBinary          string `json:"agent_binary,omitempty"`
	AgentModel           string `json:"agent_model,omitempty"`
	WorkerCount          int    `json:"worker_count,omitempty"`
	AgentCount           int    `json:"agent_count,omitempty"`
	LeaseDurationSeconds int    `json:"lease_duration_seconds,omitempty"`
	AgentRatePerMinute   int    `json:"agent_rate_per_minute,omitempty"`
}

// GetAppDir returns the Hyperion application directory for the current OS.
func GetAppDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "Hyperion")
	case "linux":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "hyperion")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			home, _ := os.UserHomeDir()
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, "Hyperion")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".hyperion")
	}
}

// Load returns a Config with env overrides and defaults.
// Precedence: env vars > config.json > defaults.
func Load() *Config {
	appDir := GetAppDir()
	configPath := filepath.Join(appDir, "config.json")

	logLevel := ""
	agentBinary := "copilot"
	agentModel := ""
	workerCount := 1
	agentCount := 1
	leaseDurationSeconds := 300
	agentRatePerMinute := 0

	if fileCfg := loadFileConfig(configPath); fileCfg != nil {
		if fileCfg.LogLevel != "" {
			logLevel = fileCfg.LogLevel
		}
		if fileCfg.AgentBinary != "" {
			agentBinary = fileCfg.AgentBinary
		}
		if fileCfg.AgentModel != "" {
			agentModel = fileCfg.AgentModel
		}
		if fileCfg.WorkerCount > 0 {
			workerCount = fileCfg.WorkerCount
		}
		if fileCfg.AgentCount > 0 {
			agentCount = fileCfg.AgentCount
		}
		if fileCfg.LeaseDurationSeconds > 0 {
			leaseDurationSeconds = fileCfg.LeaseDurationSeconds
		}
		if fileCfg.AgentRatePerMinute > 0 {
			agentRatePerMinute = fileCfg.AgentRatePerMinute
		}
	}

	if v := os.Getenv("HYPERION_LOG"); v != "" {
		logLevel = v
	}
	if v := os.Getenv("HYPERION_AGENT"); v != "" {
		agentBinary = v
	}
	if v := os.Getenv("HYPERION_AGENT_MODEL"); v != "" {
		agentModel = v
	}
	if v := os.Getenv("HYPERION_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			workerCount = n
		}
	}
	if v := os.Getenv("HYPERION_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			agentCount = n
		}
	}
	if v := os.Getenv("HYPERION_LEASE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			leaseDurationSeconds = n
		}
	}
	if v := os.Getenv("HYPERION_AGENT_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			agentRatePerMinute = n
		}
	}

	return &Config{
		AppDir:               appDir,
		DBPath:               filepath.Join(appDir, "hyperion.db"),
		ConfigPath:           configPath,
		LogLevel:             logLevel,
		AgentBinary:          agentBinary,
		AgentModel:           agentModel,
		WorkerCount:          clamp(workerCount, 1, 3),
		AgentCount:           clamp(agentCount, 1, 3),
		LeaseDurationSeconds: leaseDurationSeconds,
		AgentRatePerMinute:   agentRatePerMinute,
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func loadFileConfig(path string) *FileConfig {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var fc FileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil
	}
	return &fc
}
