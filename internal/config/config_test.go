package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// withHome points $HOME at a scratch directory for the duration of the test,
// since GetAppDir derives its path from the user's home directory.
func withHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	orig, hadOrig := os.LookupEnv("HOME")
	if err := os.Setenv("HOME", dir); err != nil {
		t.Fatalf("set HOME: %v", err)
	}
	t.Cleanup(func() {
		if hadOrig {
			os.Setenv("HOME", orig)
		} else {
			os.Unsetenv("HOME")
		}
	})
	return dir
}

func clearHyperionEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"HYPERION_LOG", "HYPERION_AGENT", "HYPERION_AGENT_MODEL",
		"HYPERION_WORKERS", "HYPERION_AGENTS", "HYPERION_LEASE_SECONDS", "HYPERION_AGENT_RPM",
	} {
		orig, had := os.LookupEnv(key)
		os.Unsetenv(key)
		t.Cleanup(func() {
			if had {
				os.Setenv(key, orig)
			}
		})
	}
}

func TestLoadDefaultsWithNoConfigOrEnv(t *testing.T) {
	withHome(t)
	clearHyperionEnv(t)

	cfg := Load()
	if cfg.AgentBinary != "copilot" {
		t.Fatalf("expected default agent binary 'copilot', got %q", cfg.AgentBinary)
	}
	if cfg.LogLevel != "" {
		t.Fatalf("expected empty default log level, got %q", cfg.LogLevel)
	}
	if cfg.WorkerCount != 1 || cfg.AgentCount != 1 {
		t.Fatalf("expected worker/agent counts of 1, got %d/%d", cfg.WorkerCount, cfg.AgentCount)
	}
	if cfg.LeaseDurationSeconds != 300 {
		t.Fatalf("expected default lease duration of 300s, got %d", cfg.LeaseDurationSeconds)
	}
	if cfg.AgentRatePerMinute != 0 {
		t.Fatalf("expected default agent rate of 0 (unthrottled), got %d", cfg.AgentRatePerMinute)
	}
}

func TestLoadAppliesFileConfigOverDefaults(t *testing.T) {
	home := withHome(t)
	clearHyperionEnv(t)

	appDir := GetAppDir()
	if err := os.MkdirAll(appDir, 0o755); err != nil {
		t.Fatalf("mkdir app dir: %v", err)
	}
	configJSON := `{"agent_binary":"claude","worker_count":2,"agent_rate_per_minute":30}`
	if err := os.WriteFile(filepath.Join(appDir, "config.json"), []byte(configJSON), 0o644); err != nil {
		t.Fatalf("write config.json: %v", err)
	}
	_ = home

	cfg := Load()
	if cfg.AgentBinary != "claude" {
		t.Fatalf("expected agent_binary from config.json, got %q", cfg.AgentBinary)
	}
	if cfg.WorkerCount != 2 {
		t.Fatalf("expected worker_count from config.json, got %d", cfg.WorkerCount)
	}
	if cfg.AgentRatePerMinute != 30 {
		t.Fatalf("expected agent_rate_per_minute from config.json, got %d", cfg.AgentRatePerMinute)
	}
}

func TestLoadEnvOverridesFileConfig(t *testing.T) {
	home := withHome(t)
	clearHyperionEnv(t)

	appDir := GetAppDir()
	if err := os.MkdirAll(appDir, 0o755); err != nil {
		t.Fatalf("mkdir app dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(appDir, "config.json"), []byte(`{"agent_binary":"claude","worker_count":2}`), 0o644); err != nil {
		t.Fatalf("write config.json: %v", err)
	}
	_ = home

	os.Setenv("HYPERION_AGENT", "codex")
	os.Setenv("HYPERION_WORKERS", "7")
	t.Cleanup(func() {
		os.Unsetenv("HYPERION_AGENT")
		os.Unsetenv("HYPERION_WORKERS")
	})

	cfg := Load()
	if cfg.AgentBinary != "codex" {
		t.Fatalf("expected env to override file config agent_binary, got %q", cfg.AgentBinary)
	}
	// WorkerCount is clamped to [1,3] regardless of source.
	if cfg.WorkerCount != 3 {
		t.Fatalf("expected worker_count clamped to 3, got %d", cfg.WorkerCount)
	}
}

func TestLoadClampsWorkerAndAgentCounts(t *testing.T) {
	withHome(t)
	clearHyperionEnv(t)

	os.Setenv("HYPERION_WORKERS", "0")
	os.Setenv("HYPERION_AGENTS", "99")
	t.Cleanup(func() {
		os.Unsetenv("HYPERION_WORKERS")
		os.Unsetenv("HYPERION_AGENTS")
	})

	cfg := Load()
	if cfg.WorkerCount != 1 {
		t.Fatalf("expected worker_count clamped up to 1, got %d", cfg.WorkerCount)
	}
	if cfg.AgentCount != 3 {
		t.Fatalf("expected agent_count clamped down to 3, got %d", cfg.AgentCount)
	}
}

func TestGetAppDirIsStableUnderHOME(t *testing.T) {
	home := withHome(t)
	dir := GetAppDir()
	if dir == "" {
		t.Fatal("expected a non-empty app dir")
	}
	if !strings.HasPrefix(dir, home+string(filepath.Separator)) {
		t.Fatalf("expected app dir nested under HOME, got %q", dir)
	}
	_ = home
}
