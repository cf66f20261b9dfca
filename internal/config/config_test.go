package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"ASSISTANT_NAME", "POLL_INTERVAL", "SCHEDULER_POLL_INTERVAL",
		"MAX_CONCURRENT_CONTAINERS", "CONTAINER_IMAGE", "TIMEZONE", "DATA_DIR",
	}
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.AssistantName != "Andy" {
		t.Errorf("AssistantName = %q, want Andy", cfg.AssistantName)
	}
	if cfg.MaxConcurrentContainers != 2 {
		t.Errorf("MaxConcurrentContainers = %d, want 2", cfg.MaxConcurrentContainers)
	}
	if cfg.PollInterval != 3000*time.Millisecond {
		t.Errorf("PollInterval = %v, want 3s", cfg.PollInterval)
	}
	if cfg.Timezone != "UTC" {
		t.Errorf("Timezone = %q, want UTC", cfg.Timezone)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	os.Setenv("ASSISTANT_NAME", "Robo")
	os.Setenv("MAX_CONCURRENT_CONTAINERS", "5")
	os.Setenv("TIMEZONE", "America/New_York")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.AssistantName != "Robo" {
		t.Errorf("AssistantName = %q, want Robo", cfg.AssistantName)
	}
	if cfg.MaxConcurrentContainers != 5 {
		t.Errorf("MaxConcurrentContainers = %d, want 5", cfg.MaxConcurrentContainers)
	}
	if cfg.Timezone != "America/New_York" {
		t.Errorf("Timezone = %q, want America/New_York", cfg.Timezone)
	}
}

func TestLoadRejectsInvalidConcurrency(t *testing.T) {
	clearEnv(t)
	os.Setenv("MAX_CONCURRENT_CONTAINERS", "0")
	if _, err := Load(); err == nil {
		t.Fatal("Load() with MAX_CONCURRENT_CONTAINERS=0 should error")
	}
}

func TestLoadRejectsInvalidTimezone(t *testing.T) {
	clearEnv(t)
	os.Setenv("TIMEZONE", "Not/A/Zone")
	if _, err := Load(); err == nil {
		t.Fatal("Load() with bad TIMEZONE should error")
	}
}
