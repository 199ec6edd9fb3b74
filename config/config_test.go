package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coalescing.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"coalescing_size": 64}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CoalescingSize != 64 {
		t.Fatalf("CoalescingSize = %d, want 64", cfg.CoalescingSize)
	}
	if cfg.Priority != 0 {
		t.Fatalf("Priority = %d, want 0", cfg.Priority)
	}
	if cfg.Heuristic != "default" {
		t.Fatalf("Heuristic = %q, want %q", cfg.Heuristic, "default")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `{"coalescing_size": 8, "priority": 1, "heuristic": "relative_velocity", "velocity_threshold": 50}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Priority != 1 || cfg.Heuristic != "relative_velocity" || cfg.VelocityThreshold != 50 {
		t.Fatalf("cfg = %+v, unexpected", cfg)
	}
}

func TestLoadRejectsZeroCoalescingSize(t *testing.T) {
	path := writeConfig(t, `{"coalescing_size": 0}`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load should reject coalescing_size <= 0")
	}
}

func TestLoadRejectsBadPriority(t *testing.T) {
	path := writeConfig(t, `{"coalescing_size": 4, "priority": 7}`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load should reject priority not in {0,1}")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("Load should error on a missing file")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default(16)
	if cfg.CoalescingSize != 16 || cfg.Priority != 0 || cfg.Heuristic != "default" {
		t.Fatalf("Default(16) = %+v, unexpected", cfg)
	}
}
