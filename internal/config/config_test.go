package config

import (
	"path/filepath"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Queue.PartitionCount != 8 {
		t.Errorf("expected default partition count 8, got %d", cfg.Queue.PartitionCount)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	cfg.Queue.PartitionCount = 4
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Queue.PartitionCount != 4 {
		t.Errorf("expected partition count 4 after round trip, got %d", loaded.Queue.PartitionCount)
	}
}

func TestValidateRejectsBadWorkerBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers.Min = 10
	cfg.Workers.Max = 2
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for max < min")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MEMENTO_KV_ADDR", "redis.internal:6380")
	cfg := DefaultConfig()
	cfg.applyEnvOverrides()
	if cfg.Stores.KVAddr != "redis.internal:6380" {
		t.Errorf("expected env override to apply, got %s", cfg.Stores.KVAddr)
	}
}
