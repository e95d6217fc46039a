package logging

import (
	"os"
	"path/filepath"
	"testing"
)

func TestInitializeDisabledIsNoop(t *testing.T) {
	dir := t.TempDir()
	if err := Initialize(dir, false, "info", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if IsDebugMode() {
		t.Fatal("expected debug mode to be false")
	}
	l := Get(CategoryBoot)
	l.Info("this should not panic or write anything")

	entries, _ := os.ReadDir(filepath.Join(dir, "logs"))
	if len(entries) != 0 {
		t.Fatalf("expected no log files to be created, got %d", len(entries))
	}
}

func TestInitializeEnabledWritesFile(t *testing.T) {
	dir := t.TempDir()
	defer CloseAll()

	if err := Initialize(dir, true, "debug", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l := Get(CategoryIngest)
	l.Info("hello %s", "world")

	entries, err := os.ReadDir(filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatalf("expected logs dir to exist: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected at least one log file")
	}
}

func TestTimerStop(t *testing.T) {
	dir := t.TempDir()
	defer CloseAll()
	Initialize(dir, true, "debug", false)

	timer := StartTimer(CategorySearch, "hybrid_query")
	elapsed := timer.Stop()
	if elapsed < 0 {
		t.Fatal("elapsed duration should not be negative")
	}
}
