package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeLoggingConfig(t *testing.T, ws, body string) {
	t.Helper()
	dir := filepath.Join(ws, ".mindloop")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func resetLogging() {
	CloseAll()
	logsDir = ""
	workspace = ""
	config = loggingConfig{}
	configLoaded = false
	logLevel = LevelInfo
}

func TestInitialize_NoConfigIsSilent(t *testing.T) {
	defer resetLogging()
	ws := t.TempDir()

	if err := Initialize(ws); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if IsDebugMode() {
		t.Fatal("expected debug mode off without config")
	}
	// No logs directory should be created in production mode.
	if _, err := os.Stat(filepath.Join(ws, ".mindloop", "logs")); !os.IsNotExist(err) {
		t.Fatalf("logs dir should not exist, stat err=%v", err)
	}
}

func TestInitialize_DebugModeWritesCategoryFile(t *testing.T) {
	defer resetLogging()
	ws := t.TempDir()
	writeLoggingConfig(t, ws, `{"logging":{"debug_mode":true,"level":"debug"}}`)

	if err := Initialize(ws); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	Dream("consolidation run %d", 1)
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(ws, ".mindloop", "logs"))
	if err != nil {
		t.Fatalf("read logs dir: %v", err)
	}
	found := false
	for _, e := range entries {
		if strings.Contains(e.Name(), "dream") {
			found = true
			data, err := os.ReadFile(filepath.Join(ws, ".mindloop", "logs", e.Name()))
			if err != nil {
				t.Fatalf("read log: %v", err)
			}
			if !strings.Contains(string(data), "consolidation run 1") {
				t.Fatalf("log content missing message: %s", data)
			}
		}
	}
	if !found {
		t.Fatal("no dream log file created")
	}
}

func TestCategoryFilter(t *testing.T) {
	defer resetLogging()
	ws := t.TempDir()
	writeLoggingConfig(t, ws, `{"logging":{"debug_mode":true,"categories":{"budget":false}}}`)

	if err := Initialize(ws); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if IsCategoryEnabled(CategoryBudget) {
		t.Fatal("budget category should be disabled")
	}
	if !IsCategoryEnabled(CategoryCycle) {
		t.Fatal("cycle category should default to enabled")
	}
}
