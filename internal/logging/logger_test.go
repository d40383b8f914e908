package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func reset(t *testing.T) {
	t.Helper()
	CloseAll()
	CloseAudit()
	t.Cleanup(func() {
		CloseAll()
		CloseAudit()
		configMu.Lock()
		settings = Settings{}
		logsDir = ""
		configMu.Unlock()
	})
}

// TestAllCategoriesLog tests that all categories create log files when debug_mode is true
func TestAllCategoriesLog(t *testing.T) {
	reset(t)
	logsPath := filepath.Join(t.TempDir(), "logs")

	if err := Initialize(logsPath, Settings{DebugMode: true, Level: "debug"}); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}
	if !IsDebugMode() {
		t.Error("Expected debug mode to be enabled")
	}

	for _, cat := range AllCategories {
		if !IsCategoryEnabled(cat) {
			t.Errorf("Category %s should be enabled", cat)
		}
		logger := Get(cat)
		logger.Info("Test info message for %s", cat)
		logger.Debug("Test debug message for %s", cat)
		logger.Warn("Test warn message for %s", cat)
		logger.Error("Test error message for %s", cat)
	}

	Coordinator("Convenience coordinator log")
	Store("Convenience store log")

	CloseAll()

	entries, err := os.ReadDir(logsPath)
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}

	for _, cat := range AllCategories {
		found := false
		for _, entry := range entries {
			if strings.HasSuffix(entry.Name(), "_"+string(cat)+".log") {
				found = true
				content, err := os.ReadFile(filepath.Join(logsPath, entry.Name()))
				if err != nil {
					t.Errorf("Failed to read log file for %s: %v", cat, err)
					continue
				}
				if len(content) == 0 {
					t.Errorf("Log file for %s is empty", cat)
				}
				break
			}
		}
		if !found {
			t.Errorf("No log file found for category: %s", cat)
		}
	}
}

// TestDebugModeDisabled tests that no logs are created when debug_mode is false
func TestDebugModeDisabled(t *testing.T) {
	reset(t)
	logsPath := filepath.Join(t.TempDir(), "logs")

	if err := Initialize(logsPath, Settings{DebugMode: false, Level: "debug"}); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}
	if IsDebugMode() {
		t.Error("Expected debug mode to be disabled")
	}

	Boot("This should NOT be logged")
	Get(CategoryCoordinator).Error("This should NOT be logged")
	Audit().RunEvent(AuditRunStart, "should not be written")
	CloseAll()

	if _, err := os.Stat(logsPath); !os.IsNotExist(err) {
		t.Errorf("Expected logs directory to be absent, stat err = %v", err)
	}
}

// TestCategoryToggle tests individual category enable/disable
func TestCategoryToggle(t *testing.T) {
	reset(t)
	logsPath := filepath.Join(t.TempDir(), "logs")

	err := Initialize(logsPath, Settings{
		DebugMode:  true,
		Level:      "info",
		Format:     "console",
		Categories: map[string]bool{"boot": true, "store": false},
	})
	if err != nil {
		t.Fatalf("Failed to initialize: %v", err)
	}

	if IsCategoryEnabled(CategoryStore) {
		t.Error("store should be disabled")
	}
	if !IsCategoryEnabled(CategoryAgent) {
		t.Error("agent (not in config) should default to enabled")
	}

	Store("This should NOT be logged")
	Agent("This SHOULD be logged")
	CloseAll()

	entries, _ := os.ReadDir(logsPath)
	var hasStore, hasAgent bool
	for _, e := range entries {
		if strings.Contains(e.Name(), "_store") {
			hasStore = true
		}
		if strings.Contains(e.Name(), "_agent") {
			hasAgent = true
		}
	}
	if hasStore {
		t.Error("Did not expect store log file")
	}
	if !hasAgent {
		t.Error("Expected agent log file")
	}
}

func TestLevelFiltersDebug(t *testing.T) {
	reset(t)
	logsPath := filepath.Join(t.TempDir(), "logs")

	if err := Initialize(logsPath, Settings{DebugMode: true, Level: "warn"}); err != nil {
		t.Fatalf("Failed to initialize: %v", err)
	}
	Get(CategoryServer).Info("quiet line")
	Get(CategoryServer).Warn("loud line")
	CloseAll()

	entries, _ := os.ReadDir(logsPath)
	for _, e := range entries {
		if !strings.Contains(e.Name(), "_server") {
			continue
		}
		data, _ := os.ReadFile(filepath.Join(logsPath, e.Name()))
		if strings.Contains(string(data), "quiet line") {
			t.Error("info line should be filtered at warn level")
		}
		if !strings.Contains(string(data), "loud line") {
			t.Error("warn line missing")
		}
		return
	}
	t.Fatal("server log file not created")
}

func TestAuditTrail(t *testing.T) {
	reset(t)
	logsPath := filepath.Join(t.TempDir(), "logs")

	if err := Initialize(logsPath, Settings{DebugMode: true}); err != nil {
		t.Fatalf("Failed to initialize: %v", err)
	}
	if err := InitAudit(); err != nil {
		t.Fatalf("InitAudit: %v", err)
	}

	a := AuditWithRun("run-1")
	a.RunEvent(AuditRunStart, "started")
	a.Verdict(2, "True Positive", true, nil)
	a.Locate(2, "#hero", true, 1)
	CloseAudit()

	entries, _ := os.ReadDir(logsPath)
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), "_audit.log") {
			continue
		}
		data, _ := os.ReadFile(filepath.Join(logsPath, e.Name()))
		text := string(data)
		for _, want := range []string{`"event":"run_start"`, `"run":"run-1"`, `"action":"True Positive"`, `"target":"#hero"`} {
			if !strings.Contains(text, want) {
				t.Errorf("audit log missing %s:\n%s", want, text)
			}
		}
		return
	}
	t.Fatal("audit log not created")
}
