package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func reset() {
	CloseAll()
	logsDir = ""
	enabled = false
	logLevel = LevelInfo
}

func TestDisabledLoggerIsNoOp(t *testing.T) {
	defer reset()
	if err := Initialize("", false, "info"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	// None of these may panic or create files.
	Store("hello %s", "world")
	Get(CategoryMatch).Error("nothing")
	StartTimer(CategoryBatch, "noop").Stop()
}

func TestEnabledLoggerWritesCategoryFiles(t *testing.T) {
	defer reset()
	dir := t.TempDir()
	if err := Initialize(dir, true, "debug"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	Ingest("parsed %d rows", 42)
	Get(CategoryIngest).Debug("detail")
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatalf("logs dir missing: %v", err)
	}
	var found bool
	for _, e := range entries {
		if strings.Contains(e.Name(), "ingest") {
			found = true
			data, _ := os.ReadFile(filepath.Join(dir, "logs", e.Name()))
			if !strings.Contains(string(data), "parsed 42 rows") {
				t.Errorf("ingest log missing entry: %s", data)
			}
			if !strings.Contains(string(data), "[DEBUG] detail") {
				t.Errorf("ingest log missing debug entry: %s", data)
			}
		}
	}
	if !found {
		t.Error("no ingest log file created")
	}
}

func TestLevelFiltering(t *testing.T) {
	defer reset()
	dir := t.TempDir()
	if err := Initialize(dir, true, "error"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	l := Get(CategoryStore)
	l.Info("filtered out")
	l.Error("kept")
	CloseAll()

	entries, _ := os.ReadDir(filepath.Join(dir, "logs"))
	for _, e := range entries {
		if strings.Contains(e.Name(), "store") {
			data, _ := os.ReadFile(filepath.Join(dir, "logs", e.Name()))
			if strings.Contains(string(data), "filtered out") {
				t.Error("info entry written despite error level")
			}
			if !strings.Contains(string(data), "kept") {
				t.Error("error entry missing")
			}
		}
	}
}
