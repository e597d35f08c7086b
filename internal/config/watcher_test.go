package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brightloom/stagehand/internal/config"
)

func TestWatcher_ReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	changed := make(chan config.ConfigDiff, 1)
	w, err := config.NewWatcher(path, func(old, new *config.Config, diff config.ConfigDiff) {
		changed <- diff
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)

	if w.Current().Server.LogLevel != config.LogLevelInfo {
		t.Fatalf("initial LogLevel = %q, want %q", w.Current().Server.LogLevel, config.LogLevelInfo)
	}

	if err := os.WriteFile(path, []byte("server:\n  log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case diff := <-changed:
		if !diff.LogLevelChanged {
			t.Errorf("expected LogLevelChanged, got %+v", diff)
		}
		if diff.NewLogLevel != config.LogLevelDebug {
			t.Errorf("NewLogLevel = %q, want %q", diff.NewLogLevel, config.LogLevelDebug)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for watcher to observe the file change")
	}

	if w.Current().Server.LogLevel != config.LogLevelDebug {
		t.Errorf("Current().Server.LogLevel = %q after reload, want %q", w.Current().Server.LogLevel, config.LogLevelDebug)
	}
}

func TestWatcher_InvalidReloadKeepsPreviousConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	w, err := config.NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)

	if err := os.WriteFile(path, []byte("server:\n  log_level: [not, valid\n"), 0o644); err != nil {
		t.Fatalf("write invalid config: %v", err)
	}

	// Give the watcher goroutine a moment to process and reject the reload.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.Current().Server.LogLevel == config.LogLevelInfo {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		break
	}

	if w.Current().Server.LogLevel != config.LogLevelInfo {
		t.Errorf("expected previous config to be kept after invalid reload, got %q", w.Current().Server.LogLevel)
	}
}
