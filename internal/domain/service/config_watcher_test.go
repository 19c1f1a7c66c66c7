package service

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewConfigWatcher_MissingFileFallsBackToDefaults(t *testing.T) {
	w := NewConfigWatcher(filepath.Join(t.TempDir(), "does-not-exist.json"), testLogger())
	got, want := w.Config(), DefaultAgentLoopConfig()
	if got.Model != want.Model || got.Temperature != want.Temperature || got.MaxRetries != want.MaxRetries {
		t.Errorf("expected defaults when the config file does not exist, got %+v want %+v", got, want)
	}
}

func TestNewConfigWatcher_LoadsInitialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent_loop.json")
	writeAgentLoopConfigFile(t, path, map[string]interface{}{"model": "gpt-4o-mini"})

	w := NewConfigWatcher(path, testLogger())
	if w.Config().Model != "gpt-4o-mini" {
		t.Errorf("expected model gpt-4o-mini from the initial load, got %q", w.Config().Model)
	}
}

func TestConfigWatcher_ReloadsOnChangeWhilePolling(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent_loop.json")
	writeAgentLoopConfigFile(t, path, map[string]interface{}{"model": "gpt-4o"})

	w := NewConfigWatcher(path, testLogger())
	w.SetInterval(10 * time.Millisecond)
	go w.Start()
	defer w.Stop()

	// Ensure the new mtime strictly exceeds the first, since some
	// filesystems have coarse mtime resolution.
	time.Sleep(15 * time.Millisecond)
	writeAgentLoopConfigFile(t, path, map[string]interface{}{"model": "gpt-4.1"})

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if w.Config().Model == "gpt-4.1" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected watcher to pick up the updated model, got %q", w.Config().Model)
}

func TestConfigWatcher_StopTerminatesPollingLoop(t *testing.T) {
	w := NewConfigWatcher(filepath.Join(t.TempDir(), "agent_loop.json"), testLogger())
	w.SetInterval(5 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		w.Start()
		close(done)
	}()

	w.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func writeAgentLoopConfigFile(t *testing.T, path string, fields map[string]interface{}) {
	t.Helper()
	data, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("failed to marshal config fixture: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write config fixture: %v", err)
	}
}
