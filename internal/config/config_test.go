package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{DefaultProfile: "work", UserID: "alice", Sync: Sync{PageSize: 10}}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" || loaded.UserID != "alice" {
		t.Errorf("loaded = %+v", loaded)
	}
	if loaded.Sync.PageSize != 10 {
		t.Errorf("Sync.PageSize = %d, want 10", loaded.Sync.PageSize)
	}
}

func TestLoadSyncSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := "user_id = \"bob\"\n\n[sync]\nlive_tail_limit = 20\nretry_interval_ms = 250\n"
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	s := cfg.Sync.WithDefaults()
	if s.LiveTailLimit != 20 {
		t.Errorf("LiveTailLimit = %d, want 20", s.LiveTailLimit)
	}
	if s.RetryInterval() != 250*time.Millisecond {
		t.Errorf("RetryInterval = %v, want 250ms", s.RetryInterval())
	}
	if s.PageSize != 30 || s.BackfillAttempts != 5 || s.NotifyTailLimit != 1 {
		t.Errorf("defaults not applied: %+v", s)
	}
	if s.ResubscribeInterval() != 2*time.Second {
		t.Errorf("ResubscribeInterval = %v, want 2s", s.ResubscribeInterval())
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}

	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.DefaultProfile != "" {
		t.Errorf("default config = %+v", cfg)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultProfile: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
