package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.DefaultSession = "work"
	cfg.UserID = "alice"
	cfg.Outbox.BaseDelay = Duration(500 * time.Millisecond)
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" || loaded.UserID != "alice" {
		t.Errorf("loaded = %+v", loaded)
	}
	if got := loaded.Outbox.BaseDelay.Std(); got != 500*time.Millisecond {
		t.Errorf("base_delay = %v, want 500ms", got)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
user_id = "bob"

[remote]
url = "wss://chat.example/ws"

[outbox]
drain_schedule = "@every 1m"
max_delay = "10m"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Remote.URL != "wss://chat.example/ws" {
		t.Errorf("remote.url = %q", cfg.Remote.URL)
	}
	if cfg.Outbox.MaxDelay.Std() != 10*time.Minute {
		t.Errorf("max_delay = %v, want 10m", cfg.Outbox.MaxDelay.Std())
	}
	// Untouched keys keep their defaults.
	if cfg.Outbox.BatchSize != 20 || cfg.Outbox.BaseDelay.Std() != 2*time.Second {
		t.Errorf("defaults lost: batch=%d base=%v", cfg.Outbox.BatchSize, cfg.Outbox.BaseDelay.Std())
	}
	if cfg.Remote.DialTimeout.Std() != 10*time.Second {
		t.Errorf("dial_timeout = %v, want 10s", cfg.Remote.DialTimeout.Std())
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad duration", "[outbox]\nbase_delay = \"soon\"\n"},
		{"negative batch", "[outbox]\nbatch_size = -1\n"},
		{"base above max", "[outbox]\nbase_delay = \"10m\"\nmax_delay = \"1m\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("Load() expected error")
			}
		})
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load("/nonexistent/config.toml"); err == nil {
		t.Error("Load() expected error for missing file")
	}
	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Outbox.DrainSchedule != "@every 15s" {
		t.Errorf("drain_schedule = %q, want default", cfg.Outbox.DrainSchedule)
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
