package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sentinel.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
instant_ban:
  - /etc/passwd
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxRetries != defaultMaxRetries {
		t.Errorf("MaxRetries = %d, want %d", cfg.MaxRetries, defaultMaxRetries)
	}
	if cfg.WindowSeconds != defaultWindowSeconds {
		t.Errorf("WindowSeconds = %d, want %d", cfg.WindowSeconds, defaultWindowSeconds)
	}
	if cfg.BanTimeSeconds != defaultBanTimeSeconds {
		t.Errorf("BanTimeSeconds = %d, want %d", cfg.BanTimeSeconds, defaultBanTimeSeconds)
	}
	if cfg.LogPath != defaultLogPath {
		t.Errorf("LogPath = %q, want %q", cfg.LogPath, defaultLogPath)
	}
	if cfg.Compiled == nil {
		t.Fatal("Compiled must be populated")
	}
	if cfg.Compiled.InstantBan[0] != "/etc/passwd" {
		t.Errorf("Compiled.InstantBan[0] = %q", cfg.Compiled.InstantBan[0])
	}
}

func TestLoadRejectsInvalidWhitelistEntry(t *testing.T) {
	path := writeTempConfig(t, `
whitelist:
  - "not-an-ip"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid whitelist entry, got nil")
	}
}

func TestLoadRejectsNonPositiveWindow(t *testing.T) {
	path := writeTempConfig(t, `
window_seconds: -5
`)
	// Only an absent (zero) window_seconds is defaulted; an explicit
	// negative value must fail validation, both through Load and through
	// a direct Validate call.
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject negative window_seconds")
	}

	cfg := Config{LogPath: "x", MaxRetries: 1, WindowSeconds: -5, BanTimeSeconds: 1}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject non-positive window_seconds")
	}
}

func TestStorePublishIsVisibleToSnapshot(t *testing.T) {
	c1 := &Config{LogPath: "a"}
	store := NewStore(c1)
	if got := store.Snapshot(); got != c1 {
		t.Fatalf("Snapshot = %v, want %v", got, c1)
	}

	c2 := &Config{LogPath: "b"}
	store.Publish(c2)
	if got := store.Snapshot(); got != c2 {
		t.Fatalf("Snapshot after publish = %v, want %v", got, c2)
	}
}

func TestNormalizeIPCanonicalisesForm(t *testing.T) {
	path := writeTempConfig(t, `
whitelist:
  - "127.0.0.1"
  - "::1"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := cfg.Compiled.Whitelist["127.0.0.1"]; !ok {
		t.Error("expected 127.0.0.1 in compiled whitelist")
	}
	if _, ok := cfg.Compiled.Whitelist["::1"]; !ok {
		t.Error("expected ::1 in compiled whitelist")
	}
}
