package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "relayd.toml")

	cfg := &Config{
		Platform: "social",
		Registry: RegistryConfig{
			Mode:  RegistryEmbedded,
			Peers: []PeerConfig{{Name: "discord", Endpoint: "http://d:8080/platforms/discord"}},
		},
		Relay: RelayConfig{Timeout: 3 * time.Second},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Platform != "social" {
		t.Errorf("Platform = %q, want %q", loaded.Platform, "social")
	}
	if len(loaded.Registry.Peers) != 1 || loaded.Registry.Peers[0].Name != "discord" {
		t.Errorf("Peers = %+v, want one discord peer", loaded.Registry.Peers)
	}
	if loaded.Relay.Timeout != 3*time.Second {
		t.Errorf("Relay.Timeout = %v, want 3s", loaded.Relay.Timeout)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/relayd.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "relayd.toml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Platform != "social" {
		t.Errorf("Platform = %q, want social", cfg.Platform)
	}
	if cfg.Relay.Timeout != 15*time.Second {
		t.Errorf("Relay.Timeout = %v, want 15s", cfg.Relay.Timeout)
	}
	if cfg.Registry.Mode != RegistryEmbedded || cfg.Registry.Backend != BackendMemory {
		t.Errorf("registry = %+v, want embedded/memory", cfg.Registry)
	}
}

func TestValidateRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"bad platform name", Config{Platform: "Not Valid"}},
		{"remote without url", Config{Registry: RegistryConfig{Mode: RegistryRemote}}},
		{"unknown backend", Config{Registry: RegistryConfig{Backend: "redis"}}},
		{"peer without endpoint", Config{Registry: RegistryConfig{Peers: []PeerConfig{{Name: "x"}}}}},
		{"discord without token", Config{Discord: AdapterConfig{Enabled: true}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); err == nil {
				t.Error("Validate() expected error")
			}
		})
	}
}

func TestApplyEnvOverridesTokens(t *testing.T) {
	t.Setenv("FEDRELAY_DISCORD_TOKEN", "from-env")
	cfg := &Config{Discord: AdapterConfig{Token: "from-file"}}
	cfg.ApplyEnv()
	if cfg.Discord.Token != "from-env" {
		t.Errorf("Discord.Token = %q, want from-env", cfg.Discord.Token)
	}
}

func TestLoadOrDefaultReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("FEDRELAY_TELEGRAM_TOKEN=dotenv-token\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("FEDRELAY_TELEGRAM_TOKEN") })

	cfg, err := LoadOrDefault(filepath.Join(dir, "relayd.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Telegram.Token != "dotenv-token" {
		t.Errorf("Telegram.Token = %q, want dotenv-token", cfg.Telegram.Token)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "relayd.toml")

	if err := Save(path, Default()); err != nil {
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
