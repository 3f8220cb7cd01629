// internal/config/config_test.go
package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestExpandPath_TildeExpansion(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("failed to get home dir: %v", err)
	}

	tests := []struct {
		input    string
		expected string
	}{
		{"~/Documents", filepath.Join(home, "Documents")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"~", home},
	}

	for _, tt := range tests {
		result := ExpandPath(tt.input)
		if result != tt.expected {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestDefaultPaths(t *testing.T) {
	paths := DefaultPaths()

	if paths.ConfigDir == "" {
		t.Error("ConfigDir should not be empty")
	}
	if paths.DataDir == "" {
		t.Error("DataDir should not be empty")
	}
	if paths.KeyPath == "" {
		t.Error("KeyPath should not be empty")
	}
	if paths.AgentSocket == "" {
		t.Error("AgentSocket should not be empty")
	}
}

func TestEnsureDirectories(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := DefaultAgentConfig()
	cfg.Storage.DataDir = filepath.Join(tmpDir, "data", "db")
	cfg.Storage.KeyPath = filepath.Join(tmpDir, "keys", "node.key")
	cfg.Control.Socket = filepath.Join(tmpDir, "run", "agent.sock")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	for _, dir := range []string{cfg.Storage.DataDir, filepath.Dir(cfg.Storage.KeyPath), filepath.Dir(cfg.Control.Socket)} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("%s should exist after EnsureDirectories: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("%s should be a directory", dir)
		}
	}
	if _, err := os.Stat(cfg.Storage.KeyPath); !os.IsNotExist(err) {
		t.Error("EnsureDirectories should not create the key file")
	}

	// Calling EnsureDirectories again should be idempotent
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories should be idempotent: %v", err)
	}
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "agent.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

const sampleAgentConfig = `
[identity]
id = "alice"
display_name = "Alice"

[network]
port = 4101
listen_host = "127.0.0.1"

[discovery]
dns_seeds = ["_dnsaddr.bootstrap.meshchat.example"]
bootstrap = ["/ip4/192.168.1.1/tcp/4001/p2p/12D3KooWGzBnkPqQNyFQDqNjqJHGSfLrpJLf8vGCvGxCmjL5ikPM"]
mdns_enabled = false
rendezvous_timeout = "4s"

[session]
handshake_timeout = "45s"
auto_accept = ["bob"]
request_stamp_bits = 12

[peers]
bob = "/ip4/192.168.1.20/tcp/4001/p2p/12D3KooWGzBnkPqQNyFQDqNjqJHGSfLrpJLf8vGCvGxCmjL5ikPM"

[storage]
data_dir = "~/meshchat/db"

[log]
level = "debug"
`

func TestAgentConfig_LoadFromTOML(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("failed to get home dir: %v", err)
	}

	cfg, err := LoadAgentConfig(writeConfig(t, t.TempDir(), sampleAgentConfig))
	if err != nil {
		t.Fatalf("LoadAgentConfig failed: %v", err)
	}

	if cfg.Identity.ID != "alice" {
		t.Errorf("expected id alice, got %s", cfg.Identity.ID)
	}
	if cfg.Network.Port != 4101 {
		t.Errorf("expected port 4101, got %d", cfg.Network.Port)
	}
	if cfg.Discovery.MDNSEnabled {
		t.Error("expected mdns_enabled false")
	}
	if cfg.Discovery.RendezvousTimeout.Std() != 4*time.Second {
		t.Errorf("expected rendezvous timeout 4s, got %s", cfg.Discovery.RendezvousTimeout.Std())
	}
	if cfg.Session.HandshakeTimeout.Std() != 45*time.Second {
		t.Errorf("expected handshake timeout 45s, got %s", cfg.Session.HandshakeTimeout.Std())
	}
	if cfg.Session.TypingTimeout.Std() != 5*time.Second {
		t.Errorf("expected default typing timeout to survive, got %s", cfg.Session.TypingTimeout.Std())
	}
	if cfg.Session.RequestStampBits != 12 {
		t.Errorf("expected request stamp bits 12, got %d", cfg.Session.RequestStampBits)
	}
	if len(cfg.Peers) != 1 || cfg.Peers["bob"] == "" {
		t.Errorf("expected peer book with bob, got %v", cfg.Peers)
	}
	if want := filepath.Join(home, "meshchat", "db"); cfg.Storage.DataDir != want {
		t.Errorf("expected data dir %s, got %s", want, cfg.Storage.DataDir)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("sample config should validate: %v", err)
	}
}

func TestAgentConfig_Defaults(t *testing.T) {
	cfg := DefaultAgentConfig()

	if cfg.Network.Port != 4001 {
		t.Errorf("expected default port 4001, got %d", cfg.Network.Port)
	}
	if cfg.Session.HandshakeTimeout.Std() != 30*time.Second {
		t.Errorf("expected default handshake timeout 30s, got %s", cfg.Session.HandshakeTimeout.Std())
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected default log level info, got %s", cfg.Log.Level)
	}
	// Defaults lack an identity.
	if err := cfg.Validate(); err == nil {
		t.Error("expected defaults without an id to fail validation")
	}
}

func TestAgentConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AgentConfig)
	}{
		{"bad port", func(c *AgentConfig) { c.Network.Port = 70000 }},
		{"bad host", func(c *AgentConfig) { c.Network.ListenHost = "not-an-ip" }},
		{"id with slash", func(c *AgentConfig) { c.Identity.ID = "a/b" }},
		{"bad level", func(c *AgentConfig) { c.Log.Level = "loud" }},
		{"relative peer addr", func(c *AgentConfig) { c.Peers["bob"] = "ip4/1.2.3.4" }},
		{"zero typing timeout", func(c *AgentConfig) { c.Session.TypingTimeout = 0 }},
		{"stamp bits too high", func(c *AgentConfig) { c.Session.RequestStampBits = 40 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultAgentConfig()
			cfg.Identity.ID = "alice"
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestAgentConfig_ApplyEnv(t *testing.T) {
	t.Setenv("MESHCHAT_ID", "carol")
	t.Setenv("MESHCHAT_PORT", "0")
	t.Setenv("MESHCHAT_MDNS", "false")
	t.Setenv("MESHCHAT_BOOTSTRAP", "/ip4/10.0.0.1/tcp/4001,/ip4/10.0.0.2/tcp/4001")
	t.Setenv("MESHCHAT_KEY_PASSPHRASE", "hunter2")

	cfg := DefaultAgentConfig()
	host := cfg.Network.ListenHost
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}

	if cfg.Identity.ID != "carol" {
		t.Errorf("expected id carol, got %s", cfg.Identity.ID)
	}
	if cfg.Network.Port != 0 {
		t.Errorf("expected port 0, got %d", cfg.Network.Port)
	}
	if cfg.Network.ListenHost != host {
		t.Errorf("unset variable changed listen host to %s", cfg.Network.ListenHost)
	}
	if cfg.Discovery.MDNSEnabled {
		t.Error("expected mdns disabled")
	}
	if len(cfg.Discovery.Bootstrap) != 2 {
		t.Errorf("expected 2 bootstrap addrs, got %v", cfg.Discovery.Bootstrap)
	}
	if cfg.Storage.Passphrase != "hunter2" {
		t.Error("expected passphrase from environment")
	}
}

func TestAgentConfig_ApplyEnvInvalid(t *testing.T) {
	t.Setenv("MESHCHAT_PORT", "many")
	cfg := DefaultAgentConfig()
	if err := cfg.ApplyEnv(); err == nil {
		t.Error("expected error for non-numeric port")
	}
}

func TestLoadAgentConfig_FileNotFound(t *testing.T) {
	_, err := LoadAgentConfig("/nonexistent/path/config.toml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadAgentConfig_InvalidTOML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "this is not valid [ toml")
	if _, err := LoadAgentConfig(path); err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestWatchFile_Reloads(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleAgentConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *AgentConfig, 4)
	done := make(chan error, 1)
	go func() {
		done <- WatchFile(ctx, path, slog.New(slog.NewTextHandler(io.Discard, nil)), func(c *AgentConfig) {
			reloaded <- c
		})
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	// An invalid edit is rejected without a callback.
	writeConfig(t, dir, "[identity]\nid = \"\"\n")
	select {
	case c := <-reloaded:
		t.Fatalf("unexpected reload of invalid config: %+v", c.Identity)
	case <-time.After(500 * time.Millisecond):
	}

	writeConfig(t, dir, strings.Replace(sampleAgentConfig, `"Alice"`, `"Alice B"`, 1))

	select {
	case c := <-reloaded:
		if c.Identity.DisplayName != "Alice B" {
			t.Errorf("expected reloaded display name, got %s", c.Identity.DisplayName)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("WatchFile returned %v", err)
	}
}
