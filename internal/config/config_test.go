// config_test.go - Tests for configuration loading
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 8180 {
		t.Errorf("port = %d, want 8180", cfg.Server.Port)
	}
	if cfg.Emulation.OctoPrintPort != 5000 || cfg.Emulation.MoonrakerPort != 7125 {
		t.Errorf("emulation ports = %d/%d, want 5000/7125",
			cfg.Emulation.OctoPrintPort, cfg.Emulation.MoonrakerPort)
	}
	if cfg.HeartbeatInterval() != time.Second {
		t.Errorf("heartbeat interval = %v, want 1s", cfg.HeartbeatInterval())
	}
	if len(cfg.Channel.AllowedCIDRs) == 0 {
		t.Error("expected default CIDR allow-list")
	}
}

func TestLoadPartialFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9000
machine:
  heartbeatIntervalSeconds: 3
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Machine.HeartbeatIntervalSeconds != 3 {
		t.Errorf("heartbeat = %d, want 3", cfg.Machine.HeartbeatIntervalSeconds)
	}
	// Untouched sections keep defaults.
	if cfg.Server.BindAddress != "127.0.0.1" {
		t.Errorf("bind address = %s, want 127.0.0.1", cfg.Server.BindAddress)
	}
	if cfg.Emulation.MaxUploadMB != 64 {
		t.Errorf("max upload = %d, want 64", cfg.Emulation.MaxUploadMB)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error, got nil")
	}
}

func TestGetServerAddr(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.GetServerAddr(); got != "127.0.0.1:8180" {
		t.Errorf("addr = %s, want 127.0.0.1:8180", got)
	}
}
