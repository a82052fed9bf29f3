package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultDisablesControlAPIAndWiFiAware(t *testing.T) {
	cfg := Default()
	if cfg.ControlAPI.Enabled {
		t.Fatalf("expected Control API disabled by default")
	}
	if cfg.WiFiAware.Enabled {
		t.Fatalf("expected WiFi-Aware disabled by default")
	}
	if len(cfg.NostrRelays) == 0 {
		t.Fatalf("expected a non-empty default relay pool")
	}
}

func TestLoadOverlaysFileOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gapmesh.yaml")
	yaml := `
data_dir: /tmp/gapmesh-test
log_level: debug
control_api:
  enabled: true
  listen: 127.0.0.1:9944
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "/tmp/gapmesh-test" {
		t.Fatalf("expected overridden data_dir, got %q", cfg.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected overridden log_level, got %q", cfg.LogLevel)
	}
	if !cfg.ControlAPI.Enabled {
		t.Fatalf("expected control_api.enabled overridden to true")
	}
	// Fields the file doesn't mention keep their defaults.
	if len(cfg.NostrRelays) == 0 {
		t.Fatalf("expected default relay pool to survive a partial overlay")
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected an error loading a nonexistent config file")
	}
}
