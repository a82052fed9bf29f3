// Package config loads gapmesh-node's runtime configuration from YAML,
// via Default()/Load(path).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gapmesh/core/internal/controlapi"
	"github.com/gapmesh/core/internal/dedup"
	"github.com/gapmesh/core/internal/router"
	"github.com/gapmesh/core/internal/transport/nostr"
	"github.com/gapmesh/core/internal/transport/wifiaware"
)

// Config is gapmesh-node's complete runtime configuration.
type Config struct {
	// DataDir holds the SQLite keychain database (identity.db under it)
	// for non-mobile hosts using the C14 SQLite Keychain backend.
	DataDir string `yaml:"data_dir"`

	// BLERotationSecret, if set, overrides the package-default global BLE
	// service-UUID rotation secret (rotation.SetGlobalSecret) — every
	// device on a private mesh must agree on the same value.
	BLERotationSecret string `yaml:"ble_rotation_secret,omitempty"`
	// BLELegacyCompat enables scanning for the fixed legacy service UUID
	// alongside the rotating set.
	BLELegacyCompat bool `yaml:"ble_legacy_compat"`

	// NostrRelays is the relay pool the Internet Transport connects to.
	NostrRelays []string `yaml:"nostr_relays"`

	// WiFiAware configures the optional LAN extra transport. Absent
	// (Enabled: false) by default; losing it never blocks BLE or Nostr.
	WiFiAware WiFiAwareConfig `yaml:"wifi_aware"`

	// ControlAPI configures the loopback-only diagnostics/automation
	// surface. Disabled by default.
	ControlAPI controlapi.Config `yaml:"control_api"`

	Capacity CapacityConfig `yaml:"capacity"`

	LogLevel string `yaml:"log_level"`
}

// WiFiAwareConfig is the YAML-facing form of wifiaware.Config, plus the
// enable flag the transport itself has no opinion on.
type WiFiAwareConfig struct {
	Enabled     bool                   `yaml:"enabled"`
	STUNServers []string               `yaml:"stun_servers"`
	TURNServers []wifiaware.TURNServer `yaml:"turn_servers"`
}

// CapacityConfig holds the capacity knobs for Dedup's LRU and the Router's
// per-peer outbox. The values are loaded but not passed on: Dedup and the
// Router use their own package constants whatever is set here.
type CapacityConfig struct {
	DedupCapacity     int `yaml:"dedup_capacity"`
	OutboxPerPeer     int `yaml:"outbox_per_peer"`
	OutboxMaxAgeHours int `yaml:"outbox_max_age_hours"`
}

// Default returns the documented default configuration: Control API and
// WiFi-Aware disabled, the public Nostr relay pool, capacity defaults taken
// from the dedup and router package constants, info logging.
func Default() *Config {
	return &Config{
		DataDir:           "/var/lib/gapmesh",
		BLELegacyCompat:   false,
		NostrRelays:       append([]string(nil), nostr.DefaultRelays...),
		WiFiAware: WiFiAwareConfig{
			Enabled:     false,
			STUNServers: append([]string(nil), wifiaware.DefaultSTUNServers...),
		},
		ControlAPI: controlapi.Config{
			Enabled: false,
			Listen:  controlapi.DefaultListen,
		},
		Capacity: CapacityConfig{
			DedupCapacity:     dedup.DefaultCapacity,
			OutboxPerPeer:     router.MaxOutboxPerPeer,
			OutboxMaxAgeHours: int(router.MaxOutboxAge.Hours()),
		},
		LogLevel: "info",
	}
}

// Load reads path, overlaying its fields onto Default()'s; a field the file
// omits keeps its default value.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
