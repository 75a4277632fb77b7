package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("Default().Validate() error: %v", err)
	}
	if c.ResolveTimeout() != 10*time.Second {
		t.Errorf("ResolveTimeout() = %v, want 10s", c.ResolveTimeout())
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
device_name: Studio
mechanism: mdns
listen_port: 4100
search_restart_backoff_ms: 250
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if c.DeviceName != "Studio" || c.Mechanism != MechanismMDNS || c.ListenPort != 4100 {
		t.Errorf("Load() = %+v", c)
	}
	if c.SearchRestartBackoff() != 250*time.Millisecond {
		t.Errorf("SearchRestartBackoff() = %v", c.SearchRestartBackoff())
	}
	// Untouched fields keep their defaults.
	if c.ServiceType != "_macremote._tcp" || c.DiscoveryUDPPort != 5599 {
		t.Errorf("defaults lost: %+v", c)
	}
}

func TestLoadFromEnv(t *testing.T) {
	path := writeConfig(t, "device_name: FromEnv\n")
	t.Setenv("MACREMOTE_CONFIG", path)
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if c.DeviceName != "FromEnv" {
		t.Errorf("DeviceName = %q", c.DeviceName)
	}
}

func TestLoadMissingDefaultFile(t *testing.T) {
	t.Setenv("MACREMOTE_CONFIG", "")
	t.Chdir(t.TempDir())
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if c.Mechanism != MechanismUDP {
		t.Errorf("Mechanism = %q, want default", c.Mechanism)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load() of a missing explicit path succeeded")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name, body, want string
	}{
		{"bad yaml", "listen_port: [", "parse config"},
		{"port range", "listen_port: 70000", "listen_port"},
		{"empty type", "service_type: ''", "service_type"},
		{"mechanism", "mechanism: carrier-pigeon", "mechanism"},
		{"log level", "log_level: loud", "log_level"},
		{"no targets", "discovery_broadcast_addresses: []", "broadcast"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v, want %v", in, got, err, want)
		}
	}
}
