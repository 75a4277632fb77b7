package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Discovery mechanisms.
const (
	MechanismUDP  = "udp"
	MechanismMDNS = "mdns"
)

// Config holds application configuration (YAML).
type Config struct {
	DeviceName  string `yaml:"device_name"` // empty: host name, then "Default Name"
	ServiceType string `yaml:"service_type"`
	Domain      string `yaml:"domain"`
	Mechanism   string `yaml:"mechanism"`   // "udp" or "mdns"
	ListenPort  int    `yaml:"listen_port"` // 0 picks an ephemeral port

	DiscoveryUDPPort              int      `yaml:"discovery_udp_port"`
	DiscoveryBroadcastAddresses   []string `yaml:"discovery_broadcast_addresses"`
	DiscoveryQueryIntervalSeconds int      `yaml:"discovery_query_interval_seconds"`
	DiscoveryStaleSeconds         int      `yaml:"discovery_stale_seconds"`

	ResolveTimeoutSeconds int    `yaml:"resolve_timeout_seconds"`
	ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds"`
	MaxFrameSize          uint32 `yaml:"max_frame_size"`

	SearchMaxRestarts      int `yaml:"search_max_restarts"`
	SearchRestartBackoffMS int `yaml:"search_restart_backoff_ms"`

	ControlListen string `yaml:"control_listen"` // host:port of the HTTP control API
	LogLevel      string `yaml:"log_level"`      // debug, info, warn, error
	Version       string `yaml:"version"`
}

// Default returns default configuration values.
func Default() Config {
	return Config{
		ServiceType:                   "_macremote._tcp",
		Domain:                        "local.",
		Mechanism:                     MechanismUDP,
		DiscoveryUDPPort:              5599,
		DiscoveryBroadcastAddresses:   []string{"255.255.255.255"},
		DiscoveryQueryIntervalSeconds: 5,
		DiscoveryStaleSeconds:         30,
		ResolveTimeoutSeconds:         10,
		ConnectTimeoutSeconds:         5,
		MaxFrameSize:                  16 << 20,
		SearchMaxRestarts:             8,
		SearchRestartBackoffMS:        100,
		ControlListen:                 "127.0.0.1:8899",
		LogLevel:                      "info",
	}
}

// Load reads config from path. If path is empty, env MACREMOTE_CONFIG is
// used; else "config.yaml", which may be absent.
func Load(path string) (*Config, error) {
	explicit := true
	if path == "" {
		path = os.Getenv("MACREMOTE_CONFIG")
	}
	if path == "" {
		path = "config.yaml"
		explicit = false
	}
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return &c, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ServiceType) == "" {
		errs = append(errs, errors.New("service_type is empty"))
	}
	if c.Mechanism != MechanismUDP && c.Mechanism != MechanismMDNS {
		errs = append(errs, fmt.Errorf("mechanism %q is not %q or %q", c.Mechanism, MechanismUDP, MechanismMDNS))
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("listen_port %d out of range", c.ListenPort))
	}
	if c.DiscoveryUDPPort < 0 || c.DiscoveryUDPPort > 65535 {
		errs = append(errs, fmt.Errorf("discovery_udp_port %d out of range", c.DiscoveryUDPPort))
	}
	if c.Mechanism == MechanismUDP && len(c.DiscoveryBroadcastAddresses) == 0 {
		errs = append(errs, errors.New("discovery_broadcast_addresses is empty"))
	}
	if c.MaxFrameSize == 0 {
		errs = append(errs, errors.New("max_frame_size must be positive"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ResolveTimeout returns resolve_timeout_seconds as a duration.
func (c *Config) ResolveTimeout() time.Duration {
	return time.Duration(c.ResolveTimeoutSeconds) * time.Second
}

// ConnectTimeout returns connect_timeout_seconds as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// QueryInterval returns discovery_query_interval_seconds as a duration.
func (c *Config) QueryInterval() time.Duration {
	return time.Duration(c.DiscoveryQueryIntervalSeconds) * time.Second
}

// StaleTimeout returns discovery_stale_seconds as a duration.
func (c *Config) StaleTimeout() time.Duration {
	return time.Duration(c.DiscoveryStaleSeconds) * time.Second
}

// SearchRestartBackoff returns search_restart_backoff_ms as a duration.
func (c *Config) SearchRestartBackoff() time.Duration {
	return time.Duration(c.SearchRestartBackoffMS) * time.Millisecond
}

// ParseLevel maps a log_level value to a slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log_level %q", s)
}
