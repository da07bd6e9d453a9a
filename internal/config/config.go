// Package config manages rtun daemon configuration using koanf/v2.
//
// Supports YAML files, environment variables, and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Relay configuration
// -------------------------------------------------------------------------

// RelayConfig holds the complete rtund (relay) configuration.
type RelayConfig struct {
	Relay   RelayListenConfig `koanf:"relay"`
	Metrics MetricsConfig     `koanf:"metrics"`
	Log     LogConfig         `koanf:"log"`
}

// RelayListenConfig holds the control endpoint and port pool parameters.
type RelayListenConfig struct {
	// ControlAddr is the TCP address the control endpoint listens on.
	ControlAddr string `koanf:"control_addr"`
	// StatusAddr is the HTTP address serving the read-only introspection API.
	StatusAddr string `koanf:"status_addr"`
	// PoolLow is the lowest public port the pool will allocate.
	PoolLow int `koanf:"pool_low"`
	// PoolHigh is the highest public port the pool will allocate.
	PoolHigh int `koanf:"pool_high"`
	// HostAttachTimeout bounds how long a newly allocated port waits for the
	// host to attach its tunnel connection before the port is released.
	HostAttachTimeout time.Duration `koanf:"host_attach_timeout"`
	// HealthInterval is the period between health sweeper passes.
	HealthInterval time.Duration `koanf:"health_interval"`
	// MaxFramePayload caps the accepted frame payload length in bytes.
	MaxFramePayload uint32 `koanf:"max_frame_payload"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9102").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// DefaultRelayConfig returns a RelayConfig populated with the defaults named
// in the external-interface description of this protocol: control port
// 9000, pool 9001-9100, a 300s host attach timeout and a 60s health sweep.
func DefaultRelayConfig() *RelayConfig {
	return &RelayConfig{
		Relay: RelayListenConfig{
			ControlAddr:       ":9000",
			StatusAddr:        ":9101",
			PoolLow:           9001,
			PoolHigh:          9100,
			HostAttachTimeout: 300 * time.Second,
			HealthInterval:    60 * time.Second,
			MaxFramePayload:   1 << 20,
		},
		Metrics: MetricsConfig{
			Addr: ":9102",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// relayEnvPrefix is the environment variable prefix for relay configuration.
// Variables are named RTUN_<section>_<key>, e.g. RTUN_RELAY_CONTROL_ADDR.
const relayEnvPrefix = "RTUN_"

// LoadRelay reads configuration from an optional YAML file at path, overlays
// RTUN_-prefixed environment variable overrides, and merges on top of
// DefaultRelayConfig(). An empty path skips the file layer.
func LoadRelay(path string) (*RelayConfig, error) {
	k := koanf.New(".")

	defaults := DefaultRelayConfig()
	if err := loadRelayDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load relay config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load relay config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(relayEnvPrefix, ".", envKeyMapper(relayEnvPrefix)), nil); err != nil {
		return nil, fmt.Errorf("load relay env overrides: %w", err)
	}

	cfg := &RelayConfig{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal relay config: %w", err)
	}

	if err := ValidateRelay(cfg); err != nil {
		return nil, fmt.Errorf("validate relay config: %w", err)
	}

	return cfg, nil
}

func loadRelayDefaults(k *koanf.Koanf, defaults *RelayConfig) error {
	defaultMap := map[string]any{
		"relay.control_addr":        defaults.Relay.ControlAddr,
		"relay.status_addr":         defaults.Relay.StatusAddr,
		"relay.pool_low":            defaults.Relay.PoolLow,
		"relay.pool_high":           defaults.Relay.PoolHigh,
		"relay.host_attach_timeout": defaults.Relay.HostAttachTimeout.String(),
		"relay.health_interval":     defaults.Relay.HealthInterval.String(),
		"relay.max_frame_payload":   defaults.Relay.MaxFramePayload,
		"metrics.addr":              defaults.Metrics.Addr,
		"metrics.path":              defaults.Metrics.Path,
		"log.level":                 defaults.Log.Level,
		"log.format":                defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// Relay validation errors.
var (
	ErrEmptyControlAddr  = errors.New("relay.control_addr must not be empty")
	ErrInvalidPoolRange  = errors.New("relay.pool_low must be <= relay.pool_high, both within [1, 65535]")
	ErrInvalidAttachWait = errors.New("relay.host_attach_timeout must be > 0")
	ErrInvalidHealthIval = errors.New("relay.health_interval must be > 0")
	ErrInvalidFrameCap   = errors.New("relay.max_frame_payload must be > 0")
)

// ValidateRelay checks the relay configuration for logical errors.
func ValidateRelay(cfg *RelayConfig) error {
	if cfg.Relay.ControlAddr == "" {
		return ErrEmptyControlAddr
	}
	if cfg.Relay.PoolLow <= 0 || cfg.Relay.PoolHigh > 65535 || cfg.Relay.PoolLow > cfg.Relay.PoolHigh {
		return ErrInvalidPoolRange
	}
	if cfg.Relay.HostAttachTimeout <= 0 {
		return ErrInvalidAttachWait
	}
	if cfg.Relay.HealthInterval <= 0 {
		return ErrInvalidHealthIval
	}
	if cfg.Relay.MaxFramePayload == 0 {
		return ErrInvalidFrameCap
	}
	return nil
}

// -------------------------------------------------------------------------
// Host configuration
// -------------------------------------------------------------------------

// HostConfig holds the complete rtunhost configuration.
type HostConfig struct {
	Host    HostTunnelConfig `koanf:"host"`
	Metrics MetricsConfig    `koanf:"metrics"`
	Log     LogConfig        `koanf:"log"`
}

// HostTunnelConfig holds the tunnel dial and local forwarding parameters.
type HostTunnelConfig struct {
	// RelayAddr is the relay's public IP or hostname.
	RelayAddr string `koanf:"relay_addr"`
	// ControlPort is the relay's control endpoint port.
	ControlPort int `koanf:"control_port"`
	// LocalHost is the hidden service's address, normally loopback.
	LocalHost string `koanf:"local_host"`
	// LocalPort is the hidden service's TCP port.
	LocalPort int `koanf:"local_port"`
	// DialTimeout bounds connecting to the relay and to the local service.
	DialTimeout time.Duration `koanf:"dial_timeout"`
	// ReconnectBackoff is the delay between tunnel sessions when running in
	// the auto-reconnect loop.
	ReconnectBackoff time.Duration `koanf:"reconnect_backoff"`
}

// DefaultHostConfig returns a HostConfig with sensible defaults; RelayAddr
// and LocalPort must still be supplied by the caller.
func DefaultHostConfig() *HostConfig {
	return &HostConfig{
		Host: HostTunnelConfig{
			LocalHost:        "127.0.0.1",
			ControlPort:      9000,
			DialTimeout:      10 * time.Second,
			ReconnectBackoff: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Addr: ":9202",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

const hostEnvPrefix = "RTUNHOST_"

// LoadHost layers DefaultHostConfig() under an optional YAML file and
// RTUNHOST_-prefixed environment variables.
func LoadHost(path string) (*HostConfig, error) {
	k := koanf.New(".")

	defaults := DefaultHostConfig()
	if err := loadHostDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load host config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load host config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(hostEnvPrefix, ".", envKeyMapper(hostEnvPrefix)), nil); err != nil {
		return nil, fmt.Errorf("load host env overrides: %w", err)
	}

	cfg := &HostConfig{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal host config: %w", err)
	}

	return cfg, nil
}

func loadHostDefaults(k *koanf.Koanf, defaults *HostConfig) error {
	defaultMap := map[string]any{
		"host.local_host":         defaults.Host.LocalHost,
		"host.control_port":       defaults.Host.ControlPort,
		"host.dial_timeout":       defaults.Host.DialTimeout.String(),
		"host.reconnect_backoff":  defaults.Host.ReconnectBackoff.String(),
		"metrics.addr":            defaults.Metrics.Addr,
		"metrics.path":            defaults.Metrics.Path,
		"log.level":               defaults.Log.Level,
		"log.format":              defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

var (
	// ErrEmptyRelayAddr indicates the host was not given a relay address.
	ErrEmptyRelayAddr = errors.New("host.relay_addr must not be empty")
	// ErrInvalidLocalPort indicates the local service port is out of range.
	ErrInvalidLocalPort = errors.New("host.local_port must be in [1, 65535]")
	// ErrInvalidControlPort indicates the relay control port is out of range.
	ErrInvalidControlPort = errors.New("host.control_port must be in [1, 65535]")
)

// ValidateHost checks the host configuration for logical errors.
func ValidateHost(cfg *HostConfig) error {
	if cfg.Host.RelayAddr == "" {
		return ErrEmptyRelayAddr
	}
	if cfg.Host.LocalPort <= 0 || cfg.Host.LocalPort > 65535 {
		return ErrInvalidLocalPort
	}
	if cfg.Host.ControlPort <= 0 || cfg.Host.ControlPort > 65535 {
		return ErrInvalidControlPort
	}
	return nil
}

// -------------------------------------------------------------------------
// Shared helpers
// -------------------------------------------------------------------------

// envKeyMapper builds a koanf env key mapper that strips prefix, lowercases,
// and replaces the first "_" (the section separator) with "."
// (e.g. RTUN_RELAY_CONTROL_ADDR -> relay.control_addr).
func envKeyMapper(prefix string) func(string) string {
	return func(s string) string {
		s = strings.TrimPrefix(s, prefix)
		s = strings.ToLower(s)
		return strings.Replace(s, "_", ".", 1)
	}
}

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
