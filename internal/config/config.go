// Package config manages cubbyd daemon configuration using koanf/v2.
//
// Supports YAML files, environment variables, and CLI flags.
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
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete cubbyd configuration.
type Config struct {
	Listen   ListenConfig   `koanf:"listen"`
	TLS      TLSConfig      `koanf:"tls"`
	Auth     AuthConfig     `koanf:"auth"`
	Protocol ProtocolConfig `koanf:"protocol"`
	Session  SessionConfig  `koanf:"session"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Log      LogConfig      `koanf:"log"`
}

// ListenConfig holds the transport listen addresses. Stream and datagram
// conventionally share the same port number on TCP and UDP.
type ListenConfig struct {
	// Stream is the TLS stream listen address (e.g., ":20202").
	Stream string `koanf:"stream"`
	// Datagram is the UDP datagram listen address (e.g., ":20202").
	Datagram string `koanf:"datagram"`
}

// TLSConfig holds the server certificate used by the stream listener.
type TLSConfig struct {
	// Cert is the path to the PEM-encoded server certificate.
	Cert string `koanf:"cert"`
	// Key is the path to the PEM-encoded private key.
	Key string `koanf:"key"`
}

// AuthConfig holds the credential authority client configuration.
type AuthConfig struct {
	// Addr is the credential authority address (e.g., "127.0.0.1:8080").
	Addr string `koanf:"addr"`
	// Issuer is the expected issuer of authority-signed credentials.
	Issuer string `koanf:"issuer"`
	// PublicKey is the authority's Ed25519 public key, hex-encoded.
	PublicKey string `koanf:"public_key"`
	// Timeout bounds one claim exchange with the authority.
	Timeout time.Duration `koanf:"timeout"`
	// Insecure skips authority certificate verification. Development only.
	Insecure bool `koanf:"insecure"`
}

// ProtocolConfig holds the wire protocol parameters.
type ProtocolConfig struct {
	// MinVersion and MaxVersion bound the accepted protocol versions,
	// inclusive.
	MinVersion uint16 `koanf:"min_version"`
	MaxVersion uint16 `koanf:"max_version"`
	// MaxFrame caps a stream frame's declared length in bytes.
	MaxFrame uint32 `koanf:"max_frame"`
}

// SessionConfig holds the session lifecycle tunables.
type SessionConfig struct {
	// HandshakeTimeout bounds the path from accepted connection to Active.
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`

	// HeartbeatInterval is the liveness probe cadence.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`

	// FailureThreshold is the consecutive unanswered probe count beyond
	// which the peer is declared dead (must be >= 1).
	FailureThreshold int `koanf:"failure_threshold"`

	// ReconnectTimeout is how long a session waits for a rebind before
	// closing.
	ReconnectTimeout time.Duration `koanf:"reconnect_timeout"`

	// QueueLimit caps the recovery queue, in messages.
	QueueLimit int `koanf:"queue_limit"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
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

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// The 2s heartbeat with a threshold of 4 declares a peer dead after
// roughly 10 seconds of two-path silence, and the 30s reconnect window
// covers a typical mobile network switch without holding dead sessions
// for long.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Stream:   ":20202",
			Datagram: ":20202",
		},
		TLS: TLSConfig{
			Cert: "cert.pem",
			Key:  "key.pem",
		},
		Auth: AuthConfig{
			Addr:    "127.0.0.1:8080",
			Issuer:  "cubby-auth",
			Timeout: 5 * time.Second,
		},
		Protocol: ProtocolConfig{
			MinVersion: 1,
			MaxVersion: 1,
			MaxFrame:   64 * 1024,
		},
		Session: SessionConfig{
			HandshakeTimeout:  15 * time.Second,
			HeartbeatInterval: 2 * time.Second,
			FailureThreshold:  4,
			ReconnectTimeout:  30 * time.Second,
			QueueLimit:        256,
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for cubbyd configuration.
// Variables are named CUBBY_<section>_<key>, e.g., CUBBY_LISTEN_STREAM.
const envPrefix = "CUBBY_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (CUBBY_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	CUBBY_LISTEN_STREAM   -> listen.stream
//	CUBBY_LISTEN_DATAGRAM -> listen.datagram
//	CUBBY_AUTH_ADDR       -> auth.addr
//	CUBBY_LOG_LEVEL       -> log.level
//	CUBBY_METRICS_ADDR    -> metrics.addr
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	// CUBBY_LISTEN_STREAM -> listen.stream (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms CUBBY_LISTEN_STREAM -> listen.stream.
// Strips the CUBBY_ prefix, lowercases, and replaces the first _ with .
// so multi-word keys like heartbeat_interval survive the mapping.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"listen.stream":              defaults.Listen.Stream,
		"listen.datagram":            defaults.Listen.Datagram,
		"tls.cert":                   defaults.TLS.Cert,
		"tls.key":                    defaults.TLS.Key,
		"auth.addr":                  defaults.Auth.Addr,
		"auth.issuer":                defaults.Auth.Issuer,
		"auth.public_key":            defaults.Auth.PublicKey,
		"auth.timeout":               defaults.Auth.Timeout.String(),
		"auth.insecure":              defaults.Auth.Insecure,
		"protocol.min_version":       defaults.Protocol.MinVersion,
		"protocol.max_version":       defaults.Protocol.MaxVersion,
		"protocol.max_frame":         defaults.Protocol.MaxFrame,
		"session.handshake_timeout":  defaults.Session.HandshakeTimeout.String(),
		"session.heartbeat_interval": defaults.Session.HeartbeatInterval.String(),
		"session.failure_threshold":  defaults.Session.FailureThreshold,
		"session.reconnect_timeout":  defaults.Session.ReconnectTimeout.String(),
		"session.queue_limit":        defaults.Session.QueueLimit,
		"metrics.addr":               defaults.Metrics.Addr,
		"metrics.path":               defaults.Metrics.Path,
		"log.level":                  defaults.Log.Level,
		"log.format":                 defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyStreamAddr indicates the stream listen address is empty.
	ErrEmptyStreamAddr = errors.New("listen.stream must not be empty")

	// ErrEmptyDatagramAddr indicates the datagram listen address is empty.
	ErrEmptyDatagramAddr = errors.New("listen.datagram must not be empty")

	// ErrEmptyTLSCert indicates the TLS certificate path is empty.
	ErrEmptyTLSCert = errors.New("tls.cert must not be empty")

	// ErrEmptyTLSKey indicates the TLS key path is empty.
	ErrEmptyTLSKey = errors.New("tls.key must not be empty")

	// ErrEmptyAuthAddr indicates the credential authority address is empty.
	ErrEmptyAuthAddr = errors.New("auth.addr must not be empty")

	// ErrInvalidVersionRange indicates min_version exceeds max_version or
	// is zero.
	ErrInvalidVersionRange = errors.New("protocol version range is invalid")

	// ErrInvalidMaxFrame indicates the maximum frame size is zero.
	ErrInvalidMaxFrame = errors.New("protocol.max_frame must be > 0")

	// ErrInvalidHeartbeatInterval indicates the probe cadence is not positive.
	ErrInvalidHeartbeatInterval = errors.New("session.heartbeat_interval must be > 0")

	// ErrInvalidFailureThreshold indicates the failure threshold is below 1.
	ErrInvalidFailureThreshold = errors.New("session.failure_threshold must be >= 1")

	// ErrInvalidReconnectTimeout indicates the reconnect window is not positive.
	ErrInvalidReconnectTimeout = errors.New("session.reconnect_timeout must be > 0")

	// ErrInvalidQueueLimit indicates the recovery queue limit is below 1.
	ErrInvalidQueueLimit = errors.New("session.queue_limit must be >= 1")

	// ErrInvalidAuthTimeout indicates the authority exchange timeout is
	// not positive.
	ErrInvalidAuthTimeout = errors.New("auth.timeout must be > 0")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Listen.Stream == "" {
		return ErrEmptyStreamAddr
	}
	if cfg.Listen.Datagram == "" {
		return ErrEmptyDatagramAddr
	}
	if cfg.TLS.Cert == "" {
		return ErrEmptyTLSCert
	}
	if cfg.TLS.Key == "" {
		return ErrEmptyTLSKey
	}
	if cfg.Auth.Addr == "" {
		return ErrEmptyAuthAddr
	}
	if cfg.Auth.Timeout <= 0 {
		return ErrInvalidAuthTimeout
	}
	if cfg.Protocol.MinVersion == 0 || cfg.Protocol.MinVersion > cfg.Protocol.MaxVersion {
		return ErrInvalidVersionRange
	}
	if cfg.Protocol.MaxFrame == 0 {
		return ErrInvalidMaxFrame
	}
	if cfg.Session.HeartbeatInterval <= 0 {
		return ErrInvalidHeartbeatInterval
	}
	if cfg.Session.FailureThreshold < 1 {
		return ErrInvalidFailureThreshold
	}
	if cfg.Session.ReconnectTimeout <= 0 {
		return ErrInvalidReconnectTimeout
	}
	if cfg.Session.QueueLimit < 1 {
		return ErrInvalidQueueLimit
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
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
