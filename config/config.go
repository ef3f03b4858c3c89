// Package config loads the service configuration.
//
// Configuration is layered: Default() first, then each file layer in order,
// then CITYSYNC_* environment variables. JSON and YAML files are both
// accepted, chosen by extension. Durations are written as "5s" strings or as
// integer nanoseconds.
package config

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"unicode"

	"github.com/Masterminds/semver/v3"

	"github.com/c360/citysync/errors"
	"github.com/c360/citysync/gateway"
	"github.com/c360/citysync/pkg/tlsutil"
)

// Version is the configuration format version this build reads.
const Version = "1.0.0"

// Persistence backends
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendKV     = "kv"
)

// Config is the complete service configuration.
type Config struct {
	Version   string          `json:"version" yaml:"version" env:"VERSION"`
	Service   ServiceConfig   `json:"service" yaml:"service" envPrefix:"SERVICE_"`
	Gateway   GatewayConfig   `json:"gateway" yaml:"gateway" envPrefix:"GATEWAY_"`
	Bridge    BridgeConfig    `json:"bridge" yaml:"bridge" envPrefix:"BRIDGE_"`
	Transport TransportConfig `json:"transport" yaml:"transport" envPrefix:"TRANSPORT_"`
	Store     StoreConfig     `json:"store" yaml:"store" envPrefix:"STORE_"`
	NATS      NATSConfig      `json:"nats" yaml:"nats" envPrefix:"NATS_"`
	Log       LogConfig       `json:"log" yaml:"log" envPrefix:"LOG_"`
}

// ServiceConfig identifies the running instance.
type ServiceConfig struct {
	Name            string   `json:"name" yaml:"name" env:"NAME"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// GatewayConfig mirrors gateway.Config in file form.
type GatewayConfig struct {
	ListenAddr     string   `json:"listen_addr" yaml:"listen_addr" env:"LISTEN_ADDR"`
	MaxRequestSize int64    `json:"max_request_size" yaml:"max_request_size" env:"MAX_REQUEST_SIZE"`
	RateLimit      float64  `json:"rate_limit" yaml:"rate_limit" env:"RATE_LIMIT"`
	RateBurst      int      `json:"rate_burst" yaml:"rate_burst" env:"RATE_BURST"`
	InboundQueue   int      `json:"inbound_queue" yaml:"inbound_queue" env:"INBOUND_QUEUE"`
	WriteTimeout   Duration `json:"write_timeout" yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	PingInterval   Duration `json:"ping_interval" yaml:"ping_interval" env:"PING_INTERVAL"`
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty" env:"ALLOWED_ORIGINS" envSeparator:","`

	TLS tlsutil.ServerConfig `json:"tls" yaml:"tls" envPrefix:"TLS_"`
}

// BridgeConfig configures event dispatch.
type BridgeConfig struct {
	HandlerTimeout Duration `json:"handler_timeout" yaml:"handler_timeout" env:"HANDLER_TIMEOUT"`
}

// TransportConfig configures chunking and reassembly.
type TransportConfig struct {
	ChunkSize      int      `json:"chunk_size" yaml:"chunk_size" env:"CHUNK_SIZE"`
	MaxPayloadSize int      `json:"max_payload_size" yaml:"max_payload_size" env:"MAX_PAYLOAD_SIZE"`
	Deadline       Duration `json:"deadline" yaml:"deadline" env:"DEADLINE"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend          string   `json:"backend" yaml:"backend" env:"BACKEND"`
	Path             string   `json:"path,omitempty" yaml:"path,omitempty" env:"PATH"`
	Bucket           string   `json:"bucket,omitempty" yaml:"bucket,omitempty" env:"BUCKET"`
	Key              string   `json:"key,omitempty" yaml:"key,omitempty" env:"KEY"`
	AutosaveInterval Duration `json:"autosave_interval" yaml:"autosave_interval" env:"AUTOSAVE_INTERVAL"`
}

// NATSConfig configures the optional NATS connection.
type NATSConfig struct {
	Enabled       bool     `json:"enabled" yaml:"enabled" env:"ENABLED"`
	URL           string   `json:"url" yaml:"url" env:"URL"`
	SubjectPrefix string   `json:"subject_prefix" yaml:"subject_prefix" env:"SUBJECT_PREFIX"`
	Username      string   `json:"username,omitempty" yaml:"username,omitempty" env:"USERNAME"`
	Password      string   `json:"password,omitempty" yaml:"password,omitempty" env:"PASSWORD"`
	Token         string   `json:"token,omitempty" yaml:"token,omitempty" env:"TOKEN"`
	MaxReconnects int      `json:"max_reconnects" yaml:"max_reconnects" env:"MAX_RECONNECTS"`
	ReconnectWait Duration `json:"reconnect_wait" yaml:"reconnect_wait" env:"RECONNECT_WAIT"`
	Timeout       Duration `json:"timeout" yaml:"timeout" env:"TIMEOUT"`
}

// LogConfig configures slog output.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" env:"LEVEL"`
	Format string `json:"format" yaml:"format" env:"FORMAT"`
}

// ServerConfig converts the gateway section to gateway.Config. Chunk size comes from
// the transport section.
func (c *Config) ServerConfig() gateway.Config {
	return gateway.Config{
		ListenAddr:     c.Gateway.ListenAddr,
		MaxRequestSize: c.Gateway.MaxRequestSize,
		RateLimit:      c.Gateway.RateLimit,
		RateBurst:      c.Gateway.RateBurst,
		InboundQueue:   c.Gateway.InboundQueue,
		ChunkSize:      c.Transport.ChunkSize,
		MaxPayloadSize: c.Transport.MaxPayloadSize,
		WriteTimeout:   c.Gateway.WriteTimeout.Std(),
		PingInterval:   c.Gateway.PingInterval.Std(),
		AllowedOrigins: slices.Clone(c.Gateway.AllowedOrigins),
	}
}

// Subject returns prefix + "." + name.
func (n NATSConfig) Subject(name string) string {
	return n.SubjectPrefix + "." + name
}

// Validate checks the configuration and normalizes case-insensitive fields.
func (c *Config) Validate() error {
	if err := checkVersion(c.Version); err != nil {
		return err
	}
	if c.Service.Name == "" {
		return invalid("service.name is required")
	}
	if c.Service.ShutdownTimeout <= 0 {
		return invalid("service.shutdown_timeout must be positive")
	}

	gw := c.ServerConfig()
	if err := gw.Validate(); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	if err := c.Gateway.TLS.Validate(); err != nil {
		return fmt.Errorf("gateway.tls: %w", err)
	}

	if c.Bridge.HandlerTimeout < 0 {
		return invalid("bridge.handler_timeout cannot be negative")
	}
	if c.Transport.Deadline <= 0 {
		return invalid("transport.deadline must be positive")
	}

	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateNATS(); err != nil {
		return err
	}

	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Log.Level) {
		return invalid(fmt.Sprintf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return invalid(fmt.Sprintf("log.format %q must be json or text", c.Log.Format))
	}
	return nil
}

func (c *Config) validateStore() error {
	c.Store.Backend = strings.ToLower(c.Store.Backend)
	switch c.Store.Backend {
	case BackendMemory:
		return nil
	case BackendFile, BackendSQLite:
		if c.Store.Path == "" {
			return invalid(fmt.Sprintf("store.path is required for the %s backend", c.Store.Backend))
		}
	case BackendKV:
		if !c.NATS.Enabled {
			return invalid("store.backend kv requires nats.enabled")
		}
		if c.Store.Bucket == "" || c.Store.Key == "" {
			return invalid("store.bucket and store.key are required for the kv backend")
		}
	default:
		return invalid(fmt.Sprintf("store.backend %q must be memory, file, sqlite or kv", c.Store.Backend))
	}
	if c.Store.AutosaveInterval <= 0 {
		return invalid("store.autosave_interval must be positive")
	}
	return nil
}

func (c *Config) validateNATS() error {
	if !c.NATS.Enabled {
		return nil
	}
	if c.NATS.URL == "" {
		return invalid("nats.url is required when nats is enabled")
	}
	if !isValidSubjectPrefix(c.NATS.SubjectPrefix) {
		return invalid(fmt.Sprintf(
			"nats.subject_prefix %q is not valid for NATS subjects (alphanumeric with dots, dashes, underscores)",
			c.NATS.SubjectPrefix))
	}
	if c.NATS.Timeout <= 0 {
		return invalid("nats.timeout must be positive")
	}
	if c.NATS.ReconnectWait < 0 {
		return invalid("nats.reconnect_wait cannot be negative")
	}
	return nil
}

func checkVersion(version string) error {
	if version == "" {
		return invalid("version is required")
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", fmt.Sprintf("parse version %q", version))
	}
	if v.Major() != semver.MustParse(Version).Major() {
		return invalid(fmt.Sprintf("config version %s is not compatible with %s", v, Version))
	}
	return nil
}

// isValidSubjectPrefix reports whether s can prefix NATS subjects.
func isValidSubjectPrefix(s string) bool {
	if s == "" || strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

func invalid(reason string) error {
	return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", reason)
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Gateway.AllowedOrigins = slices.Clone(c.Gateway.AllowedOrigins)
	clone.Gateway.TLS.ClientCAFiles = slices.Clone(c.Gateway.TLS.ClientCAFiles)
	clone.Gateway.TLS.AllowedClientCNs = slices.Clone(c.Gateway.TLS.AllowedClientCNs)
	return &clone
}

// String returns the configuration as indented JSON with secrets masked.
func (c *Config) String() string {
	masked := c.Clone()
	for _, s := range []*string{&masked.NATS.Password, &masked.NATS.Token} {
		if *s != "" {
			*s = "****"
		}
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}
