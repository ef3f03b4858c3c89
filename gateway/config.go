package gateway

import (
	"fmt"
	"time"

	"github.com/c360/citysync/errors"
	"github.com/c360/citysync/transport"
)

// Config holds the gateway's listener and per-connection limits.
type Config struct {
	// ListenAddr is the HTTP listen address, e.g. ":8080".
	ListenAddr string

	// MaxRequestSize limits /commands request bodies in bytes.
	MaxRequestSize int64

	// RateLimit is the sustained inbound frame rate per connection, in frames
	// per second. Zero disables limiting.
	RateLimit float64
	RateBurst int

	// InboundQueue is the capacity of the queue feeding the dispatcher.
	InboundQueue int

	// ChunkSize is the transport chunk size for outbound payloads.
	ChunkSize int

	// MaxPayloadSize bounds one encoded outbound command.
	MaxPayloadSize int

	WriteTimeout time.Duration
	PingInterval time.Duration

	// AllowedOrigins restricts websocket upgrades by Origin header. Empty
	// allows any origin.
	AllowedOrigins []string
}

// DefaultConfig returns default gateway configuration
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":8080",
		MaxRequestSize: 1024 * 1024,
		RateLimit:      50,
		RateBurst:      100,
		InboundQueue:   256,
		ChunkSize:      transport.MaxChunkSize,
		MaxPayloadSize: transport.DefaultMaxPayloadSize,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
	}
}

// Validate ensures the gateway configuration is valid
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"listen address cannot be empty")
	}

	if c.MaxRequestSize <= 0 || c.MaxRequestSize > 100*1024*1024 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("max_request_size %d must be between 1 and 100MB", c.MaxRequestSize))
	}

	if c.RateLimit < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"rate_limit cannot be negative")
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"rate_burst must be at least 1 when rate_limit is set")
	}

	if c.InboundQueue < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"inbound_queue must be at least 1")
	}

	if c.ChunkSize <= 0 || c.ChunkSize > transport.MaxChunkSize {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("chunk_size %d must be between 1 and %d", c.ChunkSize, transport.MaxChunkSize))
	}

	if c.MaxPayloadSize <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_payload_size must be positive")
	}

	if c.WriteTimeout <= 0 || c.PingInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"write_timeout and ping_interval must be positive")
	}
	return nil
}
