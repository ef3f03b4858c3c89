package config

import (
	"time"

	"github.com/c360/citysync/gateway"
	"github.com/c360/citysync/transport"
)

// Default returns the configuration used when no file sets a field.
func Default() *Config {
	gw := gateway.DefaultConfig()
	return &Config{
		Version: Version,
		Service: ServiceConfig{
			Name:            "citysync",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Gateway: GatewayConfig{
			ListenAddr:     gw.ListenAddr,
			MaxRequestSize: gw.MaxRequestSize,
			RateLimit:      gw.RateLimit,
			RateBurst:      gw.RateBurst,
			InboundQueue:   gw.InboundQueue,
			WriteTimeout:   Duration(gw.WriteTimeout),
			PingInterval:   Duration(gw.PingInterval),
		},
		Bridge: BridgeConfig{
			HandlerTimeout: Duration(5 * time.Second),
		},
		Transport: TransportConfig{
			ChunkSize:      transport.MaxChunkSize,
			MaxPayloadSize: transport.DefaultMaxPayloadSize,
			Deadline:       Duration(transport.DefaultDeadline),
		},
		Store: StoreConfig{
			Backend:          BackendMemory,
			Key:              "temporal",
			AutosaveInterval: Duration(30 * time.Second),
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "citysync",
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
			Timeout:       Duration(5 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
