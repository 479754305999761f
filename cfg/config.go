package cfg

import (
	"flag"
	"fmt"
	"os"
	"path"

	"github.com/BurntSushi/toml"
	"github.com/cespare/xxhash/v2"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// ServerConfiguration controls the public HTTP/WebSocket listener
type ServerConfiguration struct {
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
}

// RealtimeConfiguration controls WebSocket session behavior
type RealtimeConfiguration struct {
	HeartbeatIntervalMS int `toml:"heartbeat_interval_ms"` // Ping cadence per connection
	PongTimeoutMS       int `toml:"pong_timeout_ms"`       // Deadline for pong after ping
	WriteTimeoutMS      int `toml:"write_timeout_ms"`      // Per-frame write deadline
	CatchUpBatchSize    int `toml:"catch_up_batch_size"`   // Max events per catch-up read
	SendBufferSize      int `toml:"send_buffer_size"`      // Outbound frame queue per connection
}

// AuthConfiguration controls connect signature verification
type AuthConfiguration struct {
	SkewSeconds int    `toml:"skew_seconds"` // Accepted clock skew for signed timestamps
	AdminToken  string `toml:"admin_token"`  // Bearer token for admin endpoints
}

// StoreConfiguration controls the event log storage
type StoreConfiguration struct {
	DataDir string `toml:"data_dir"`
}

// SocialConfiguration controls the social graph database
type SocialConfiguration struct {
	DBPath string `toml:"db_path"`
}

// NATSConfiguration for the NATS downstream sink
type NATSConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	URL         string `toml:"url"`
	SubjectRoot string `toml:"subject_root"`
}

// KafkaConfiguration for the Kafka downstream sink
type KafkaConfiguration struct {
	Enabled bool     `toml:"enabled"`
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

// SinkConfiguration controls downstream event forwarding
type SinkConfiguration struct {
	TypeFilter          string             `toml:"type_filter"` // Glob over event types, empty forwards all
	MaxRetries          int                `toml:"max_retries"`
	RetryBackoffMS      int                `toml:"retry_backoff_ms"`
	QueueSize           int                `toml:"queue_size"`
	DigestIntervalHours int                `toml:"digest_interval_hours"` // 0 disables digest rollups
	NATS                NATSConfiguration  `toml:"nats"`
	Kafka               KafkaConfiguration `toml:"kafka"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID uint64 `toml:"node_id"`

	Server     ServerConfiguration     `toml:"server"`
	Realtime   RealtimeConfiguration   `toml:"realtime"`
	Auth       AuthConfiguration       `toml:"auth"`
	Store      StoreConfiguration      `toml:"store"`
	Social     SocialConfiguration     `toml:"social"`
	Sink       SinkConfiguration       `toml:"sink"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Event log directory (overrides config)")
	PortFlag       = flag.Int("port", 0, "HTTP listen port (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
)

// Default configuration
var Config = &Configuration{
	NodeID: 0, // Auto-generate

	Server: ServerConfiguration{
		BindAddress: "0.0.0.0",
		Port:        8080,
	},

	Realtime: RealtimeConfiguration{
		HeartbeatIntervalMS: 30000,
		PongTimeoutMS:       10000,
		WriteTimeoutMS:      5000,
		CatchUpBatchSize:    256,
		SendBufferSize:      64,
	},

	Auth: AuthConfiguration{
		SkewSeconds: 300, // 5 minute window for signed timestamps
	},

	Store: StoreConfiguration{
		DataDir: "./murmur-data",
	},

	Social: SocialConfiguration{
		DBPath: "./murmur-data/social.db",
	},

	Sink: SinkConfiguration{
		TypeFilter:          "",
		MaxRetries:          5,
		RetryBackoffMS:      200,
		QueueSize:           4096,
		DigestIntervalHours: 0,
		NATS:                NATSConfiguration{SubjectRoot: "murmur.events"},
		Kafka:               KafkaConfiguration{Topic: "murmur-events"},
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.Store.DataDir = *DataDirFlag
	}
	if *PortFlag != 0 {
		Config.Server.Port = *PortFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.Store.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("murmur")
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64String(id), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Server.Port < 1 || Config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", Config.Server.Port)
	}

	if Config.Realtime.HeartbeatIntervalMS < 1000 {
		return fmt.Errorf("heartbeat interval must be >= 1000ms")
	}

	if Config.Realtime.PongTimeoutMS < 1 {
		return fmt.Errorf("pong timeout must be >= 1ms")
	}

	if Config.Realtime.WriteTimeoutMS < 1 {
		return fmt.Errorf("write timeout must be >= 1ms")
	}

	if Config.Realtime.CatchUpBatchSize < 1 {
		return fmt.Errorf("catch-up batch size must be >= 1")
	}

	if Config.Realtime.SendBufferSize < 1 {
		return fmt.Errorf("send buffer size must be >= 1")
	}

	if Config.Auth.SkewSeconds < 1 {
		return fmt.Errorf("auth skew must be >= 1 second")
	}

	if Config.Social.DBPath == "" {
		return fmt.Errorf("social db path must not be empty")
	}

	if Config.Sink.MaxRetries < 0 {
		return fmt.Errorf("sink max retries must be >= 0")
	}

	if Config.Sink.RetryBackoffMS < 1 {
		return fmt.Errorf("sink retry backoff must be >= 1ms")
	}

	if Config.Sink.QueueSize < 1 {
		return fmt.Errorf("sink queue size must be >= 1")
	}

	if Config.Sink.DigestIntervalHours < 0 {
		return fmt.Errorf("sink digest interval must be >= 0")
	}

	if Config.Sink.NATS.Enabled && Config.Sink.NATS.URL == "" {
		return fmt.Errorf("NATS sink enabled but no URL configured")
	}

	if Config.Sink.Kafka.Enabled && len(Config.Sink.Kafka.Brokers) == 0 {
		return fmt.Errorf("Kafka sink enabled but no brokers configured")
	}

	return nil
}

// EventLogPath returns the pebble directory for the event log
func EventLogPath() string {
	return path.Join(Config.Store.DataDir, "eventlog")
}
