package config

import (
	"time"

	"github.com/rickgao/livesession/internal/connection"
)

// Config is the root configuration for a livetail process.
type Config struct {
	Endpoint EndpointConfig `yaml:"endpoint"`
	Client   ClientConfig   `yaml:"client"`
	Journal  JournalConfig  `yaml:"journal"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Debug    bool           `yaml:"debug"`
}

// EndpointConfig identifies the live-session server and resource.
type EndpointConfig struct {
	BaseURL    string `yaml:"base_url"`    // http(s) or ws(s); may contain {resource}
	ResourceID string `yaml:"resource_id"` // Session/debate id
	AuthToken  string `yaml:"auth_token"`  // Optional
	AuthMode   string `yaml:"auth_mode"`   // "frame" (default) or "query"
}

// ClientConfig holds connection tuning.
type ClientConfig struct {
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout     time.Duration `yaml:"heartbeat_timeout"` // 0 = heartbeat_interval
	AuthTimeout          time.Duration `yaml:"auth_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	QueueCapacity        int           `yaml:"queue_capacity"`
}

// JournalConfig holds the connection event journal settings.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// BridgeConfig holds the Kafka envelope bridge settings.
type BridgeConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// ConnectionConfig maps the client section onto connection tuning.
// URL, session id and token are filled in by the session client.
func (c *Config) ConnectionConfig() connection.Config {
	cfg := connection.DefaultConfig()
	cfg.AuthMode = connection.AuthMode(c.Endpoint.AuthMode)
	cfg.ReconnectBaseDelay = c.Client.ReconnectBaseDelay
	cfg.ReconnectMaxDelay = c.Client.ReconnectMaxDelay
	cfg.MaxReconnectAttempts = c.Client.MaxReconnectAttempts
	cfg.HeartbeatInterval = c.Client.HeartbeatInterval
	cfg.HeartbeatTimeout = c.Client.HeartbeatTimeout
	cfg.AuthTimeout = c.Client.AuthTimeout
	cfg.WriteTimeout = c.Client.WriteTimeout
	cfg.HandshakeTimeout = c.Client.HandshakeTimeout
	cfg.QueueCapacity = c.Client.QueueCapacity
	cfg.Debug = c.Debug
	return cfg
}
