package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultAuthMode             = "frame"
	DefaultReconnectBaseDelay   = 2 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultAuthTimeout          = 10 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultQueueCapacity        = 1000
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 4
	DefaultMinConns             = 1
	DefaultBatchSize            = 100
	DefaultFlushInterval        = 1 * time.Second
	DefaultBridgeTopic          = "live-session-envelopes"
)

func (c *Config) applyDefaults() {
	// Endpoint defaults
	if c.Endpoint.AuthMode == "" {
		c.Endpoint.AuthMode = DefaultAuthMode
	}

	// Client defaults
	if c.Client.ReconnectBaseDelay == 0 {
		c.Client.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Client.ReconnectMaxDelay == 0 {
		c.Client.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Client.MaxReconnectAttempts == 0 {
		c.Client.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Client.HeartbeatInterval == 0 {
		c.Client.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Client.HeartbeatTimeout == 0 {
		c.Client.HeartbeatTimeout = c.Client.HeartbeatInterval
	}
	if c.Client.AuthTimeout == 0 {
		c.Client.AuthTimeout = DefaultAuthTimeout
	}
	if c.Client.WriteTimeout == 0 {
		c.Client.WriteTimeout = DefaultWriteTimeout
	}
	if c.Client.HandshakeTimeout == 0 {
		c.Client.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Client.QueueCapacity == 0 {
		c.Client.QueueCapacity = DefaultQueueCapacity
	}

	// Journal defaults
	applyDBDefaults(&c.Journal.Database)
	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = DefaultBatchSize
	}
	if c.Journal.FlushInterval == 0 {
		c.Journal.FlushInterval = DefaultFlushInterval
	}

	// Bridge defaults
	if c.Bridge.Topic == "" {
		c.Bridge.Topic = DefaultBridgeTopic
	}
	if c.Bridge.BatchSize == 0 {
		c.Bridge.BatchSize = DefaultBatchSize
	}
	if c.Bridge.FlushInterval == 0 {
		c.Bridge.FlushInterval = DefaultFlushInterval
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
