package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Endpoint.BaseURL == "" {
		return errors.New("endpoint.base_url is required")
	}
	if c.Endpoint.ResourceID == "" {
		return errors.New("endpoint.resource_id is required")
	}
	switch c.Endpoint.AuthMode {
	case "frame", "query":
	default:
		return fmt.Errorf("endpoint.auth_mode must be frame or query, got %q", c.Endpoint.AuthMode)
	}

	if c.Client.ReconnectBaseDelay <= 0 {
		return errors.New("client.reconnect_base_delay must be > 0")
	}
	if c.Client.ReconnectMaxDelay < c.Client.ReconnectBaseDelay {
		return fmt.Errorf("client.reconnect_max_delay (%s) cannot be less than reconnect_base_delay (%s)",
			c.Client.ReconnectMaxDelay, c.Client.ReconnectBaseDelay)
	}
	if c.Client.MaxReconnectAttempts < 1 {
		return errors.New("client.max_reconnect_attempts must be >= 1")
	}
	if c.Client.HeartbeatInterval <= 0 {
		return errors.New("client.heartbeat_interval must be > 0")
	}
	if c.Client.HeartbeatTimeout <= 0 {
		return errors.New("client.heartbeat_timeout must be > 0")
	}
	if c.Client.QueueCapacity < 1 {
		return errors.New("client.queue_capacity must be >= 1")
	}

	if c.Journal.Enabled {
		if err := c.Journal.Database.validate("journal.database"); err != nil {
			return err
		}
		if c.Journal.BatchSize < 1 {
			return errors.New("journal.batch_size must be >= 1")
		}
	}

	if c.Bridge.Enabled {
		if len(c.Bridge.Brokers) == 0 {
			return errors.New("bridge.brokers is required when bridge is enabled")
		}
		if c.Bridge.Topic == "" {
			return errors.New("bridge.topic is required when bridge is enabled")
		}
		if c.Bridge.BatchSize < 1 {
			return errors.New("bridge.batch_size must be >= 1")
		}
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
