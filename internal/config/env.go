package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// envOverrides are the environment variables that override the file.
type envOverrides struct {
	BaseURL      string   `env:"LIVESESSION_BASE_URL"`
	ResourceID   string   `env:"LIVESESSION_RESOURCE_ID"`
	AuthToken    string   `env:"LIVESESSION_AUTH_TOKEN"`
	Debug        bool     `env:"LIVESESSION_DEBUG"`
	KafkaBrokers []string `env:"LIVESESSION_KAFKA_BROKERS" envSeparator:","`
	DBPassword   string   `env:"LIVESESSION_DB_PASSWORD"`
}

// ApplyEnv overrides cfg with any LIVESESSION_* variables that are set.
// LIVESESSION_DEBUG can only turn debug logging on.
func ApplyEnv(cfg *Config) error {
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	if ov.BaseURL != "" {
		cfg.Endpoint.BaseURL = ov.BaseURL
	}
	if ov.ResourceID != "" {
		cfg.Endpoint.ResourceID = ov.ResourceID
	}
	if ov.AuthToken != "" {
		cfg.Endpoint.AuthToken = ov.AuthToken
	}
	if ov.Debug {
		cfg.Debug = true
	}
	if len(ov.KafkaBrokers) > 0 {
		cfg.Bridge.Brokers = ov.KafkaBrokers
	}
	if ov.DBPassword != "" {
		cfg.Journal.Database.Password = ov.DBPassword
	}
	return nil
}
