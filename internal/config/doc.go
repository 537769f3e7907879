// Package config loads livetail configuration.
//
// Configuration is read from a YAML file with ${VAR} expansion, then
// overridden by LIVESESSION_* environment variables, then completed with
// defaults and validated.
package config
