package app

import (
	"kreconcile/internal/config"
)

// Config holds the application configuration
type Config struct {
	// Debug forces the debug log level regardless of the loaded settings.
	Debug bool

	// ConfigPath is the optional configuration file. It is watched for
	// log level changes while the server runs.
	ConfigPath string

	// Settings is the loaded configuration. When nil, NewApplication loads
	// it from ConfigPath and the environment.
	Settings *config.Config
}

// NewConfig creates a new application configuration
func NewConfig(configPath string, debug bool) *Config {
	return &Config{
		Debug:      debug,
		ConfigPath: configPath,
	}
}
