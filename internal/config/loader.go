package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"kreconcile/pkg/logging"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "KRECONCILE_"

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel:         "info",
		LogFormat:        "text",
		Workers:          2,
		ResyncPeriod:     Duration(10 * time.Hour),
		PollInterval:     Duration(5 * time.Second),
		ReconcileTimeout: Duration(30 * time.Second),
		Backoff: BackoffConfig{
			BaseDelay: Duration(5 * time.Second),
			MaxDelay:  Duration(1000 * time.Second),
			QPS:       10,
			Burst:     100,
		},
		Informer: InformerConfig{
			InitialBackoff:   Duration(800 * time.Millisecond),
			MaxBackoff:       Duration(30 * time.Second),
			BookmarkInterval: Duration(time.Minute),
		},
		StatusRetry: StatusRetryConfig{
			Steps:    4,
			Duration: Duration(10 * time.Millisecond),
			Factor:   5,
		},
		Store: StoreConfig{
			Backend: BackendMemory,
		},
		Metrics: MetricsConfig{
			Address: ":8080",
		},
		Provider: ProviderConfig{
			PendingPolls: 2,
			Endpoint:     "https://%s.storage.local",
		},
	}
}

// Load builds the configuration with priority defaults < file < env.
// An empty path skips the file; a missing file is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
		logging.Info("Config", "Loaded configuration from %s", path)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, newConfigurationError("", ErrorTypeEnv, err,
			fmt.Sprintf("check the %s* environment variables", EnvPrefix))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, ConfigurationError{
			FilePath:  path,
			ErrorType: ErrorTypeValidation,
			Message:   err.Error(),
			cause:     err,
		}
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return newConfigurationError(path, ErrorTypeIO, err, "create the file or omit --config")
		}
		return newConfigurationError(path, ErrorTypeIO, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return ConfigurationError{
			FilePath:    path,
			ErrorType:   ErrorTypeParse,
			Message:     fmt.Sprintf("unsupported config file extension %q", filepath.Ext(path)),
			Suggestions: []string{"use a .yaml, .yml or .toml file"},
		}
	}
	if err != nil {
		return newConfigurationError(path, ErrorTypeParse, err)
	}
	return nil
}
