package app

import (
	"context"
	"fmt"
	"os"

	"kreconcile/internal/config"
	"kreconcile/pkg/logging"
)

// Application bootstraps and runs the kreconcile controller.
//
// Initialization happens in two phases:
//  1. Bootstrap: load configuration, initialize logging, open the store and
//     register controllers.
//  2. Execution: run the manager and the HTTP endpoints until the context
//     is cancelled.
//
// Example usage:
//
//	cfg := app.NewConfig("/etc/kreconcile/config.yaml", false)
//	application, err := app.NewApplication(cfg)
//	if err != nil {
//	    return fmt.Errorf("failed to create application: %w", err)
//	}
//	return application.Run(ctx)
type Application struct {
	config   *Config
	services *Services
}

// NewApplication loads the configuration unless cfg.Settings is already
// set, initializes logging and builds the services.
func NewApplication(cfg *Config) (*Application, error) {
	if cfg.Settings == nil {
		settings, err := config.Load(cfg.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg.Settings = &settings
	}
	if cfg.Debug {
		cfg.Settings.LogLevel = "debug"
	}

	if err := initLogging(cfg.Settings); err != nil {
		return nil, err
	}
	if cfg.ConfigPath != "" {
		logging.Info("Bootstrap", "Loaded configuration from %s", cfg.ConfigPath)
	}

	services, err := InitializeServices(cfg.Settings)
	if err != nil {
		logging.Error("Bootstrap", err, "Failed to initialize services")
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	return &Application{
		config:   cfg,
		services: services,
	}, nil
}

func initLogging(cfg *config.Config) error {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logging.Init(logging.Options{
		Level:  level,
		Format: logging.Format(cfg.LogFormat),
		Output: os.Stderr,
	})
	return nil
}

// Services returns the initialized services.
func (a *Application) Services() *Services {
	return a.services
}

// Run executes the application until ctx is cancelled.
func (a *Application) Run(ctx context.Context) error {
	defer func() {
		if err := a.services.Close(); err != nil {
			logging.Error("Bootstrap", err, "Failed to close store")
		}
	}()
	return runServer(ctx, a.config, a.services)
}
