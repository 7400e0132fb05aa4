package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"kreconcile/internal/app"
	"kreconcile/internal/config"
)

// serveFlags are the serve command's overrides of the loaded configuration.
type serveFlags struct {
	debug          bool
	workers        int
	storeBackend   string
	storePath      string
	namespace      string
	metricsAddress string
}

func newServeCmd() *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Bucket controller until interrupted",
		Long: `Runs the Bucket controller against the configured store until SIGINT or
SIGTERM.

Configuration is layered with increasing priority:
  1. built-in defaults
  2. the file given by --config (.yaml, .yml or .toml)
  3. KRECONCILE_* environment variables
  4. command line flags

The configuration file is watched; log level changes apply without a
restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, flags)
		},
	}

	cmd.Flags().BoolVar(&flags.debug, "debug", false, "Enable debug logging")
	cmd.Flags().IntVar(&flags.workers, "workers", 0, "Concurrent reconcile workers per kind")
	cmd.Flags().StringVar(&flags.storeBackend, "store", "", "Store backend: memory, bolt or kubernetes")
	cmd.Flags().StringVar(&flags.storePath, "store-path", "", "bbolt database file for the bolt backend")
	cmd.Flags().StringVar(&flags.namespace, "namespace", "", "Only reconcile objects in this namespace")
	cmd.Flags().StringVar(&flags.metricsAddress, "metrics-address", "", "Address for /metrics, /healthz, /readyz and /debug/status")
	return cmd
}

func runServe(cmd *cobra.Command, flags *serveFlags) error {
	settings, err := loadSettings(func(s *config.Config) {
		if cmd.Flags().Changed("workers") {
			s.Workers = flags.workers
		}
		if cmd.Flags().Changed("store") {
			s.Store.Backend = flags.storeBackend
		}
		if cmd.Flags().Changed("store-path") {
			s.Store.Path = flags.storePath
		}
		if cmd.Flags().Changed("namespace") {
			s.Store.Namespace = flags.namespace
		}
		if cmd.Flags().Changed("metrics-address") {
			s.Metrics.Address = flags.metricsAddress
		}
	})
	if err != nil {
		return err
	}

	cfg := app.NewConfig(configPath, flags.debug)
	cfg.Settings = settings

	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return application.Run(ctx)
}

// loadSettings loads the configuration, applies the global log flags and
// then override, and validates the result.
func loadSettings(override func(*config.Config)) (*config.Config, error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		settings.LogLevel = logLevel
	}
	if logFormat != "" {
		settings.LogFormat = logFormat
	}
	if override != nil {
		override(&settings)
	}
	if err := settings.Validate(); err != nil {
		return nil, config.ConfigurationError{
			FilePath:  configPath,
			ErrorType: config.ErrorTypeValidation,
			Message:   err.Error(),
		}
	}
	return &settings, nil
}
