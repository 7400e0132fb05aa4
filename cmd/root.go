package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"kreconcile/internal/config"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeConfigError indicates the configuration could not be loaded or is invalid.
	ExitCodeConfigError = 2
	// ExitCodeScenarioFailed indicates at least one demo scenario failed.
	ExitCodeScenarioFailed = 3
)

// errScenariosFailed is returned by the demo command when a scenario fails.
var errScenariosFailed = errors.New("one or more scenarios failed")

// Global flags shared by every subcommand.
var (
	configPath string
	logLevel   string
	logFormat  string
)

// rootCmd represents the base command for the kreconcile application.
var rootCmd = &cobra.Command{
	Use:   "kreconcile",
	Short: "Level-triggered reconciliation controller for Bucket resources",
	Long: `kreconcile watches Bucket objects in an object store and drives the
external system towards what each Bucket's spec asks for: it adds a
finalizer, keeps a dependent ConfigMap in line, provisions the bucket
through an asynchronous provider and reports progress in the Bucket's
status conditions.

The store is in-memory by default, optionally persisted to a bbolt file,
or a live Kubernetes API server.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors that are handled by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command.
// This function is typically called from the main package to inject the application version at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application.
// This function is called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "kreconcile version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode determines the appropriate exit code based on the error type.
func getExitCode(err error) int {
	var configErr config.ConfigurationError
	if errors.As(err, &configErr) {
		return ExitCodeConfigError
	}
	if errors.Is(err, errScenariosFailed) {
		return ExitCodeScenarioFailed
	}
	return ExitCodeError
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file (.yaml or .toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error (overrides the configuration)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json (overrides the configuration)")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newDemoCmd())
}
