package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory     = "memory"
	BackendBolt       = "bolt"
	BackendKubernetes = "kubernetes"
)

// Duration is a time.Duration written as a Go duration string ("30s") in
// YAML, TOML and environment variables.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Config is the kreconcile configuration.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"logLevel" toml:"logLevel" env:"LOG_LEVEL"`
	// LogFormat is text or json.
	LogFormat string `yaml:"logFormat" toml:"logFormat" env:"LOG_FORMAT"`

	// Workers is the number of concurrent reconcile workers per kind.
	Workers int `yaml:"workers" toml:"workers" env:"WORKERS"`

	// ResyncPeriod re-delivers every cached object on this interval.
	// Zero disables resync.
	ResyncPeriod Duration `yaml:"resyncPeriod" toml:"resyncPeriod" env:"RESYNC_PERIOD"`

	// PollInterval is the delay between polls of a pending external operation.
	PollInterval Duration `yaml:"pollInterval" toml:"pollInterval" env:"POLL_INTERVAL"`

	// ReconcileTimeout bounds a single reconcile pass.
	ReconcileTimeout Duration `yaml:"reconcileTimeout" toml:"reconcileTimeout" env:"RECONCILE_TIMEOUT"`

	Backoff     BackoffConfig     `yaml:"backoff" toml:"backoff" envPrefix:"BACKOFF_"`
	Informer    InformerConfig    `yaml:"informer" toml:"informer" envPrefix:"INFORMER_"`
	StatusRetry StatusRetryConfig `yaml:"statusRetry" toml:"statusRetry" envPrefix:"STATUS_RETRY_"`
	Store       StoreConfig       `yaml:"store" toml:"store" envPrefix:"STORE_"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics" envPrefix:"METRICS_"`
	Provider    ProviderConfig    `yaml:"provider" toml:"provider" envPrefix:"PROVIDER_"`
}

// BackoffConfig configures the work queue rate limiter.
type BackoffConfig struct {
	// BaseDelay is the first per-key retry delay; it doubles per failure.
	BaseDelay Duration `yaml:"baseDelay" toml:"baseDelay" env:"BASE_DELAY"`
	// MaxDelay caps the per-key retry delay.
	MaxDelay Duration `yaml:"maxDelay" toml:"maxDelay" env:"MAX_DELAY"`
	// QPS and Burst bound retries across all keys.
	QPS   float64 `yaml:"qps" toml:"qps" env:"QPS"`
	Burst int     `yaml:"burst" toml:"burst" env:"BURST"`
}

// InformerConfig configures list/watch.
type InformerConfig struct {
	InitialBackoff Duration `yaml:"initialBackoff" toml:"initialBackoff" env:"INITIAL_BACKOFF"`
	MaxBackoff     Duration `yaml:"maxBackoff" toml:"maxBackoff" env:"MAX_BACKOFF"`
	// BookmarkInterval is how often the memory store sends bookmarks.
	BookmarkInterval Duration `yaml:"bookmarkInterval" toml:"bookmarkInterval" env:"BOOKMARK_INTERVAL"`
}

// StatusRetryConfig is the conflict retry budget of status writes.
type StatusRetryConfig struct {
	Steps    int      `yaml:"steps" toml:"steps" env:"STEPS"`
	Duration Duration `yaml:"duration" toml:"duration" env:"DURATION"`
	Factor   float64  `yaml:"factor" toml:"factor" env:"FACTOR"`
}

// StoreConfig selects the object store.
type StoreConfig struct {
	// Backend is memory, bolt or kubernetes.
	Backend string `yaml:"backend" toml:"backend" env:"BACKEND"`
	// Path is the bbolt database file for the bolt backend.
	Path string `yaml:"path" toml:"path" env:"PATH"`
	// Namespace restricts informers to one namespace. Empty means all.
	Namespace string `yaml:"namespace" toml:"namespace" env:"NAMESPACE"`
}

// MetricsConfig configures the HTTP endpoint.
type MetricsConfig struct {
	// Address serves /metrics, /healthz, /readyz and /debug/status.
	// Empty disables the endpoint.
	Address string `yaml:"address" toml:"address" env:"ADDRESS"`
}

// ProviderConfig tunes the simulated bucket provider.
type ProviderConfig struct {
	// PendingPolls is how many polls an operation stays pending.
	PendingPolls int `yaml:"pendingPolls" toml:"pendingPolls" env:"PENDING_POLLS"`
	// Endpoint is the URL template for provisioned buckets; %s is the bucket name.
	Endpoint string `yaml:"endpoint" toml:"endpoint" env:"ENDPOINT"`
}
