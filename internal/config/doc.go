// Package config provides configuration management for kreconcile.
//
// Configuration is layered: built-in defaults, then an optional file, then
// environment variables, then command-line flags applied by the caller.
//
// # File Formats
//
// The file format follows the extension: .yaml and .yml are read with
// gopkg.in/yaml.v3, .toml with go-toml. Durations are Go duration strings.
//
//	logLevel: info
//	logFormat: json
//	workers: 4
//	resyncPeriod: 10h
//	pollInterval: 5s
//	backoff:
//	  baseDelay: 5s
//	  maxDelay: 1000s
//	  qps: 10
//	  burst: 100
//	store:
//	  backend: bolt            # memory, bolt or kubernetes
//	  path: /var/lib/kreconcile/store.db
//	metrics:
//	  address: ":8080"
//
// # Environment
//
// Every key can be overridden with a KRECONCILE_ variable, nested keys
// joined by underscores: KRECONCILE_LOG_LEVEL, KRECONCILE_STORE_BACKEND,
// KRECONCILE_BACKOFF_BASE_DELAY.
//
// # Reloading
//
// Watch reloads the file on change. Only settings that are safe to change
// at runtime, such as the log level, are applied by the serve command.
package config
