// Package logging provides the structured logging used throughout kreconcile.
//
// It is a thin layer over Go's slog package. Every entry carries a subsystem
// attribute so output from the informers, the work queue and the engine can be
// filtered independently.
//
// # Log Levels
//   - **Debug**: per-event and per-pass detail
//   - **Info**: lifecycle messages (informer synced, workers started)
//   - **Warn**: recoverable failures such as a watch expiring
//   - **Error**: failed passes and store errors
//
// # Usage
//
//	logging.Init(logging.Options{Level: logging.LevelInfo, Format: logging.FormatJSON})
//
//	logging.Info("Informer", "Synced %d objects for %s", n, gvk)
//	logging.Error("Engine", err, "Reconcile of %s failed", key)
//
// The level can be changed while the process runs with SetLevel; the config
// watcher uses this for hot reloads.
//
// # Subsystems
//
//   - **Store**: object store implementations
//   - **Informer**: list/watch pumps and caches
//   - **Translator**: event-to-key mapping
//   - **Engine**: reconcile passes
//   - **StatusReporter**: status writes
//   - **Controller** / **Manager**: worker supervision
//   - **Config**: configuration loading and reloads
//
// # controller-runtime
//
// Init installs a logr bridge as the controller-runtime logger, so messages
// from client libraries land in the same stream. Logr returns the same bridge
// for code that expects a logr.Logger.
package logging
