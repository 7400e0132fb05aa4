// Package app provides application bootstrap and lifecycle management for
// kreconcile.
//
// # Components
//
//   - Bootstrap (bootstrap.go): loads configuration, initializes logging
//     and builds the services.
//   - Services (services.go): opens the configured store backend, creates
//     the metrics registry and registers the Bucket controller with a
//     controller.Manager.
//   - Server (server.go): runs the manager, the HTTP endpoints, memory
//     store bookmarks and the configuration watch under one errgroup.
//
// # Store Backends
//
//   - memory: process-local, lost on exit.
//   - bolt: the memory store persisted to a bbolt file.
//   - kubernetes: a live API server located through the usual kubeconfig
//     discovery.
//
// # HTTP Endpoints
//
//	/metrics       Prometheus metrics
//	/healthz       liveness, always ok
//	/readyz        ok once every informer cache has synced
//	/debug/status  per-key reconcile state as JSON
//
// When run under systemd with Type=notify, readiness is reported once the
// caches have synced.
package app
