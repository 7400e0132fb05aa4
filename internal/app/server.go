package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"kreconcile/internal/config"
	"kreconcile/pkg/logging"
)

const shutdownTimeout = 10 * time.Second

// runServer runs the manager, the HTTP endpoints, store bookmarks and the
// configuration watch. It returns when ctx is cancelled or any of them
// fails.
func runServer(ctx context.Context, cfg *Config, services *Services) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return services.Manager.Start(gctx)
	})

	g.Go(func() error {
		services.RunBookmarks(gctx, cfg.Settings.Informer.BookmarkInterval.Std())
		return nil
	})

	if addr := cfg.Settings.Metrics.Address; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           NewHandler(services),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logging.Info("Server", "Serving metrics and health endpoints on %s", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if cfg.ConfigPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, cfg.ConfigPath, config.DefaultDebounce, applyReload)
		})
	}

	g.Go(func() error {
		notifyReady(gctx, services)
		return nil
	})

	err := g.Wait()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	return err
}

// applyReload applies the settings that may change while running.
func applyReload(cfg config.Config) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		logging.Warn("Server", "Ignoring reloaded log level: %v", err)
		return
	}
	logging.SetLevel(level)
	logging.Info("Server", "Log level set to %s", level)
}

// notifyReady tells systemd the service is ready once every cache synced.
func notifyReady(ctx context.Context, services *Services) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !services.Manager.Ready() {
				continue
			}
			sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
			switch {
			case err != nil:
				logging.Warn("Server", "Failed to notify systemd: %v", err)
			case sent:
				logging.Debug("Server", "Notified systemd of readiness")
			}
			logging.Info("Server", "Controllers are ready")
			return
		}
	}
}

// NewHandler serves /metrics, /healthz, /readyz and /debug/status.
func NewHandler(services *Services) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(services.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusOK, "ok")
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !services.Manager.Ready() {
			writeText(w, http.StatusServiceUnavailable, "caches not synced")
			return
		}
		writeText(w, http.StatusOK, "ok")
	})
	mux.HandleFunc("/debug/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(services.Manager.Statuses()); err != nil {
			logging.Warn("Server", "Failed to encode status: %v", err)
		}
	})
	return mux
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body + "\n"))
}
