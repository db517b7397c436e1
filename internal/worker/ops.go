// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ManuGH/vid2sub/internal/config"
	"github.com/ManuGH/vid2sub/internal/health"
	"github.com/ManuGH/vid2sub/internal/log"
	"github.com/ManuGH/vid2sub/internal/version"
)

const (
	opsReadHeaderTimeout = 5 * time.Second
	opsShutdownTimeout   = 10 * time.Second

	// opsRateLimit bounds probe traffic per client IP. Ops endpoints are
	// cheap but the storage checker touches the shared filesystem.
	opsRateLimit  = 120
	opsRateWindow = time.Minute
)

// serveOps runs the operational HTTP endpoint: liveness, readiness,
// Prometheus metrics and build info. It blocks until ctx is cancelled,
// then drains with a bounded shutdown window.
func (w *Worker) serveOps(ctx context.Context, cfg config.Config) error {
	logger := log.WithComponent("ops")

	manager := health.NewManager(cfg.Version)
	manager.RegisterChecker(health.NewPingChecker("context_store", 2*time.Second, w.Store.Ping))
	manager.RegisterChecker(health.NewPingChecker("task_broker", 2*time.Second, w.Broker.Ping))
	manager.RegisterChecker(health.NewStorageChecker(cfg.SharedStorageRoot))

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           w.opsRouter(manager),
		ReadHeaderTimeout: opsReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Listen).Msg("ops server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("ops server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opsShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("ops server shutdown incomplete")
	}
	<-errCh
	logger.Info().Msg("ops server stopped")
	return nil
}

// opsRouter assembles the ops routes. Everything here is unauthenticated by
// design: the listener is expected to face the deployment network only.
func (w *Worker) opsRouter(manager *health.Manager) http.Handler {
	r := chi.NewRouter()
	r.Use(otelTracing)
	r.Use(requestLogging)
	r.Use(httprate.Limit(opsRateLimit, opsRateWindow, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/healthz", manager.ServeHealth)
	r.Get("/readyz", manager.ServeReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/version", serveVersion)

	if w.EnablePprof {
		r.Route("/debug/pprof", func(r chi.Router) {
			r.Get("/", pprof.Index)
			r.Get("/cmdline", pprof.Cmdline)
			r.Get("/profile", pprof.Profile)
			r.Get("/symbol", pprof.Symbol)
			r.Get("/trace", pprof.Trace)
			r.Get("/{name}", func(rw http.ResponseWriter, req *http.Request) {
				pprof.Handler(chi.URLParam(req, "name")).ServeHTTP(rw, req)
			})
		})
	}
	return r
}

func serveVersion(rw http.ResponseWriter, _ *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(map[string]string{
		"version": version.Version,
		"commit":  version.Commit,
		"date":    version.Date,
	})
}

// otelTracing wraps the ops surface in OpenTelemetry HTTP spans. Probes and
// scrapes fire every few seconds and are filtered out of the trace stream.
func otelTracing(next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, "ops",
		otelhttp.WithFilter(func(req *http.Request) bool {
			switch req.URL.Path {
			case "/healthz", "/readyz", "/metrics":
				return false
			}
			return true
		}),
	)
}

// requestLogging emits one debug line per ops request. Probes fire every few
// seconds, so this stays below info.
func requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		start := time.Now()
		next.ServeHTTP(rw, req)
		log.WithComponent("ops").Debug().
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Str("remote", req.RemoteAddr).
			Dur("elapsed", time.Since(start)).
			Msg("ops request")
	})
}
