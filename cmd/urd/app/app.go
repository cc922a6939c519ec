// Package app wires the modules into one process: storage, registry,
// cardinality guard, ingester, querier and archiver behind a single HTTP
// listener.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"
	"gopkg.in/yaml.v2"

	"github.com/grafana/urd/modules/archiver"
	"github.com/grafana/urd/modules/cardinality"
	"github.com/grafana/urd/modules/ingester"
	"github.com/grafana/urd/modules/querier"
	"github.com/grafana/urd/modules/registry"
	"github.com/grafana/urd/modules/storage"
	"github.com/grafana/urd/pkg/api"
	"github.com/grafana/urd/pkg/util/log"
)

// App owns the module graph and the HTTP server.
type App struct {
	cfg Config

	store    *storage.Store
	registry *registry.Registry
	guard    *cardinality.Guard
	ingester *ingester.Ingester
	querier  *querier.Querier
	archiver *archiver.Archiver

	manager *services.Manager
	server  *http.Server
}

// New builds the full module graph. The store connects (and migrates)
// immediately; background services start in Run.
func New(cfg Config) (*App, error) {
	a := &App{cfg: cfg}

	store, err := storage.New(context.Background(), cfg.Storage, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("building storage: %w", err)
	}
	a.store = store

	a.registry = registry.New(cfg.Registry, store, log.Logger)
	a.guard = cardinality.New(cfg.Cardinality, store, log.Logger)
	a.ingester = ingester.New(cfg.Ingestion, a.registry, a.guard, store, log.Logger)
	a.archiver = archiver.New(cfg.Archival, store, store, store.ArchiveReader, store.ArchiveWriter, log.Logger)
	a.querier = querier.New(cfg.Query, a.registry, store, a.archiver, log.Logger)

	a.manager, err = services.NewManager(a.guard, a.ingester, a.archiver)
	if err != nil {
		return nil, fmt.Errorf("building service manager: %w", err)
	}

	a.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.HTTPListenAddress, cfg.Server.HTTPListenPort),
		Handler:      a.router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return a, nil
}

func (a *App) router() http.Handler {
	r := mux.NewRouter()

	v1 := r.PathPrefix("/api/v1").Subrouter()

	// fixed paths before the variable ones so "register" et al never match
	// as a metric name
	v1.HandleFunc("/metrics/register", a.registry.RegisterHandler).Methods(http.MethodPost)
	v1.HandleFunc("/metrics/ingest", a.ingester.PushHandler).Methods(http.MethodPost)
	v1.HandleFunc("/metrics/query", a.querier.QueryHandler).Methods(http.MethodPost)
	v1.HandleFunc("/metrics", a.registry.ListHandler).Methods(http.MethodGet)
	v1.HandleFunc("/metrics/{"+cardinality.NameVar+"}/cardinality",
		cardinality.NewHandler(a.guard, a.registry).StatsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/metrics/{"+registry.NameVar+"}", a.registry.GetHandler).Methods(http.MethodGet)
	v1.HandleFunc("/metrics/{"+registry.IDVar+"}", a.registry.UpdateHandler).Methods(http.MethodPut)
	v1.HandleFunc("/metrics/{"+registry.IDVar+"}", a.registry.DeleteHandler).Methods(http.MethodDelete)

	v1.HandleFunc("/ingest/flush", a.ingester.FlushHandler).Methods(http.MethodPost)
	v1.HandleFunc("/ingest/stats", a.ingester.StatsHandler).Methods(http.MethodGet)

	v1.HandleFunc("/archive/stats", a.archiver.StatsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/archive/query", a.archiver.QueryHandler).Methods(http.MethodGet)
	v1.HandleFunc("/archive/trigger", a.archiver.TriggerHandler).Methods(http.MethodPost)
	v1.HandleFunc("/archive/segments", a.archiver.CleanupHandler).Methods(http.MethodDelete)

	v1.HandleFunc("/status/buildinfo", buildinfoHandler).Methods(http.MethodGet)
	r.HandleFunc("/ready", a.readyHandler).Methods(http.MethodGet)
	r.HandleFunc("/config", a.configHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

func (a *App) readyHandler(w http.ResponseWriter, _ *http.Request) {
	if err := a.manager.AwaitHealthy(context.Background()); err != nil {
		http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

// buildinfoHandler mirrors the Prometheus buildinfo endpoint shape.
func buildinfoHandler(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"data": map[string]string{
			"version":   version.Version,
			"revision":  version.Revision,
			"branch":    version.Branch,
			"goVersion": runtime.Version(),
		},
	})
}

func (a *App) configHandler(w http.ResponseWriter, _ *http.Request) {
	out, err := yaml.Marshal(a.cfg)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(out)
}

// Run starts the services and the HTTP listener and blocks until a signal
// or a fatal service failure.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// log manager state changes; a failed service takes the process down
	healthy := func() { level.Info(log.Logger).Log("msg", "urd started") }
	stopped := func() { level.Info(log.Logger).Log("msg", "urd stopped") }
	failed := func(service services.Service) {
		a.manager.StopAsync()
		level.Error(log.Logger).Log("msg", "service failed", "err", service.FailureCase())
	}
	a.manager.AddListener(services.NewManagerListener(healthy, stopped, failed))

	// services first so the ingester can buffer as soon as HTTP is up
	if err := services.StartManagerAndAwaitHealthy(ctx, a.manager); err != nil {
		return fmt.Errorf("starting services: %w", err)
	}
	if err := a.registry.Preload(ctx); err != nil {
		level.Warn(log.Logger).Log("msg", "metric cache preload failed", "err", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		level.Info(log.Logger).Log("msg", "server listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		level.Info(log.Logger).Log("msg", "shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		level.Warn(log.Logger).Log("msg", "http shutdown failed", "err", err)
	}
	// stopping the manager flushes the ingest buffer
	if err := services.StopManagerAndAwaitStopped(shutdownCtx, a.manager); err != nil {
		level.Warn(log.Logger).Log("msg", "service shutdown failed", "err", err)
	}
	a.store.Shutdown()
	return nil
}
