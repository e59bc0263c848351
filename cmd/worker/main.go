package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jwalitptl/palliative-api/internal/bootstrap"
	"github.com/jwalitptl/palliative-api/internal/config"
	"github.com/jwalitptl/palliative-api/internal/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// The worker relays outbox rows to Redis. It only makes sense against
// postgres; with the memory driver the api must run with --relay instead.
func main() {
	configPath := flag.String("config", "", "Path to config file")
	healthAddr := flag.String("health-addr", ":8081", "Address for health and metrics endpoints")
	flag.Parse()

	// Load config
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		bootstrap.NewLogger(config.LogConfig{Level: "info"}).Fatal(err, "Failed to load config")
	}
	log := bootstrap.NewLogger(cfg.Log)
	if cfg.Database.Driver != "postgres" {
		log.Fatal(errors.New("worker needs the postgres driver"), "Unsupported database driver", "driver", cfg.Database.Driver)
	}

	m, registry, err := bootstrap.NewMetrics(cfg.Metrics)
	if err != nil {
		log.Fatal(err, "Failed to set up metrics")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := bootstrap.OpenBackend(ctx, cfg.Database)
	if err != nil {
		log.Fatal(err, "Failed to connect to database")
	}
	defer backend.Close()

	relay, err := bootstrap.NewRelay(ctx, cfg, backend, log, m)
	if err != nil {
		log.Fatal(err, "Failed to create outbox relay")
	}
	defer relay.Close()

	// Setup health check endpoints
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := backend.DB.PingContext(pingCtx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	if registry != nil {
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	srv := &http.Server{Addr: *healthAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "Health check server failed")
			os.Exit(1)
		}
	}()

	if cfg.Audit.RetentionPeriod > 0 {
		cleanup, err := worker.NewAuditCleanupWorker(backend.Audit, cfg.Audit.RetentionPeriod, cfg.Audit.CleanupInterval,
			log.WithFields(map[string]interface{}{"component": "audit_cleanup"}))
		if err != nil {
			log.Fatal(err, "Failed to create audit cleanup worker")
		}
		go cleanup.Start(ctx)
	}

	relay.Processor.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info("Worker exited")
}
