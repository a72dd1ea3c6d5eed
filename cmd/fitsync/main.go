package main

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pysugar/fitsync/internal/config"
	"github.com/pysugar/fitsync/internal/db"
	"github.com/pysugar/fitsync/internal/fitbit"
	"github.com/pysugar/fitsync/internal/httpapi"
	"github.com/pysugar/fitsync/internal/store"
	"github.com/pysugar/fitsync/internal/syncer"
	"github.com/pysugar/fitsync/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize database
	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	// Construct the engine once and inject it everywhere; no module-level
	// singletons.
	oauth := fitbit.NewOAuth(cfg)
	accounts := store.NewAccounts(database, oauth)
	metrics := store.NewMetrics(database)
	client := fitbit.NewClient(cfg.APIBaseURL, accounts, cfg.FetchTimeout, cfg.FetchRetries)
	orchestrator := syncer.NewOrchestrator(accounts, metrics, syncer.DefaultFetchers(client), cfg)
	batch := syncer.NewBatchRunner(accounts, orchestrator, cfg)

	// Create router
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(httpapi.RequestID)

	r.Get("/healthz", httpapi.HealthzHandler())
	r.Handle("/metrics", promhttp.Handler())

	// OAuth callback validates the session itself so failures redirect to
	// the settings page instead of answering 401 JSON.
	r.Get("/auth/callback", httpapi.AuthCallbackHandler(accounts, oauth, cfg))

	// Session-protected surface consumed by the web tier
	r.Group(func(r chi.Router) {
		r.Use(httpapi.SessionAuth(cfg.SessionSecret))
		r.Get("/auth/start", httpapi.AuthStartHandler(accounts, oauth))
		r.Get("/status", httpapi.StatusHandler(orchestrator))
		r.Post("/sync", httpapi.SyncHandler(orchestrator))
		r.Post("/sync/auto", httpapi.AutoSyncHandler(orchestrator))
		r.Delete("/disconnect", httpapi.DisconnectHandler(accounts, oauth))
	})

	// Internal cron surface
	r.Group(func(r chi.Router) {
		r.Use(httpapi.CronAuth(cfg.CronSecret))
		r.Get("/cron/sync", httpapi.CronSyncHandler(batch))
	})

	log.Printf("🚀 fitsync %s starting on %s", version.Version, cfg.HTTPAddress)
	if err := http.ListenAndServe(cfg.HTTPAddress, r); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
