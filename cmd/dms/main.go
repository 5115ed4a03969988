// Command dms runs the data maintenance service: scheduled bar ingestion,
// validation and repair over a symbol universe, replication to backup
// stores, and the bar read API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/milliyang/zuilow/internal/bars"
	"github.com/milliyang/zuilow/internal/clock"
	"github.com/milliyang/zuilow/internal/config"
	"github.com/milliyang/zuilow/internal/database"
	"github.com/milliyang/zuilow/internal/dms"
	"github.com/milliyang/zuilow/internal/web"
	"github.com/milliyang/zuilow/pkg/logger"
)

func main() {
	cfg, err := config.LoadDMS()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log.Info().Str("role", cfg.Role).Msg("Starting dms")

	// A primary store that cannot be opened is fatal; the service refuses
	// to start without it.
	db, err := database.New(database.Config{Path: cfg.DBPath, Profile: database.ProfileStandard, Name: "dms"})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open primary bar store")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := db.HealthCheck(ctx); err != nil {
		cancel()
		log.Fatal().Err(err).Msg("Primary bar store failed its health check")
	}
	cancel()

	store, err := bars.NewSQLiteStore(db.Conn(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize bar store")
	}
	maint, err := dms.NewMaintLog(db.Conn(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize maintenance log")
	}

	fetcher := bars.NewHistoryFetcher(bars.FetcherConfig{
		BaseURL:    cfg.FetcherBaseURL,
		Timeout:    time.Duration(cfg.FetcherTimeout) * time.Second,
		RetryTimes: cfg.RetryTimes,
		RetryDelay: time.Duration(cfg.RetryDelay) * time.Second,
	}, log)

	var cache *bars.Cache
	if cfg.CacheCapacity > 0 {
		cache, err = bars.NewCache(cfg.CacheCapacity, time.Duration(cfg.CacheTTL)*time.Second)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize read cache")
		}
	}

	clk := clock.NewReal()

	var repl *dms.Replicator
	if len(cfg.Backups) > 0 {
		history, err := dms.NewSyncHistory(db.Conn(), log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize sync history")
		}
		backups := make([]dms.Backup, 0, len(cfg.Backups))
		for _, url := range cfg.Backups {
			backups = append(backups, dms.Backup{
				Name:  url,
				Store: bars.NewRestStore(url, cfg.AuthToken, 30*time.Second, log),
			})
		}
		repl = dms.NewReplicator(store, backups, history, dms.ReplicatorConfig{
			Workers:    cfg.SyncWorkers,
			RetryTimes: cfg.RetryTimes,
			RetryDelay: time.Duration(cfg.RetryDelay) * time.Second,
		}, clk, log)
		log.Info().Int("backups", len(backups)).Msg("Replication enabled")
	}

	var defs []config.TaskDef
	if cfg.TasksFile != "" {
		defs, err = config.LoadTasks(cfg.TasksFile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load task definitions")
		}
	}

	svc, err := dms.NewService(cfg, store, fetcher, cache, maint, repl, clk, defs, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize maintenance core")
	}
	if err := svc.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start maintenance dispatcher")
	}
	defer svc.Stop()

	handlers := dms.NewHandlers(svc, cfg.Role, log)

	r := chi.NewRouter()
	r.Use(web.CORS())
	r.Use(web.RequestLogger(log))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		web.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", web.MetricsHandler())
	r.Group(func(r chi.Router) {
		r.Use(web.TokenAuth(cfg.AuthToken))
		handlers.Routes(r)
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("dms started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("dms stopped")
}
