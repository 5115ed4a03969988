// Command zuilow runs the strategy scheduler service: the trigger loop
// that runs strategies, stores the signals they produce and drains them
// through the configured broker gateways.
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

	"github.com/milliyang/zuilow/internal/broker"
	"github.com/milliyang/zuilow/internal/clock"
	"github.com/milliyang/zuilow/internal/config"
	"github.com/milliyang/zuilow/internal/database"
	"github.com/milliyang/zuilow/internal/executor"
	"github.com/milliyang/zuilow/internal/notify"
	"github.com/milliyang/zuilow/internal/scheduler"
	"github.com/milliyang/zuilow/internal/signals"
	"github.com/milliyang/zuilow/internal/strategy"
	"github.com/milliyang/zuilow/internal/web"
	"github.com/milliyang/zuilow/pkg/logger"
)

func main() {
	cfg, err := config.LoadZuiLow()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log.Info().Msg("Starting zuilow")

	// Signals are an audit trail; they get the ledger profile.
	db, err := database.New(database.Config{Path: cfg.DBPath, Profile: database.ProfileLedger, Name: "zuilow"})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open signal database")
	}
	defer db.Close()

	repo, err := signals.NewRepository(db.Conn(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize signal store")
	}
	history, err := scheduler.NewHistoryRepo(db.Conn(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize job history")
	}

	accounts, err := config.LoadAccounts(cfg.AccountsFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load accounts")
	}
	router, err := broker.NewRouter(accounts, broker.RouterDeps{
		PPTBaseURL: cfg.PPTBaseURL,
		DMSBaseURL: cfg.DMSBaseURL,
		AuthToken:  cfg.AuthToken,
		Timeout:    time.Duration(cfg.PPTTimeout) * time.Second,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build broker gateways")
	}

	clk := clock.NewReal()
	exec := executor.New(repo, router, clk, log)
	runner := strategy.NewRunner(clk, cfg.DefaultQty, log)

	var notifier notify.Sink = notify.NewLogSink(log)
	if cfg.NotifyWebhookURL != "" {
		notifier = notify.NewMulti(log, notify.NewLogSink(log),
			notify.NewWebhookSink(cfg.NotifyWebhookURL, 10*time.Second, log))
	}

	sched := scheduler.New(cfg, clk, repo, exec, runner, router, history, notifier, log)
	if err := sched.LoadJobs(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load jobs")
	}
	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}
	defer sched.Stop()

	handlers := scheduler.NewHandlers(sched, repo, router, clk, cfg.DefaultAccount, log)

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
	log.Info().Int("port", cfg.Port).Msg("zuilow started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("zuilow stopped")
}
