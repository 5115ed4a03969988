// Command ppt runs the paper-trading service: a deterministic order
// simulator with per-account cash and position books, equity history and
// the webhook order API.
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
	"github.com/milliyang/zuilow/internal/paper"
	"github.com/milliyang/zuilow/internal/web"
	"github.com/milliyang/zuilow/pkg/logger"
)

func main() {
	cfg, err := config.LoadPPT()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log.Info().Msg("Starting ppt")

	// The trade book is an audit trail; it gets the ledger profile.
	db, err := database.New(database.Config{Path: cfg.DBPath, Profile: database.ProfileLedger, Name: "ppt"})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open trade book database")
	}
	defer db.Close()

	store, err := paper.NewStore(db.Conn(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize trade book")
	}

	clk := clock.NewReal()

	// Bootstrap the default account on first start.
	accounts, err := store.ListAccounts()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to list accounts")
	}
	if len(accounts) == 0 {
		if _, err := store.CreateAccount(cfg.DefaultAccount, cfg.InitialCapital, clk.Now()); err != nil {
			log.Fatal().Err(err).Msg("Failed to create default account")
		}
		if err := store.SwitchCurrent(cfg.DefaultAccount); err != nil {
			log.Fatal().Err(err).Msg("Failed to select default account")
		}
		log.Info().Str("account", cfg.DefaultAccount).Float64("capital", cfg.InitialCapital).
			Msg("Default account created")
	}

	book := paper.NewBook(store, paper.SimConfig{
		Slippage:       cfg.Slippage,
		CommissionRate: cfg.CommissionRate,
		MinCommission:  cfg.MinCommission,
		FillRate:       cfg.FillRate,
	}, log)

	// Market orders and equity valuation resolve quotes from the dms bar
	// API: the last daily close within the past week.
	quotes := bars.NewRestStore(cfg.DMSBaseURL, cfg.AuthToken, time.Duration(cfg.DMSTimeout)*time.Second, log)
	quote := func(symbol string) (float64, error) {
		now := clk.Now()
		rows, err := quotes.Read(context.Background(), symbol, bars.Interval1d, now.AddDate(0, 0, -7), now)
		if err != nil {
			return 0, err
		}
		if len(rows) == 0 {
			return 0, fmt.Errorf("no recent bars for %s", symbol)
		}
		return rows[len(rows)-1].Close, nil
	}

	handlers := paper.NewHandlers(store, book, clk, quote, cfg.AuthToken, log)

	r := chi.NewRouter()
	r.Use(web.CORS())
	r.Use(web.RequestLogger(log))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		web.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", web.MetricsHandler())
	// Webhook auth is handler-level: the token may arrive in the request
	// body instead of a header.
	handlers.Routes(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("ppt started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("ppt stopped")
}
