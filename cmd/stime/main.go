// Command stime runs the simulation clock service: it owns a sim clock
// and replays time step by step against the other services.
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

	"github.com/milliyang/zuilow/internal/clock"
	"github.com/milliyang/zuilow/internal/config"
	"github.com/milliyang/zuilow/internal/stime"
	"github.com/milliyang/zuilow/internal/web"
	"github.com/milliyang/zuilow/pkg/logger"
)

func main() {
	cfg, err := config.LoadStime()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log.Info().Msg("Starting stime")

	clk := clock.NewSim(time.Now().UTC())
	driver := stime.NewDriver(cfg, clk, cfg.AuthToken, log)
	handlers := stime.NewHandlers(driver, clk, log)

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
	log.Info().Int("port", cfg.Port).Str("now", clk.NowISO()).Msg("stime started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("stime stopped")
}
