package web

import (
	"net/http"
	"time"

	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// Header names shared by every service.
const (
	HeaderSimulationTime = "X-Simulation-Time"
	HeaderWebhookToken   = "X-Webhook-Token"
	HeaderAPIKey         = "X-API-Key"
)

// CORS allows browser dashboards to call the service APIs directly.
func CORS() func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderSimulationTime, HeaderWebhookToken, HeaderAPIKey},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}

// RequestLogger logs every request with method, path, status and duration.
func RequestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// TokenAuth guards server-to-server endpoints. When the configured token is
// empty the headers are ignored; otherwise X-Webhook-Token or X-API-Key must
// match exactly. Failures return 401 with no partial application.
func TokenAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" {
				got := r.Header.Get(HeaderWebhookToken)
				if got == "" {
					got = r.Header.Get(HeaderAPIKey)
				}
				if got != token {
					WriteError(w, http.StatusUnauthorized, "invalid or missing auth token")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
