// Package router wires the HTTP middleware chain and mounts the
// service's trigger surface: the SendGrid webhook, compaction
// start/status, and a health check.
package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/kamiyn/sendgridparquetlog/apperr"
	"github.com/kamiyn/sendgridparquetlog/clock"
	"github.com/kamiyn/sendgridparquetlog/compactor"
	"github.com/kamiyn/sendgridparquetlog/config"
	"github.com/kamiyn/sendgridparquetlog/ingest"
	gwmw "github.com/kamiyn/sendgridparquetlog/middleware"
	"github.com/kamiyn/sendgridparquetlog/objectstore"
)

// New returns a configured chi Router with the middleware chain and
// every route this service exposes mounted.
func New(cfg *config.Config, appLogger zerolog.Logger, c clock.Clock, store objectstore.ObjectStore, ingestHandler *ingest.Handler, comp *compactor.Compactor) http.Handler {
	r := chi.NewRouter()

	// --- Middleware chain (order matters) ---
	r.Use(gwmw.CORSMiddleware([]string{"*"}))
	r.Use(gwmw.SecurityHeadersMiddleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(mwRequestLogger(appLogger))
	r.Use(mwMaxBodySize(cfg.MaxBodyBytes))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"timestamp": c.Now().Format(time.RFC3339),
		})
	})

	r.Post("/webhook/sendgrid", ingestHandler.ServeHTTP)

	r.Post("/compaction/start", compactionStartHandler(comp, appLogger))
	r.Get("/compaction/status", compactionStatusHandler(store))

	return r
}

// compactionStartHandler kicks off a compaction pass in the background.
// If it settles quickly (typically a Conflict because one is already in
// flight) the caller sees that outcome directly; otherwise the run
// continues after the response is sent and is observed via
// /compaction/status.
func compactionStartHandler(comp *compactor.Compactor, appLogger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now().UTC()
		done := make(chan error, 1)
		go func() {
			done <- comp.Run(context.Background())
		}()

		select {
		case err := <-done:
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"startTime": startTime.Format(time.RFC3339)})
		case <-time.After(50 * time.Millisecond):
			go func() {
				if err := <-done; err != nil && apperr.CodeOf(err) != apperr.Conflict {
					appLogger.Error().Err(err).Msg("background compaction run failed")
				}
			}()
			writeJSON(w, http.StatusOK, map[string]any{"startTime": startTime.Format(time.RFC3339)})
		}
	}
}

func compactionStatusHandler(store objectstore.ObjectStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := compactor.ReadStatus(r.Context(), store)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func mwMaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 * 1024 * 1024
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > 0 && r.ContentLength > maxBytes {
				writeError(w, apperr.New(apperr.PayloadTooLarge, "request body too large"))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

func mwRequestLogger(appLogger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			dur := time.Since(start)
			appLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", chimw.GetReqID(r.Context())).
				Int("status", rw.Status()).
				Dur("duration", dur).
				Msg("request completed")
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.StatusCode(err), map[string]string{"error": err.Error()})
}
