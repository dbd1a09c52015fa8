// Package httpapi serves the read-only operations endpoints of the daemon.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"ClusterBank/internal/metrics"
	"ClusterBank/internal/model"
	"ClusterBank/internal/store"
)

// Ledger is the account view the API exposes.
type Ledger interface {
	Info(ctx context.Context, account string) (model.AccountInfo, error)
	Locked(ctx context.Context) ([]model.Account, error)
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the handlers' dependencies.
type Server struct {
	ledger Ledger
	db     Pinger
	log    zerolog.Logger
}

// NewServer creates an API server.
func NewServer(ledger Ledger, db Pinger, log zerolog.Logger) *Server {
	return &Server{ledger: ledger, db: db, log: log}
}

// Router builds the chi router with middleware and routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(s.recoverer)
	r.Use(metrics.Middleware())
	r.Use(s.requestLog)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/accounts", func(r chi.Router) {
		r.Get("/locked", s.locked)
		r.Get("/{name}", s.account)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		s.log.Error().Err(err).Msg("health check")
		writeError(w, http.StatusServiceUnavailable, "unavailable", "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) locked(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.ledger.Locked(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("list locked accounts")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	out := make([]accountResponse, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, toAccount(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) account(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	info, err := s.ledger.Info(r.Context(), name)
	switch {
	case errors.Is(err, store.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account_not_found", "account "+name+" not found")
		return
	case err != nil:
		s.log.Error().Err(err).Str("account", name).Msg("account info")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, toInfo(info))
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				s.log.Error().Interface("panic", rvr).Str("path", r.URL.Path).Msg("panic recovered")
				writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestLog emits one debug line per request.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("request_id", chiMiddleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("latency", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}
