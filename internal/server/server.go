// Package server assembles the HTTP router of the MAR service.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-mar/internal/api/handlers"
	"github.com/drfirst/go-mar/internal/api/middleware"
	"github.com/drfirst/go-mar/pkg/circuitbreaker"
)

// Pinger is a dependency that can be probed for readiness
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options carries everything the router serves
type Options struct {
	ServiceName  string
	Version      string
	Handler      *handlers.MARHandler
	Metrics      http.Handler
	Breakers     *circuitbreaker.Manager
	Workers      interface{ Healthy() bool }
	Dependencies map[string]Pinger
	CORSOrigins  []string
	RequireToken bool
	Logger       *zap.Logger
}

// NewRouter builds the service router
func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(opts.CORSOrigins))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(opts.ServiceName))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "healthy",
			"service": opts.ServiceName,
			"version": opts.Version,
		})
	})
	r.Get("/ready", readyHandler(opts))
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.BearerToken(opts.RequireToken))
		r.Mount("/patients/{patientID}", opts.Handler.Routes())
	})
	return r
}

type readiness struct {
	Status   string                        `json:"status"`
	Checks   map[string]string             `json:"checks"`
	Breakers []circuitbreaker.HealthStatus `json:"breakers,omitempty"`
}

// readyHandler fails while a dependency is unreachable, a breaker is open or the
// row workers are stopped.
func readyHandler(opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := readiness{Status: "ready", Checks: make(map[string]string)}
		for name, dep := range opts.Dependencies {
			if err := dep.Ping(ctx); err != nil {
				resp.Status = "not ready"
				resp.Checks[name] = err.Error()
				continue
			}
			resp.Checks[name] = "ok"
		}
		if opts.Workers != nil {
			resp.Checks["workers"] = "ok"
			if !opts.Workers.Healthy() {
				resp.Status = "not ready"
				resp.Checks["workers"] = "stopped"
			}
		}
		if opts.Breakers != nil {
			resp.Breakers = opts.Breakers.Health()
			for _, b := range resp.Breakers {
				if b.State == circuitbreaker.StateOpen {
					resp.Status = "not ready"
				}
			}
		}

		code := http.StatusOK
		if resp.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
