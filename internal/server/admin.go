// Package server exposes the watcher over HTTP: an admin API for
// inspection and manual refreshes, and a webhook receiver for Flagr.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/OrlandoBitencourt/flagwatch/internal/domain"
	"github.com/OrlandoBitencourt/flagwatch/internal/watch"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Refresher requests fresh flag state
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Service defines what the admin server needs from the watcher
type Service interface {
	Refresher
	Flags(ctx context.Context, force bool) (domain.FlagMap, error)
	Flag(ctx context.Context, name string, force bool) (bool, error)
	Subscriptions() []watch.SubscriptionInfo
	Stats() interface{}
	Health(ctx context.Context) error
}

// AdminServer provides admin HTTP endpoints
type AdminServer struct {
	service   Service
	port      int
	rateLimit RateLimitConfig
	logger    zerolog.Logger
	server    *http.Server
}

// NewAdminServer creates a new admin server
func NewAdminServer(service Service, port int, rateLimit RateLimitConfig, logger zerolog.Logger) *AdminServer {
	a := &AdminServer{
		service:   service,
		port:      port,
		rateLimit: rateLimit,
		logger:    logger,
	}

	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return a
}

// Handler returns the admin router
func (a *AdminServer) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(a.logger))
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", a.handleHealth)

	r.Route("/admin", func(r chi.Router) {
		r.Use(rateLimitByIP(a.rateLimit))

		r.Get("/stats", a.handleStats)
		r.Get("/flags", a.handleFlags)
		r.Get("/flags/{name}", a.handleFlag)
		r.Get("/subscriptions", a.handleSubscriptions)
		r.Post("/refresh", a.handleRefresh)
	})

	return r
}

// Start starts the admin HTTP server and blocks until it stops
func (a *AdminServer) Start() error {
	a.logger.Info().Int("port", a.port).Msg("admin server listening")

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (a *AdminServer) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

func (a *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	}

	if err := a.service.Health(r.Context()); err != nil {
		resp["status"] = "unhealthy"
		resp["error"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *AdminServer) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.service.Stats())
}

func (a *AdminServer) handleFlags(w http.ResponseWriter, r *http.Request) {
	force, err := parseForce(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flags, err := a.service.Flags(r.Context(), force)
	if err != nil {
		a.writeFetchError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flags)
}

func (a *AdminServer) handleFlag(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	force, err := parseForce(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	value, err := a.service.Flag(r.Context(), name, force)
	if err != nil {
		a.writeFetchError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"flag":  name,
		"value": value,
	})
}

func (a *AdminServer) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.service.Subscriptions())
}

func (a *AdminServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := a.service.Refresh(r.Context()); err != nil {
		a.logger.Error().Err(err).Msg("admin refresh failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *AdminServer) writeFetchError(w http.ResponseWriter, err error) {
	a.logger.Warn().Err(err).Msg("admin flag query failed")

	switch {
	case domain.IsValidationError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case domain.IsCircuitOpen(err):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case domain.IsGatewayError(err):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func parseForce(r *http.Request) (bool, error) {
	raw := r.URL.Query().Get("force")
	if raw == "" {
		return false, nil
	}

	force, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid force parameter %q", raw)
	}
	return force, nil
}
