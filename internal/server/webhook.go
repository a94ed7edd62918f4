package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

const maxWebhookBody = 1 << 20

// WebhookServer handles webhooks from Flagr
type WebhookServer struct {
	refresher Refresher
	port      int
	secret    string
	rateLimit RateLimitConfig
	logger    zerolog.Logger
	server    *http.Server
}

// WebhookPayload represents the webhook payload from Flagr
type WebhookPayload struct {
	Event     string   `json:"event"`
	FlagKeys  []string `json:"flag_keys"`
	Timestamp string   `json:"timestamp"`
}

// NewWebhookServer creates a new webhook server
func NewWebhookServer(refresher Refresher, port int, secret string, rateLimit RateLimitConfig, logger zerolog.Logger) *WebhookServer {
	w := &WebhookServer{
		refresher: refresher,
		port:      port,
		secret:    secret,
		rateLimit: rateLimit,
		logger:    logger,
	}

	w.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           w.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return w
}

// Handler returns the webhook router
func (w *WebhookServer) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(w.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(rateLimitByIP(w.rateLimit))

	r.Post("/webhook", w.handleWebhook)

	return r
}

// Start starts the webhook HTTP server and blocks until it stops
func (w *WebhookServer) Start() error {
	w.logger.Info().Int("port", w.port).Msg("webhook server listening")

	if err := w.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (w *WebhookServer) Shutdown(ctx context.Context) error {
	return w.server.Shutdown(ctx)
}

func (w *WebhookServer) handleWebhook(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(rw, http.StatusBadRequest, "failed to read body")
		return
	}

	// Verify signature if secret is configured
	if w.secret != "" && !w.verifySignature(r, body) {
		w.logger.Warn().Str("remote", r.RemoteAddr).Msg("webhook signature rejected")
		writeError(rw, http.StatusUnauthorized, "invalid signature")
		return
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(rw, http.StatusBadRequest, "invalid JSON")
		return
	}

	switch payload.Event {
	case "flag.updated", "flag.deleted":
		w.logger.Info().
			Str("event", payload.Event).
			Strs("flags", payload.FlagKeys).
			Msg("webhook received, refreshing")

		if err := w.refresher.Refresh(r.Context()); err != nil {
			w.logger.Error().Err(err).Msg("webhook refresh failed")
			writeError(rw, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(rw, http.StatusOK, map[string]string{"status": "ok"})

	default:
		w.logger.Debug().Str("event", payload.Event).Msg("ignoring webhook event")
		writeJSON(rw, http.StatusOK, map[string]string{"status": "ignored"})
	}
}

func (w *WebhookServer) verifySignature(r *http.Request, body []byte) bool {
	signature := r.Header.Get("X-Webhook-Signature")
	if signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(w.secret))
	mac.Write(body)
	expectedSignature := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expectedSignature))
}
