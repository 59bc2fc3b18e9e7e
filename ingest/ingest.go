// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ingest implements the webhook receiver that turns inbound
// events into queue messages.
package ingest

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/qscale/producer"
	"github.com/absmach/qscale/ratelimit"
	"github.com/google/uuid"
)

// DefaultMaxBodyBytes caps a webhook body when Config leaves it unset.
const DefaultMaxBodyBytes = 1 << 20

// Publisher enqueues one event.
type Publisher interface {
	Publish(ctx context.Context, payload []byte, correlationID string) error
}

// Config holds webhook server configuration.
type Config struct {
	Address         string
	Secret          string
	MaxBodyBytes    int64
	RateLimit       float64 // requests per second per client IP, 0 disables
	RateBurst       int
	ShutdownTimeout time.Duration
}

// Server accepts webhook events over HTTP and publishes them.
type Server struct {
	config    Config
	publisher Publisher
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
	server    *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// Response is the JSON body of every webhook reply.
type Response struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// New creates a webhook server.
func New(cfg Config, publisher Publisher, logger *slog.Logger) (*Server, error) {
	if cfg.Secret == "" {
		return nil, errors.New("webhook secret cannot be empty")
	}
	if publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:    cfg,
		publisher: publisher,
		logger:    logger,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = ratelimit.NewLimiter(cfg.RateLimit, burst, time.Minute)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/{secret}", s.handleWebhook)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	return s, nil
}

// Handler returns the HTTP handler serving the webhook routes.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Addr returns the listener's network address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	if s.limiter != nil {
		defer s.limiter.Stop()
	}

	s.logger.Info("Starting webhook server", slog.String("address", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("Webhook server shutdown initiated")
		timeout := s.config.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Webhook server shutdown error", slog.String("error", err.Error()))
			return err
		}
		s.logger.Info("Webhook server stopped")
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Response{Status: "healthy"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow(ratelimit.ClientIP(r)) {
		writeJSON(w, http.StatusTooManyRequests, Response{Status: "error", Error: "rate limit exceeded"})
		return
	}

	if subtle.ConstantTimeCompare([]byte(r.PathValue("secret")), []byte(s.config.Secret)) != 1 {
		s.logger.Warn("webhook rejected", slog.String("reason", "invalid secret"), slog.String("remote", ratelimit.ClientIP(r)))
		writeJSON(w, http.StatusForbidden, Response{Status: "error", Error: "forbidden"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, Response{Status: "error", Error: "body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, Response{Status: "error", Error: "unreadable body"})
		return
	}

	id, err := correlationID(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Status: "error", Error: "invalid JSON"})
		return
	}

	s.logger.Info("received update", slog.String("correlation_id", id))

	err = s.publisher.Publish(r.Context(), body, id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, Response{Status: "ok"})
	case errors.Is(err, producer.ErrBrokerUnavailable):
		// Fire-and-forget: the event is dropped rather than buffered.
		s.logger.Warn("update dropped, broker unavailable", slog.String("correlation_id", id))
		writeJSON(w, http.StatusAccepted, Response{Status: "accepted"})
	default:
		s.logger.Error("failed to publish update",
			slog.String("correlation_id", id),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, Response{Status: "error", Error: "publish failed"})
	}
}

// correlationID returns the event's update_id, or a fresh uuid when the
// event has none. It fails for bodies that are not a JSON object.
func correlationID(body []byte) (string, error) {
	var event map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&event); err != nil {
		return "", err
	}
	if event == nil {
		return "", errors.New("event must be a JSON object")
	}

	raw, ok := event["update_id"]
	if !ok || string(raw) == "null" {
		return uuid.NewString(), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if _, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return n.String(), nil
		}
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil && str != "" {
		return str, nil
	}
	return "", fmt.Errorf("invalid update_id %s", raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
