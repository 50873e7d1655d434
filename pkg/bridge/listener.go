// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-webhook/pkg/bridge/payloadfmt"
)

const (
	// maxPayloadBytes caps webhook bodies. Real integration payloads are
	// far below this.
	maxPayloadBytes = 1 << 20

	shutdownTimeout = 5 * time.Second
)

// messageSender is the part of ChatSession the listener needs. This allows
// tests to inject a mock instead of a live session.
type messageSender interface {
	Ready() bool
	Send(ctx context.Context, room id.RoomID, sender, text string, preSync bool) error
}

var _ messageSender = (*ChatSession)(nil)

type successResponse struct {
	Success bool `json:"success"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// WebhookListener serves the liveness endpoint and the token-parameterized
// ingestion endpoint, relaying accepted payloads into chat rooms.
type WebhookListener struct {
	router    *RoomRouter
	formatter *payloadfmt.Formatter
	session   messageSender
	log       zerolog.Logger

	srv     *http.Server
	addr    net.Addr
	started chan struct{}

	// listen binds the server socket. Tests replace it to inject a
	// failing listener.
	listen func() (net.Listener, error)
}

// NewWebhookListener wires the ingestion endpoint to the given router,
// formatter and chat session. The server binds on Run.
func NewWebhookListener(port int, router *RoomRouter, formatter *payloadfmt.Formatter, session messageSender, log zerolog.Logger) *WebhookListener {
	l := &WebhookListener{
		router:    router,
		formatter: formatter,
		session:   session,
		log:       log.With().Str("component", "webhook").Logger(),
		started:   make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", l.handleHealth)
	mux.HandleFunc("POST /post/{token}", l.handleWebhook)

	var handler http.Handler = mux
	handler = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request handled")
	})(handler)
	handler = hlog.RequestIDHandler("request_id", "Request-Id")(handler)
	handler = hlog.NewHandler(l.log)(handler)

	l.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler,

		// Webhook payloads are small, so slow-client protection can be
		// generous.
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	l.listen = func() (net.Listener, error) {
		return net.Listen("tcp", l.srv.Addr)
	}
	return l
}

// Started is closed once the listener socket is bound.
func (l *WebhookListener) Started() <-chan struct{} {
	return l.started
}

// Addr returns the bound listen address. Only valid after Started is
// closed; with a configured port of 0 it carries the OS-assigned port.
func (l *WebhookListener) Addr() net.Addr {
	return l.addr
}

// Run binds the listener and serves until ctx is cancelled, then shuts
// down gracefully, waiting for in-flight requests up to a bounded timeout.
func (l *WebhookListener) Run(ctx context.Context) error {
	listener, err := l.listen()
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.srv.Addr, err)
	}
	l.addr = listener.Addr()
	close(l.started)

	l.log.Info().Str("address", l.addr.String()).Msg("The web server is waiting for events")

	serveDone := make(chan error, 1)
	go func() {
		if err := l.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		l.log.Info().Msg("Shutting down web server")
	case err := <-serveDone:
		if err != nil {
			return fmt.Errorf("web server failed: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := l.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down web server: %w", err)
	}
	// A serve failure that raced the cancellation still surfaces here; the
	// graceful path reads nil from the closed channel.
	if err := <-serveDone; err != nil {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

func (l *WebhookListener) handleHealth(w http.ResponseWriter, _ *http.Request) {
	l.writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (l *WebhookListener) handleWebhook(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	token := r.PathValue("token")
	log.Debug().Str("token", token).Msg("Webhook token received")

	// The token is checked before the body is touched, so unknown callers
	// never get their payload read.
	route, ok := l.router.Resolve(token)
	if !ok || !validToken(token) {
		log.Error().Str("token", token).Msg("Token is not recognized as a known token")
		l.writeJSON(w, http.StatusNotFound, errorResponse{Error: "Token mismatch"})
		return
	}

	if !l.session.Ready() {
		log.Warn().Msg("Webhook received before the chat session is ready")
		l.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "Bridge not ready"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.Error().Int64("limit", tooLarge.Limit).Msg("Webhook payload too large")
			l.writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "Payload too large"})
			return
		}
		log.Error().Err(err).Msg("Failed to read webhook payload")
		l.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Failed to read request body"})
		return
	}
	log.Debug().Bytes("payload", payload).Msg("Received raw data")

	text, err := l.formatter.Render(payload)
	if err != nil {
		// Render only fails when the configured mode is unknown.
		log.Error().Err(err).Msg("Message format is not allowed, please check the config")
		l.writeJSON(w, http.StatusUnsupportedMediaType, errorResponse{Error: "Gateway configured with unknown message format"})
		return
	}

	if err := l.session.Send(r.Context(), route.Room, route.Sender, text, false); err != nil {
		log.Error().Err(err).Str("room_id", string(route.Room)).Msg("Failed to deliver webhook message")
		l.writeJSON(w, http.StatusBadGateway, errorResponse{Error: "Message delivery failed"})
		return
	}

	log.Info().
		Str("room_id", string(route.Room)).
		Str("sender", route.Sender).
		Int("bytes", len(payload)).
		Msg("Webhook forwarded")
	l.writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (l *WebhookListener) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		l.log.Debug().Err(err).Msg("Failed to write response body")
	}
}

// validToken reports whether the token matches the route grammar, one or
// more ASCII alphanumerics.
func validToken(token string) bool {
	if token == "" {
		return false
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
