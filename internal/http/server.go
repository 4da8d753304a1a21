// Package http is the webhook and admin surface of the allocation
// service. The allocation semantics live in internal/allocator; handlers
// here only decode payloads, enforce rate limits, and format envelopes.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Server is the HTTP server hosting webhook and admin endpoints.
type Server struct {
	httpServer *http.Server
}

// NewServer builds the server with all handlers registered.
func NewServer(host string, port int, webhooks *WebhooksHandler, rooms *RoomsHandler) *Server {
	mux := http.NewServeMux()
	webhooks.RegisterRoutes(mux)
	rooms.RegisterRoutes(mux)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return &Server{
		httpServer: &http.Server{
			Addr:              net.JoinHostPort(host, fmt.Sprintf("%d", port)),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	slog.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// envelope is the response shape shared by every endpoint.
type envelope struct {
	Status  string      `json:"status"` // "ok", "invalid", "error"
	Message string      `json:"message"`
	Payload interface{} `json:"payload,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeEnvelope(w http.ResponseWriter, statusCode int, status, message string, payload interface{}) {
	writeJSON(w, statusCode, envelope{Status: status, Message: message, Payload: payload})
}
