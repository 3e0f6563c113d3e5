// Package server provides HTTP server construction for chatsync.
package server

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/chatsync/internal/auth"
	"github.com/alexjbarnes/chatsync/internal/metrics"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Verifier   *auth.KeyVerifier
	MCPHandler http.Handler
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// NewMux builds the HTTP mux with the MCP and metrics endpoints. The
// MCP endpoint is protected by the API key middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()

	authMiddleware := auth.Middleware(cfg.Verifier, cfg.Logger)
	mux.Handle("/mcp", authMiddleware(logRequests(cfg.Logger, cfg.MCPHandler)))
	mux.Handle("/metrics", cfg.Metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})

	return mux
}

// logRequests records which key and address each MCP request came from.
func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("mcp request",
			slog.String("method", r.Method),
			slog.String("key_id", auth.RequestKeyID(r.Context())),
			slog.String("ip", auth.RequestRemoteIP(r.Context())),
		)

		next.ServeHTTP(w, r)
	})
}
