package server

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mcpbridge/mcpbridge/internal/auth"
)

type ctxKey int

const clientKey ctxKey = 0

// clientFrom returns the authenticated client, or a permissive default when
// auth is disabled.
func clientFrom(ctx context.Context) *auth.ClientContext {
	if c, ok := ctx.Value(clientKey).(*auth.ClientContext); ok {
		return c
	}
	return &auth.ClientContext{ClientID: "anonymous", Mode: "control"}
}

func (s *BridgeServer) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil {
			next.ServeHTTP(w, r)
			return
		}
		client, err := s.auth.Authenticate(r)
		if err != nil {
			writeErr(w, http.StatusUnauthorized, "unauthenticated", "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientKey, client)))
	})
}

// requireControl rejects observer-mode clients on mutating endpoints.
func (s *BridgeServer) requireControl(w http.ResponseWriter, r *http.Request) bool {
	if clientFrom(r.Context()).CanControl() {
		return true
	}
	writeErr(w, http.StatusForbidden, "forbidden", "observer clients cannot mutate pipeline state")
	return false
}

func (s *BridgeServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
