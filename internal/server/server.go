package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mcpbridge/mcpbridge/internal/auth"
	"github.com/mcpbridge/mcpbridge/internal/executor"
	"github.com/mcpbridge/mcpbridge/internal/pipeline"
)

// ToolCatalog lists the tools the MCP server offers.
type ToolCatalog interface {
	ListTools(ctx context.Context) ([]executor.Tool, error)
}

// BridgeServer is the HTTP surface the browser extension talks to: detection
// delivery in, page commands out, plus manual execution, settings, and state
// snapshots.
type BridgeServer struct {
	store   *pipeline.Store
	driver  *pipeline.Driver
	hub     *CommandHub
	catalog ToolCatalog
	auth    auth.Authenticator
	logger  *zap.Logger
}

// Config wires a BridgeServer. Catalog may be nil (no MCP server configured
// yet); Auth may be nil to disable authentication for local development.
type Config struct {
	Store   *pipeline.Store
	Driver  *pipeline.Driver
	Hub     *CommandHub
	Catalog ToolCatalog
	Auth    auth.Authenticator
	Logger  *zap.Logger
}

// New creates a BridgeServer.
func New(cfg Config) *BridgeServer {
	return &BridgeServer{
		store:   cfg.Store,
		driver:  cfg.Driver,
		hub:     cfg.Hub,
		catalog: cfg.Catalog,
		auth:    cfg.Auth,
		logger:  cfg.Logger,
	}
}

// Router builds the chi routing tree.
func (s *BridgeServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Post("/detections", s.handleDetections)
		r.Post("/tools/{id}/execute", s.handleExecute)
		r.Post("/tools/{id}/attach", s.handleAttach)
		r.Post("/clear", s.handleClear)
		r.Put("/settings", s.handleSettings)
		r.Get("/state", s.handleState)
		r.Get("/tools/catalog", s.handleCatalog)
		r.Get("/commands", s.handleCommands)
	})

	return r
}
