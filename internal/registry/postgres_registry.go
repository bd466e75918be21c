package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ToolStore abstracts DB queries for testability.
type ToolStore interface {
	LookupTool(ctx context.Context, toolName string) (*toolRow, error)
}

type toolRow struct {
	ID             string
	ToolName       string
	Description    sql.NullString
	Enabled        bool
	ArgumentSchema sql.NullString
}

// sqlToolStore is the real implementation using *sql.DB.
type sqlToolStore struct {
	db *sql.DB
}

func (s *sqlToolStore) LookupTool(ctx context.Context, toolName string) (*toolRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tool_name, description, enabled, argument_schema
		FROM tool_definitions
		WHERE tool_name = $1
	`, toolName)

	var r toolRow
	if err := row.Scan(&r.ID, &r.ToolName, &r.Description, &r.Enabled, &r.ArgumentSchema); err != nil {
		return nil, err
	}
	return &r, nil
}

// PostgresToolRegistry fetches tool definitions from the tool_definitions table.
type PostgresToolRegistry struct {
	store  ToolStore
	cache  *ToolCache
	logger *zap.Logger
}

// PostgresToolRegistryConfig configures the PostgresToolRegistry.
type PostgresToolRegistryConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// NewPostgresToolRegistry creates a new PostgresToolRegistry.
func NewPostgresToolRegistry(cfg PostgresToolRegistryConfig) *PostgresToolRegistry {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 60 * time.Second
	}
	return &PostgresToolRegistry{
		store:  &sqlToolStore{db: cfg.DB},
		cache:  NewToolCache(ttl),
		logger: cfg.Logger,
	}
}

// newPostgresToolRegistryWithStore creates a registry with a custom store (for testing).
func newPostgresToolRegistryWithStore(store ToolStore, cacheTTL time.Duration, logger *zap.Logger) *PostgresToolRegistry {
	if cacheTTL == 0 {
		cacheTTL = 60 * time.Second
	}
	return &PostgresToolRegistry{
		store:  store,
		cache:  NewToolCache(cacheTTL),
		logger: logger,
	}
}

func (r *PostgresToolRegistry) GetTool(ctx context.Context, toolName string) (*ToolDefinition, error) {
	// Check cache
	cacheResult := r.cache.Get(toolName)
	if cacheResult.Hit {
		if cacheResult.NeedsRefresh {
			go r.refreshInBackground(toolName)
		}
		return cacheResult.Tool, nil
	}

	// Cache miss — fetch from DB
	td, err := r.fetchFromDB(ctx, toolName)
	if err != nil {
		if err == sql.ErrNoRows {
			// Negative cache: tool not found
			r.cache.Set(toolName, nil)
			return nil, nil
		}
		return nil, fmt.Errorf("GetTool: %w", err)
	}

	r.cache.Set(toolName, td)
	return td, nil
}

func (r *PostgresToolRegistry) fetchFromDB(ctx context.Context, toolName string) (*ToolDefinition, error) {
	row, err := r.store.LookupTool(ctx, toolName)
	if err != nil {
		return nil, err
	}
	return parseToolRow(row)
}

func (r *PostgresToolRegistry) refreshInBackground(toolName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	td, err := r.fetchFromDB(ctx, toolName)
	if err != nil {
		if err == sql.ErrNoRows {
			r.cache.Set(toolName, nil)
			return
		}
		r.logger.Warn("background tool registry refresh failed",
			zap.String("tool_name", toolName),
			zap.Error(err),
		)
		return
	}
	r.cache.Set(toolName, td)
}

func parseToolRow(row *toolRow) (*ToolDefinition, error) {
	td := &ToolDefinition{
		ID:       row.ID,
		ToolName: row.ToolName,
		Enabled:  row.Enabled,
	}

	if row.Description.Valid {
		td.Description = row.Description.String
	}

	// Parse argument_schema (JSONB object)
	if row.ArgumentSchema.Valid && row.ArgumentSchema.String != "" {
		var schema map[string]any
		if err := json.Unmarshal([]byte(row.ArgumentSchema.String), &schema); err != nil {
			return nil, fmt.Errorf("parseToolRow: argument_schema: %w", err)
		}
		td.ArgumentSchema = schema
	}

	return td, nil
}
