package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mcpbridge/mcpbridge/internal/auth"
	"github.com/mcpbridge/mcpbridge/internal/executor"
	"github.com/mcpbridge/mcpbridge/internal/pipeline"
	"github.com/mcpbridge/mcpbridge/internal/registry"
	"github.com/mcpbridge/mcpbridge/internal/server"
	"github.com/mcpbridge/mcpbridge/internal/storage"
)

func main() {
	// Logger
	logger := mustBuildLogger(envOrDefault("BRIDGE_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	port := envOrDefault("BRIDGE_PORT", "8321")
	mcpURL := envOrDefault("MCP_SERVER_URL", "http://127.0.0.1:3000")
	mcpPath := envOrDefault("MCP_SERVER_PATH", "/mcp")
	mcpAPIKey := os.Getenv("MCP_SERVER_API_KEY")
	mcpTimeoutS := envOrDefaultInt("MCP_CALL_TIMEOUT_S", 60)
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	postgresDSN := os.Getenv("POSTGRES_DSN")
	authCacheTTL := envOrDefaultInt("BRIDGE_AUTH_CACHE_TTL_S", 30)
	authFailOpen := envOrDefaultBool("BRIDGE_AUTH_FAIL_OPEN", false)
	toolCacheTTL := envOrDefaultInt("BRIDGE_TOOL_CACHE_TTL_S", 60)
	reconcileSpec := envOrDefault("BRIDGE_RECONCILE_INTERVAL", "@every 5s")

	logger.Info("starting bridge server",
		zap.String("port", port),
		zap.String("mcp_url", mcpURL),
	)

	// Storage — ClickHouse or LogWriter fallback
	var writer storage.EventWriter
	if clickhouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer writer.Close()

	// Auth and tool registry share one Postgres pool when a DSN is provided;
	// without one, auth is static and every tool is treated as unregistered.
	var authenticator auth.Authenticator
	var preflight pipeline.Preflight
	if postgresDSN != "" {
		db := mustOpenPostgres(postgresDSN, logger)
		defer func() { _ = db.Close() }()
		authenticator = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       db,
			CacheTTL: time.Duration(authCacheTTL) * time.Second,
			FailOpen: authFailOpen,
			Logger:   logger,
		})
		toolRegistry := registry.NewPostgresToolRegistry(registry.PostgresToolRegistryConfig{
			DB:       db,
			CacheTTL: time.Duration(toolCacheTTL) * time.Second,
			Logger:   logger,
		})
		preflight = registry.NewSchemaPreflight(toolRegistry, logger)
		logger.Info("postgres connected", zap.Int("auth_cache_ttl_s", authCacheTTL))
	} else {
		authenticator = auth.NewStaticAuthenticator()
		logger.Info("no POSTGRES_DSN set, using static auth and no tool registry")
	}

	// Executor — MCP JSON-RPC client
	mcpClient := executor.NewClient(executor.Config{
		BaseURL: mcpURL,
		Path:    mcpPath,
		Timeout: time.Duration(mcpTimeoutS) * time.Second,
		APIKey:  mcpAPIKey,
	})

	// Pipeline core
	store := pipeline.NewStore(writer, logger)
	hub := server.NewCommandHub(logger)
	driver := pipeline.NewDriver(pipeline.DriverConfig{
		Store:     store,
		Executor:  mcpClient,
		Actions:   hub,
		Preflight: preflight,
		Writer:    writer,
		Logger:    logger,
	})

	// State changes push a notification to connected pages; polling is only
	// a reconciliation fallback.
	store.Subscribe(hub.NotifyState)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go driver.Run(ctx)

	// Periodic reconciliation: wakes the driver in case a notification was
	// lost. Defensive fallback, not the primary update path.
	c := cron.New()
	if _, err := c.AddFunc(reconcileSpec, store.Kick); err != nil {
		logger.Fatal("invalid reconcile interval", zap.String("spec", reconcileSpec), zap.Error(err))
	}
	c.Start()
	defer c.Stop()

	// HTTP server
	bridge := server.New(server.Config{
		Store:   store,
		Driver:  driver,
		Hub:     hub,
		Catalog: mcpClient,
		Auth:    authenticator,
		Logger:  logger,
	})

	httpServer := &http.Server{
		Addr:              "127.0.0.1:" + port,
		Handler:           bridge.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("bridge server listening", zap.String("addr", httpServer.Addr))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("http server failed", zap.Error(err))
	}
}

func mustOpenPostgres(dsn string, logger *zap.Logger) *sql.DB {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		logger.Fatal("failed to open postgres", zap.Error(err))
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(context.Background()); err != nil {
		logger.Fatal("failed to ping postgres", zap.Error(err))
	}
	return db
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
