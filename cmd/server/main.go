package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/querymind/nlsql/common/logger"
	"github.com/querymind/nlsql/common/otel"
	"github.com/querymind/nlsql/core/config"
	"github.com/querymind/nlsql/internal/datasource"
	"github.com/querymind/nlsql/internal/executor"
	"github.com/querymind/nlsql/internal/httpapi"
	"github.com/querymind/nlsql/internal/llmclient"
	"github.com/querymind/nlsql/internal/orchestrator"
	"github.com/querymind/nlsql/internal/prompt"
	"github.com/querymind/nlsql/internal/schemacatalog"
	"github.com/querymind/nlsql/internal/session"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		// Can't use slog yet — OTel failed before logger setup
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	slog.InfoContext(ctx, "nlsql starting", "env", cfg.Env, "service", cfg.OTel.ServiceName)

	node, err := snowflake.NewNode(1)
	if err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	catalog, err := schemacatalog.Load(cfg.CatalogPath, cfg.SchemasDir)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load schema catalog", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "schema catalog loaded", "databases", len(catalog.ListDatabases()))

	prompts, err := prompt.Load(cfg.PromptsDir)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load prompt registry", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "prompt registry loaded", "templates", len(prompts.Names()))

	llm, err := llmclient.New(cfg.LLM)
	if err != nil {
		slog.ErrorContext(ctx, "failed to construct llm client", "error", err)
		os.Exit(1)
	}

	dsConfigs, err := datasource.LoadConfigFile(cfg.DataSourcesPath)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load datasource config", "error", err)
		os.Exit(1)
	}

	dsManager, err := datasource.New(ctx, dsConfigs)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect datasources", "error", err)
		os.Exit(1)
	}
	defer dsManager.Close()
	slog.InfoContext(ctx, "datasources connected", "count", len(dsConfigs))

	sessions, err := newSessionStore(ctx, cfg, node)
	if err != nil {
		slog.ErrorContext(ctx, "failed to construct session store", "error", err)
		os.Exit(1)
	}

	exec := executor.New(llm, prompts, dsManager, catalog)
	orch := orchestrator.New(llm, prompts, catalog, sessions, exec)
	orch.TurnTimeout = time.Duration(cfg.TurnTimeoutSeconds) * time.Second
	orch.Debug = cfg.Debug

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	handler := httpapi.NewHandler(orch, sessions, catalog, dsManager)
	router := setupRouter(cfg, handler)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}

func newSessionStore(ctx context.Context, cfg config.Config, node *snowflake.Node) (session.Store, error) {
	switch cfg.SessionBackend {
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		slog.InfoContext(ctx, "session store backed by redis")
		return session.NewRedisStore(rdb, node), nil
	default:
		slog.InfoContext(ctx, "session store backed by memory")
		return session.NewMemoryStore(node), nil
	}
}

func setupRouter(cfg config.Config, h *httpapi.Handler) *gin.Engine {
	router := gin.New()

	// Order matters: OTel creates span → Recovery catches panics → Logger logs with trace context
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(httpapi.Recovery())
	router.Use(httpapi.Logger())

	httpapi.SetupRoutes(router, h)

	return router
}

const banner = `
███╗   ██╗██╗     ███████╗ ██████╗ ██╗
████╗  ██║██║     ██╔════╝██╔═══██╗██║
██╔██╗ ██║██║     ███████╗██║   ██║██║
██║╚██╗██║██║     ╚════██║██║▄▄ ██║██║
██║ ╚████║███████╗███████║╚██████╔╝███████╗
╚═╝  ╚═══╝╚══════╝╚══════╝ ╚══▀▀═╝ ╚══════╝
`
