// Command kagami runs the fact-sheet HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kagami-ai/kagami/api"
	"github.com/kagami-ai/kagami/internal/config"
	"github.com/kagami-ai/kagami/internal/events"
	"github.com/kagami-ai/kagami/internal/extract"
	"github.com/kagami-ai/kagami/internal/extras"
	"github.com/kagami-ai/kagami/internal/idem"
	"github.com/kagami-ai/kagami/internal/mcp"
	"github.com/kagami-ai/kagami/internal/model"
	"github.com/kagami-ai/kagami/internal/ratelimit"
	"github.com/kagami-ai/kagami/internal/server"
	"github.com/kagami-ai/kagami/internal/service/profile"
	"github.com/kagami-ai/kagami/internal/store"
	"github.com/kagami-ai/kagami/internal/store/memory"
	"github.com/kagami-ai/kagami/internal/store/postgres"
	"github.com/kagami-ai/kagami/internal/store/redis"
	"github.com/kagami-ai/kagami/internal/store/sqlite"
	"github.com/kagami-ai/kagami/internal/telemetry"
	"github.com/kagami-ai/kagami/schema"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("KAGAMI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("kagami starting", "version", version, "port", cfg.Port, "backend", cfg.Backend)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Load the fact-sheet schema.
	schemaData, err := os.ReadFile(cfg.SchemaPath)
	if err != nil {
		return fmt.Errorf("read schema %s: %w", cfg.SchemaPath, err)
	}
	sheet, err := schema.Parse(schemaData)
	if err != nil {
		return fmt.Errorf("parse schema: %w", err)
	}

	// Open the storage backend.
	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer func() { _ = closeStore() }()

	// Configure the extractor if an endpoint is set; observe stays disabled
	// otherwise and patch/get/history keep working.
	var extractor profile.Extractor
	if cfg.ExtractorURL != "" {
		extractor = extract.NewClient(cfg.ExtractorURL, cfg.ExtractorAPIKey, cfg.ExtractorModel, logger,
			extract.WithTimeout(cfg.ExtractorTimeout),
			extract.WithMaxRetries(cfg.ExtractorRetries),
			extract.WithMaxInputChars(cfg.ExtractorMaxChars),
		)
		logger.Info("extractor: enabled", "model", cfg.ExtractorModel)
	} else {
		logger.Info("extractor: disabled (no KAGAMI_EXTRACTOR_URL)")
	}

	// Merge policy, starting from defaults with env overrides.
	policy := model.DefaultPolicy()
	if cfg.MinConfidence > 0 {
		policy.MinConfidence = cfg.MinConfidence
	}
	if cfg.RecencyWindow > 0 {
		policy.RecencyWindowMS = cfg.RecencyWindow.Milliseconds()
	}
	if cfg.MaxFieldLength > 0 {
		policy.MaxFieldLength = cfg.MaxFieldLength
	}

	svc := profile.New(profile.Config{
		Store:           st,
		Schema:          sheet,
		Policy:          policy,
		ExtrasPolicy:    extras.DefaultPolicy(),
		Extractor:       extractor,
		Emitter:         events.NewEmitter(logger),
		Cache:           idem.New(cfg.IdempotencyTTL, cfg.IdempotencyMax),
		Logger:          logger,
		MaxAsyncWorkers: cfg.MaxAsyncWorkers,
	})

	// Create MCP server (mounted at /mcp).
	mcpSrv := mcp.New(svc, logger, version)

	// Create rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		mem := ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = mem.Close() }()
		limiter = mem
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		Svc:                 svc,
		Logger:              logger,
		MCPServer:           mcpSrv.MCPServer(),
		RateLimiter:         limiter,
		OpenAPISpec:         api.OpenAPISpec,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: stop accepting new HTTP requests and drain in-flight
	// first, then wait for background observes to land in the store.
	slog.Info("kagami shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	svcCtx, svcCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := svc.Close(svcCtx); err != nil {
		slog.Error("service shutdown error", "error", err)
	}
	svcCancel()

	return nil
}

// openStore builds the configured storage backend and a close function.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, func() error, error) {
	switch cfg.Backend {
	case "postgres":
		st, err := postgres.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, err
		}
		return st, func() error { st.Close(); return nil }, nil
	case "sqlite":
		st, err := sqlite.New(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	case "redis":
		var opts []redis.Option
		if cfg.RedisTTL > 0 {
			opts = append(opts, redis.WithTTL(cfg.RedisTTL))
		}
		if cfg.MaxHistory > 0 {
			opts = append(opts, redis.WithMaxHistory(cfg.MaxHistory))
		}
		st, err := redis.New(ctx, cfg.RedisAddr, logger, opts...)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	default:
		var opts []memory.Option
		if cfg.MaxHistory > 0 {
			opts = append(opts, memory.WithMaxHistory(cfg.MaxHistory))
		}
		return memory.New(opts...), func() error { return nil }, nil
	}
}
