package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pmoraes/chat-backend/internal/api"
	"github.com/pmoraes/chat-backend/internal/config"
	"github.com/pmoraes/chat-backend/internal/failover"
	"github.com/pmoraes/chat-backend/internal/history"
	"github.com/pmoraes/chat-backend/internal/memory"
	"github.com/pmoraes/chat-backend/internal/notifications"
	"github.com/pmoraes/chat-backend/internal/provider/mcpagent"
	"github.com/pmoraes/chat-backend/internal/provider/openai"
	"github.com/pmoraes/chat-backend/internal/provider/openrouter"
	"github.com/pmoraes/chat-backend/internal/provider/unconfigured"
	"github.com/pmoraes/chat-backend/internal/queue"
	"github.com/pmoraes/chat-backend/internal/ratelimit"
	"github.com/pmoraes/chat-backend/internal/registry"
	"github.com/pmoraes/chat-backend/internal/secrets"
	"github.com/pmoraes/chat-backend/internal/session"
	"github.com/pmoraes/chat-backend/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting chat backend", "addr", cfg.Addr, "version", "0.1.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, "chat-backend", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to initialise telemetry", "error", err)
		os.Exit(1)
	}

	applySecrets(ctx, cfg)

	notifier := buildNotifier(ctx, cfg)

	limiter := buildLimiter(ctx, cfg)
	if closer, ok := limiter.(io.Closer); ok {
		defer closer.Close()
	}
	bypass := ratelimit.NewBypassStore()
	gate := ratelimit.NewGate(limiter, bypass, nil, notifier)

	memoryStore := buildMemory(ctx, cfg)
	historyStore := buildHistory(ctx, cfg)
	defer historyStore.Close()

	reg := registry.New()
	registerProviders(reg, cfg)

	var transcripts queue.Queue
	if cfg.TranscriptQueueURL != "" {
		transcripts, err = queue.NewSQSQueue(ctx, cfg.AWSRegion, cfg.TranscriptQueueURL)
		if err != nil {
			slog.Warn("transcript queue unavailable", "error", err)
			transcripts = nil
		} else {
			slog.Info("transcript mirroring enabled", "queue", cfg.TranscriptQueueURL)
		}
	}

	sessions := session.NewStore(cfg.MemoryDefault, nil)
	engine := failover.New(reg, notifier)

	admin := api.NewAdminHandler(api.AdminConfig{
		Token:    cfg.AdminToken,
		Bypass:   bypass,
		Sessions: sessions,
		Memory:   memoryStore,
		History:  historyStore,
		Registry: reg,
		Runtime: api.RuntimeInfo{
			MemoryBackend:      backendName(cfg.RedisEnabled()),
			MemoryDefaultLimit: cfg.MemoryDefault,
			MemoryMaxLimit:     cfg.MemoryMax,
			HistoryBackend:     historyBackendName(cfg),
			DefaultModel:       cfg.OpenAIModel,
		},
		ConfigPath: configPath(),
	})

	handler := api.NewHandler(api.HandlerConfig{
		Sessions:            sessions,
		Memory:              memoryStore,
		History:             historyStore,
		Registry:            reg,
		Engine:              engine,
		Transcripts:         transcripts,
		MemoryMax:           cfg.MemoryMax,
		InitialSystemPrompt: cfg.InitialSystemPrompt,
		Admin:               admin,
	})

	chain := api.RequestLogger(
		api.MetricsMiddleware(cfg.MetricsEnabled)(
			gate.Middleware(handler),
		),
	)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      chain,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}

	slog.Info("server stopped")
}

// applySecrets overlays provider credentials from AWS Secrets Manager onto
// config values that were not set locally. Failures are logged and the
// service continues with whatever the environment provided.
func applySecrets(ctx context.Context, cfg *config.Config) {
	if cfg.SecretsName == "" {
		return
	}

	store, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
	if err != nil {
		slog.Warn("secrets manager unavailable", "error", err)
		return
	}

	loaded, err := secrets.LoadProviderSecrets(ctx, store, cfg.SecretsName)
	if err != nil {
		slog.Warn("provider secrets not loaded", "name", cfg.SecretsName, "error", err)
		return
	}

	if cfg.OpenAIAPIKey == "" {
		cfg.OpenAIAPIKey = loaded.OpenAIAPIKey
	}
	if cfg.OpenRouterAPIKey == "" {
		cfg.OpenRouterAPIKey = loaded.OpenRouterAPIKey
	}
	if cfg.MCPAPIKey == "" {
		cfg.MCPAPIKey = loaded.MCPAgentToken
	}
	if cfg.AdminToken == "" {
		cfg.AdminToken = loaded.AdminToken
	}
	slog.Info("provider secrets loaded", "name", cfg.SecretsName)
}

func buildNotifier(ctx context.Context, cfg *config.Config) notifications.Notifier {
	if cfg.SNSTopicArn == "" {
		return notifications.NewLogNotifier()
	}
	notifier, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicArn)
	if err != nil {
		slog.Warn("sns notifier unavailable, falling back to log notifier", "error", err)
		return notifications.NewLogNotifier()
	}
	slog.Info("sns notifications enabled", "topic", cfg.SNSTopicArn)
	return notifier
}

func buildLimiter(ctx context.Context, cfg *config.Config) ratelimit.Limiter {
	if cfg.RedisEnabled() {
		limiter, err := ratelimit.NewRedisLimiterFromURL(ctx, cfg.RedisURL, cfg.RateRPS, cfg.RateBurst)
		if err != nil {
			slog.Error("failed to connect to redis for rate limiting", "error", err)
			os.Exit(1)
		}
		slog.Info("using redis rate limiter")
		return limiter
	}

	limiter, err := ratelimit.NewInMemoryLimiter(cfg.RateRPS, cfg.RateBurst, nil)
	if err != nil {
		slog.Error("failed to build rate limiter", "error", err)
		os.Exit(1)
	}
	slog.Info("using in-memory rate limiter")
	return limiter
}

func buildMemory(ctx context.Context, cfg *config.Config) memory.Store {
	if cfg.RedisEnabled() {
		store, err := memory.NewRedisStoreFromURL(ctx, cfg.RedisURL, cfg.MemoryDefault, cfg.MemoryMax)
		if err != nil {
			slog.Error("failed to connect to redis for chat memory", "error", err)
			os.Exit(1)
		}
		slog.Info("using redis chat memory")
		return store
	}

	store, err := memory.NewInMemoryStore(cfg.MemoryDefault, cfg.MemoryMax)
	if err != nil {
		slog.Error("failed to build chat memory", "error", err)
		os.Exit(1)
	}
	slog.Info("using in-memory chat memory")
	return store
}

func buildHistory(ctx context.Context, cfg *config.Config) history.Store {
	if cfg.DatabaseURL != "" {
		store, err := history.NewPostgresStoreFromURL(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to postgres for history", "error", err)
			os.Exit(1)
		}
		slog.Info("using postgres transcript store")
		return store
	}
	if cfg.RedisEnabled() {
		store, err := history.NewRedisStoreFromURL(ctx, cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis for history", "error", err)
			os.Exit(1)
		}
		slog.Info("using redis transcript store")
		return store
	}

	slog.Info("transcript persistence disabled")
	return history.NewNoopStore()
}

// registerProviders wires every provider that has credentials configured.
// With none configured the unconfigured placeholder becomes the default so
// chat requests fail with a descriptive error instead of a missing route.
func registerProviders(reg *registry.Registry, cfg *config.Config) {
	if cfg.OpenAIAPIKey != "" {
		p, err := openai.New(openai.Config{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIBaseURL,
			Timeout: cfg.ProviderTimeout,
		})
		if err != nil {
			slog.Error("openai provider misconfigured", "error", err)
		} else if err := reg.Register(p, registry.RegisterOptions{}); err != nil {
			slog.Error("openai registration failed", "error", err)
		} else {
			slog.Info("registered provider", "provider", "openai")
		}
	}

	if cfg.OpenRouterAPIKey != "" {
		p, err := openrouter.New(openrouter.Config{
			APIKey:  cfg.OpenRouterAPIKey,
			Model:   cfg.OpenRouterModel,
			Timeout: cfg.ProviderTimeout,
		})
		if err != nil {
			slog.Error("openrouter provider misconfigured", "error", err)
		} else if err := reg.Register(p, registry.RegisterOptions{}); err != nil {
			slog.Error("openrouter registration failed", "error", err)
		} else {
			slog.Info("registered provider", "provider", "openrouter")
		}
	}

	if cfg.MCPServerURL != "" {
		p, err := mcpagent.New(mcpagent.Config{
			ServerURL: cfg.MCPServerURL,
			APIKey:    cfg.MCPAPIKey,
			Timeout:   cfg.ProviderTimeout,
		})
		if err != nil {
			slog.Error("mcp provider misconfigured", "error", err)
		} else if err := reg.Register(p, registry.RegisterOptions{}); err != nil {
			slog.Error("mcp registration failed", "error", err)
		} else {
			slog.Info("registered provider", "provider", "mcp", "url", cfg.MCPServerURL)
		}
	}

	if cfg.DefaultProvider != "" {
		if err := reg.SetDefault(cfg.DefaultProvider); err != nil {
			slog.Warn("requested default provider unavailable", "provider", cfg.DefaultProvider)
		}
	}
	if reg.Default() == "" {
		if names := reg.Names(); len(names) > 0 {
			if err := reg.SetDefault(names[0]); err != nil {
				slog.Error("failed to set default provider", "error", err)
			}
		}
	}

	if reg.Default() == "" {
		placeholder := unconfigured.New()
		if err := reg.Register(placeholder, registry.RegisterOptions{Replace: true}); err != nil {
			slog.Error("placeholder registration failed", "error", err)
			return
		}
		if err := reg.SetDefault(placeholder.Name()); err != nil {
			slog.Error("failed to set placeholder default", "error", err)
			return
		}
		slog.Warn("no chat providers configured, registering placeholder")
	}

	slog.Info("provider registry ready",
		"default_provider", reg.Default(),
		"available_providers", reg.Names(),
	)
}

func backendName(redis bool) string {
	if redis {
		return "redis"
	}
	return "in-memory"
}

func historyBackendName(cfg *config.Config) string {
	switch {
	case cfg.DatabaseURL != "":
		return "postgres"
	case cfg.RedisEnabled():
		return "redis"
	default:
		return "noop"
	}
}

func configPath() string {
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		return path
	}
	return "app.config.yaml"
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
