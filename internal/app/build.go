package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/agentchat/internal/agent"
	"github.com/ent0n29/agentchat/internal/chat"
	"github.com/ent0n29/agentchat/internal/config"
	"github.com/ent0n29/agentchat/internal/httpapi"
	"github.com/ent0n29/agentchat/internal/memory"
	"github.com/ent0n29/agentchat/internal/observability"
	"github.com/ent0n29/agentchat/internal/plugins"
	"github.com/ent0n29/agentchat/internal/tooltrack"
)

type BuildResult struct {
	Config        config.Config
	API           *httpapi.Server
	Conversations *memory.ConversationStore
	Chat          *chat.Service
	Tools         []tooltrack.Plugin
	Metrics       *observability.Metrics

	// Cleanup should be called on shutdown to release external resources (DB pools, files).
	Cleanup func() error
}

// Build wires the service from configuration.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetricsWithRegistry(prometheus.NewRegistry(), cfg.MetricsNamespace, observability.LatencyOptions{
		Samples:    cfg.PerfWindowSamples,
		MaxAge:     cfg.PerfWindowMaxAge,
		TargetsP95: cfg.PerfTargetsP95,
	})

	conversations, err := OpenConversations(ctx, cfg, logger, metrics)
	if err != nil {
		return nil, err
	}

	adapter, err := agent.NewAdapter(agent.Config{
		Mode:       cfg.AgentMode,
		HTTPURL:    cfg.AgentHTTPURL,
		APIKey:     cfg.AgentAPIKey,
		MaxRetries: cfg.AgentMaxRetries,
		Timeout:    cfg.RequestTimeout,
	})
	if err != nil {
		_ = conversations.Close()
		return nil, fmt.Errorf("agent adapter init failed: %w", err)
	}

	tools := tooltrack.InstallWrappers(
		[]tooltrack.Plugin{plugins.NewWeather()},
		tooltrack.WithLogger(logger.With("component", "tooltrack")),
		tooltrack.WithObserver(func(c tooltrack.Call) {
			metrics.ObserveToolCall(c.Plugin, string(c.Level), c.Err)
		}),
	)

	chatSvc := chat.NewService(conversations, adapter, chat.Options{
		WindowSize: cfg.MemoryWindowSize,
		Tools:      tools,
		Logger:     logger,
		Metrics:    metrics,
	})

	api := httpapi.New(cfg, chatSvc, conversations, metrics, logger)

	logger.Info("service built",
		"memory_backend", conversations.Backend(),
		"window_size", conversations.WindowSize(),
		"agent_mode", cfg.AgentMode,
		"tools", len(tools))

	return &BuildResult{
		Config:        cfg,
		API:           api,
		Conversations: conversations,
		Chat:          chatSvc,
		Tools:         tools,
		Metrics:       metrics,
		Cleanup: func() error {
			if err := conversations.Close(); err != nil {
				return errors.Join(errors.New("close conversation store"), err)
			}
			return nil
		},
	}, nil
}

// OpenConversations opens the configured document store and binds a
// conversation store over it. The CLI history command uses it directly.
func OpenConversations(ctx context.Context, cfg config.Config, logger *slog.Logger, metrics *observability.Metrics) (*memory.ConversationStore, error) {
	docs, err := memory.NewDocumentStore(ctx, memory.BackendConfig{
		Backend:           cfg.MemoryBackend,
		DatabaseURL:       cfg.DatabaseURL,
		SQLitePath:        cfg.SQLitePath,
		Container:         cfg.MemoryContainer,
		CreateIfNotExists: cfg.MemoryCreateIfNotExists,
	})
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}
	return memory.NewConversationStore(docs, memory.Options{
		WindowSize: cfg.MemoryWindowSize,
		Logger:     logger,
		OnLoadFailure: func(string, error) {
			metrics.ObserveStoreError("load")
		},
	}), nil
}
