package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/torbolabs/torbo/internal/access"
	"github.com/torbolabs/torbo/internal/auth"
	"github.com/torbolabs/torbo/internal/bus"
	"github.com/torbolabs/torbo/internal/chat"
	"github.com/torbolabs/torbo/internal/config"
	"github.com/torbolabs/torbo/internal/convo"
	"github.com/torbolabs/torbo/internal/gateway"
	"github.com/torbolabs/torbo/internal/mcp"
	"github.com/torbolabs/torbo/internal/memory"
	"github.com/torbolabs/torbo/internal/notify"
	"github.com/torbolabs/torbo/internal/openai"
	"github.com/torbolabs/torbo/internal/providers"
	"github.com/torbolabs/torbo/internal/store"
	"github.com/torbolabs/torbo/internal/telemetry"
	"github.com/torbolabs/torbo/internal/tools"
)

// runGateway assembles every subsystem and serves until SIGINT/SIGTERM.
// Exits non-zero on config or bind failures.
func runGateway() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
	} else {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(flushCtx); err != nil {
				slog.Warn("telemetry shutdown", "error", err)
			}
		}()
	}

	sqlStore, err := store.Open(cfg)
	if err != nil {
		slog.Error("open store", "error", err)
		os.Exit(1)
	}
	defer sqlStore.Close()

	auditLog := access.NewAuditLog(sqlStore)
	guard := access.NewGuard(cfg.GlobalLevel, auditLog, nil)

	eventBus := bus.New(sqlStore)
	go eventBus.Run(ctx)

	devices, err := auth.NewDeviceStore(cfg.StatePath("devices.json"))
	if err != nil {
		slog.Error("open device store", "error", err)
		os.Exit(1)
	}
	sessions := auth.NewSessionSet()
	pairing := auth.NewPairingService(devices)
	cloud := auth.NewCloudVerifier(cfg.Gateway.CloudJWTSecret)
	authn := auth.NewAuthenticator(func() string { return cfg.Gateway.MasterToken }, sessions, devices, cloud)

	registry := providers.NewRegistry(cfg.Providers.Fallback, "local")
	registerProviders(registry, cfg)

	toolReg := tools.NewRegistry()
	tools.RegisterBuiltins(toolReg, cfg)

	mcpMgr := mcp.NewManager(toolReg)
	mcpMgr.Start(ctx, cfg.MCP)
	defer mcpMgr.Close()

	mem := memory.NewStoreMemory(sqlStore)

	idle := time.Duration(cfg.Convo.IdleTimeoutMin) * time.Minute
	archive := func(ctx context.Context, key, summary string) {
		if err := sqlStore.ArchiveConversation(ctx, key, summary); err != nil {
			slog.Warn("archive conversation", "key", key, "error", err)
		}
		mem.ArchiveSummary(ctx, key, summary)
	}
	convos := convo.NewManager(cfg.Convo.MaxWindow, idle, summarizer(registry, cfg), archive)

	agents, err := store.NewAgentStore(cfg.StatePath("agents.json"), config.DefaultAgentID)
	if err != nil {
		slog.Error("open agent store", "error", err)
		os.Exit(1)
	}

	var notifier notify.Notifier = notify.Noop{}
	if cfg.Notify.TelegramToken != "" {
		tg, err := notify.NewTelegram(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID)
		if err != nil {
			slog.Warn("telegram notifier disabled", "error", err)
		} else {
			notifier = tg
		}
	}
	go notify.WatchBus(ctx, eventBus, notifier)

	pipeline := chat.NewPipeline(cfg, registry, toolReg, convos, mem, agents, eventBus, notifier, sqlStore)

	server := gateway.NewServer(gateway.Deps{
		Config:   cfg,
		Guard:    guard,
		Auth:     authn,
		Sessions: sessions,
		Pairing:  pairing,
		Devices:  devices,
		Bus:      eventBus,
		Pipeline: pipeline,
		Convos:   convos,
		Agents:   agents,
		Audit:    auditLog,
		History:  sqlStore,
	})

	go sweepLoop(ctx, convos, devices)

	if err := config.Watch(ctx, cfgPath, cfg, func() {
		slog.Info("config reloaded", "path", cfgPath, "level", cfg.GlobalLevel().String())
	}); err != nil {
		slog.Warn("config watch disabled", "error", err)
	}

	if err := startTailscale(ctx, server, cfg); err != nil {
		slog.Error("tailscale listener", "error", err)
		os.Exit(1)
	}

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}

// sweepLoop runs the periodic maintenance: idle conversations are
// summarized and archived, inactive paired devices dropped.
func sweepLoop(ctx context.Context, convos *convo.Manager, devices *auth.DeviceStore) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := convos.EvictIdle(ctx); n > 0 {
				slog.Debug("evicted idle conversations", "count", n)
			}
			if n := devices.PruneExpired(); n > 0 {
				slog.Info("pruned expired devices", "count", n)
			}
		}
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// registerProviders wires every backend that has credentials (or, for the
// local runner, a base URL) into the registry.
func registerProviders(reg *providers.Registry, cfg *config.Config) {
	p := cfg.Providers
	if p.Anthropic.APIKey != "" {
		opts := []providers.AnthropicOption{}
		if p.Anthropic.Model != "" {
			opts = append(opts, providers.WithAnthropicModel(p.Anthropic.Model))
		}
		if p.Anthropic.BaseURL != "" {
			opts = append(opts, providers.WithAnthropicBaseURL(p.Anthropic.BaseURL))
		}
		reg.Register(providers.NewAnthropicProvider(p.Anthropic.APIKey, opts...))
	}
	if p.OpenAI.APIKey != "" {
		reg.Register(providers.NewOpenAIProvider(p.OpenAI.APIKey, p.OpenAI.Model))
	}
	if p.Gemini.APIKey != "" {
		reg.Register(providers.NewGeminiProvider(p.Gemini.APIKey, p.Gemini.BaseURL, p.Gemini.Model))
	}
	if p.XAI.APIKey != "" {
		reg.Register(providers.NewXAIProvider(p.XAI.APIKey, p.XAI.Model))
	}
	if p.Local.BaseURL != "" {
		reg.Register(providers.NewLocalProvider(p.Local.BaseURL, p.Local.Model))
	}
}

// A compacted message contributes at most this much to the summarizer
// transcript; the rollup only needs the gist of each turn.
const summaryClipChars = 500

// summarizer condenses evicted conversation turns with a cheap model so
// the gist survives the context window.
func summarizer(reg *providers.Registry, cfg *config.Config) convo.SummarizeFunc {
	return func(ctx context.Context, msgs []openai.Message) (string, error) {
		var b strings.Builder
		for _, m := range msgs {
			text := m.Content.Text()
			if text == "" {
				continue
			}
			if len(text) > summaryClipChars {
				text = text[:summaryClipChars]
			}
			fmt.Fprintf(&b, "%s: %s\n", m.Role, text)
		}
		if b.Len() == 0 {
			return "", nil
		}

		req := &openai.ChatRequest{
			Model: cfg.Convo.SummaryModel,
			Messages: []openai.Message{
				{Role: "system", Content: openai.Text("Summarize this conversation fragment in 2-3 concise sentences. Keep names, decisions and open questions.")},
				{Role: "user", Content: openai.Text(b.String())},
			},
		}
		resp, err := reg.Chat(ctx, req)
		if err != nil {
			return "", fmt.Errorf("summarize conversation: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", nil
		}
		return resp.Choices[0].Message.Content.Text(), nil
	}
}
