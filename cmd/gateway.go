package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nextlevelbuilder/groupwatch/internal/channels"
	"github.com/nextlevelbuilder/groupwatch/internal/channels/discord"
	"github.com/nextlevelbuilder/groupwatch/internal/channels/socket"
	"github.com/nextlevelbuilder/groupwatch/internal/channels/telegram"
	"github.com/nextlevelbuilder/groupwatch/internal/config"
	"github.com/nextlevelbuilder/groupwatch/internal/orchestrator"
	"github.com/nextlevelbuilder/groupwatch/internal/tracing"
)

const defaultAgentCommand = "assistant-agent"

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		slog.Warn("tracing setup failed, continuing without export", "error", err)
	} else {
		defer shutdownTracing(context.Background())
	}

	var onMessage channels.MessageHandler
	adapters, err := buildChannels(cfg, func(msg channels.InboundMessage) {
		onMessage(msg)
	})
	if err != nil {
		slog.Error("failed to construct channel adapters", "error", err)
		os.Exit(1)
	}
	if len(adapters) == 0 {
		slog.Error("no channel adapters enabled; set at least one of telegram/discord/socket in config")
		os.Exit(1)
	}

	agentCommand := os.Getenv("GROUPWATCH_AGENT_COMMAND")
	if agentCommand == "" {
		agentCommand = defaultAgentCommand
	}

	orch, err := orchestrator.New(ctx, orchestrator.Options{
		Config:       cfg,
		Channels:     adapters,
		AgentCommand: agentCommand,
	})
	if err != nil {
		slog.Error("failed to build orchestrator", "error", err)
		os.Exit(1)
	}
	onMessage = func(msg channels.InboundMessage) {
		orch.HandleInboundMessage(ctx, msg)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutdown signal received")
		cancel()
	}()

	if err := orch.Run(ctx); err != nil {
		slog.Error("orchestrator exited with error", "error", err)
		os.Exit(1)
	}
}

// buildChannels constructs a Channel adapter for every enabled entry in
// cfg.Channels. onMessage is shared across adapters; each adapter tags
// deliveries with its own jid prefix so routing stays unambiguous.
func buildChannels(cfg *config.Config, onMessage channels.MessageHandler) ([]channels.Channel, error) {
	var out []channels.Channel

	if cfg.Channels.Telegram.Enabled {
		ch, err := telegram.New(cfg.Channels.Telegram, onMessage)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	if cfg.Channels.Discord.Enabled {
		ch, err := discord.New(cfg.Channels.Discord, onMessage)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	if cfg.Channels.Socket.Enabled {
		out = append(out, socket.New(cfg.Channels.Socket, onMessage))
	}
	return out, nil
}
