package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/channels"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/config"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/council"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/dedup"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/gateway"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/notify"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/procmgr"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/scheduler"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store/sqlite"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/subscription"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/workflow"
)

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if cfg.IsManagedMode() {
		logger.Warn("managed (postgres) mode is configured, but this build only wires the embedded sqlite store — falling back to standalone", "dsn_set", cfg.Database.PostgresDSN != "")
	}

	workspace := cfg.WorkspacePath()
	if !filepath.IsAbs(workspace) {
		if abs, absErr := filepath.Abs(workspace); absErr == nil {
			workspace = abs
		}
	}
	if err := os.MkdirAll(workspace, 0755); err != nil {
		logger.Error("failed to create workspace", "workspace", workspace, "error", err)
		os.Exit(1)
	}

	dataDir := os.Getenv("GOCLAW_DATA_DIR")
	if dataDir == "" {
		dataDir = filepath.Join(config.ExpandHome("~/.goclaw-orchestrator"), "data")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		logger.Error("failed to create data dir", "dataDir", dataDir, "error", err)
		os.Exit(1)
	}

	dbPath := filepath.Join(dataDir, "goclaw.db")
	stores, db, err := sqlite.NewStores(dbPath)
	if err != nil {
		logger.Error("failed to open store", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Process Manager: spawns one agent CLI child process per session.
	spawner := procmgr.NewCLISpawner(cfg.Agents.Defaults.Binary)
	pm := procmgr.New(spawner, stores, logger)
	pm.SetOwnerCheck(ownerCheckFor(cfg.Gateway.OwnerIDs))
	if cfg.Credit.Enabled {
		pm.SetCreditPolicy(procmgr.CreditPolicy{PerTurn: cfg.Credit.PerTurn, Extras: cfg.Credit.Extras})
	}

	subs := subscription.NewManager(pm)
	dedupSvc := dedup.New(stores.Dedup)

	// server is wired forward: engines below are constructed with emit
	// closures that forward to it once NewServer returns, since the server
	// itself needs the engines as Deps.
	var server *gateway.Server

	engine := council.New(stores, pm, agentNamer(stores), func(ev council.Event) {
		if server != nil {
			server.CouncilEmit(ev)
		}
	}, logger)

	wfEngine, err := workflow.New(stores, pm, func(kind string, detail map[string]any) {
		if server != nil {
			server.WorkflowEmit(kind, detail)
		}
	}, logger)
	if err != nil {
		logger.Error("failed to create workflow engine", "error", err)
		os.Exit(1)
	}

	notifyChannels := buildNotifyChannels(cfg, pm)
	notifyBus := notify.New(stores, notifyChannels, func(kind string, detail map[string]any) {
		if server != nil {
			server.NotifyEmit(kind, detail)
		}
	}, logger)

	sched := scheduler.New(stores, pm, engine, ownerAskerFor(notifyBus), func(kind string, detail map[string]any) {
		if server != nil {
			server.NotifyEmit(kind, detail)
		}
	}, logger)

	// AlgoChat Bridge needs a concrete Transport implementing the
	// recipient-addressed, append-only, per-message-paid chain/indexer
	// stack spec.md §4.5 describes only abstractly — no such SDK is wired
	// in this build, so the bridge stays disabled until one is supplied.
	if cfg.AlgoChat.Mnemonic != "" {
		logger.Warn("algochat mnemonic configured but no on-chain Transport is wired in this build — AlgoChat Bridge disabled")
	}

	gwCfg := cfg.ToGatewayConfig()
	server = gateway.NewServer(gwCfg, gateway.Deps{
		Stores:    stores,
		PM:        pm,
		Subs:      subs,
		Notify:    notifyBus,
		Dedup:     dedupSvc,
		Workflows: wfEngine,
	}, logger)
	server.SetSlackIngress(channels.NewSlackIngress(pm, logger))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go sched.Run(ctx)

	go func() {
		sig := <-sigCh
		logger.Info("graceful shutdown initiated", "signal", sig)
		pm.Shutdown()
		cancel()
	}()

	logger.Info("goclaw-orchestrator gateway starting",
		"version", Version,
		"addr", fmt.Sprintf("%s:%d", gwCfg.Host, gwCfg.Port),
		"workspace", workspace,
	)

	if err := server.Start(ctx); err != nil {
		logger.Error("gateway error", "error", err)
		os.Exit(1)
	}
}

// ownerCheckFor builds a procmgr.OwnerCheck from the configured owner
// address allowlist.
func ownerCheckFor(ownerIDs []string) procmgr.OwnerCheck {
	allowed := make(map[string]bool, len(ownerIDs))
	for _, id := range ownerIDs {
		allowed[id] = true
	}
	return func(address string) bool {
		return allowed[address]
	}
}

// ownerAskerFor adapts notify.Bus's AskOwnerApproval to scheduler.OwnerAsker,
// whose AskOwner method name the Bus doesn't itself satisfy (its own
// AskOwner returns a structured Response for the richer owner-ask flow).
func ownerAskerFor(bus *notify.Bus) scheduler.OwnerAsker {
	return ownerAskerAdapter{bus: bus}
}

type ownerAskerAdapter struct{ bus *notify.Bus }

func (a ownerAskerAdapter) AskOwner(ctx context.Context, question string, timeout time.Duration) (bool, error) {
	return a.bus.AskOwnerApproval(ctx, question, timeout)
}

// agentNamer resolves a display name for council transcripts from the
// agent directory, falling back to the raw id when the store has nothing.
func agentNamer(stores *store.Stores) council.AgentNamer {
	return func(ctx context.Context, agentID string) string {
		a, err := stores.Agents.GetAgent(ctx, agentID)
		if err != nil || a == nil || a.Name == "" {
			return agentID
		}
		return a.Name
	}
}

// buildNotifyChannels wires the notify.Bus fan-out destinations (spec.md
// §4.8) from configured per-agent destination maps.
func buildNotifyChannels(cfg *config.Config, pm *procmgr.Manager) []notify.Channel {
	var chs []notify.Channel
	if len(cfg.Channels.Discord.WebhookByAgent) > 0 {
		chs = append(chs, channels.NewDiscordChannel(cfg.Channels.Discord.WebhookByAgent))
	}
	if cfg.Channels.Telegram.BotToken != "" {
		chs = append(chs, channels.NewTelegramChannel(cfg.Channels.Telegram.BotToken, cfg.Channels.Telegram.ChatByAgent))
	}
	if cfg.Channels.Github.Token != "" {
		chs = append(chs, channels.NewGithubChannel(cfg.Channels.Github.Token, cfg.Channels.Github.IssueByAgent))
	}
	if cfg.Channels.Slack.BotToken != "" {
		chs = append(chs, channels.NewSlackChannel(cfg.Channels.Slack.BotToken, cfg.Channels.Slack.ChannelByAgent))
	}
	return chs
}
