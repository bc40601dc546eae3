// Command autopilot runs the channel session manager: it bridges a chat
// platform to per-channel coding-agent sessions with policy-gated tool use.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	metricsdk "go.opentelemetry.io/otel/sdk/metric"

	"github.com/basket/autopilot/internal/audit"
	"github.com/basket/autopilot/internal/approval"
	"github.com/basket/autopilot/internal/bus"
	"github.com/basket/autopilot/internal/chat"
	"github.com/basket/autopilot/internal/chat/discord"
	"github.com/basket/autopilot/internal/commands"
	"github.com/basket/autopilot/internal/config"
	"github.com/basket/autopilot/internal/grants"
	"github.com/basket/autopilot/internal/metrics"
	"github.com/basket/autopilot/internal/redact"
	"github.com/basket/autopilot/internal/session"
	"github.com/basket/autopilot/internal/store"
	"github.com/basket/autopilot/internal/telemetry"
	"github.com/basket/autopilot/internal/workspace"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	loadDotEnv(".env")

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	scanner := redact.NewScanner(os.Environ())
	scanner.AddValue(cfg.PlatformToken)
	scanner.AddValue(cfg.HostToken)

	logger, logCloser, err := telemetry.NewLogger(cfg.BaseRoot, cfg.LogLevel, false, scanner)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	logger.Info("starting", "version", Version, "base_root", cfg.BaseRoot)

	if err := audit.Init(cfg.BaseRoot, scanner); err != nil {
		logger.Error("audit init failed", "error", err)
		os.Exit(1)
	}
	defer audit.Close()

	db, err := store.Open(cfg.StorePath(), logger)
	if err != nil {
		logger.Error("durable store open failed", "error", err)
		os.Exit(1)
	}

	grantStore := grants.New(db, logger)
	eventBus := bus.New(logger)
	git := workspace.NewGit(cfg.HostToken)
	ws := workspace.NewManager(git, cfg.WorkspacesRoot(), cfg.ReposRoot(), cfg.DefaultBranch, logger)

	meterProvider := metricsdk.NewMeterProvider()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = meterProvider.Shutdown(shutdownCtx)
	}()
	instruments, err := metrics.New(meterProvider.Meter("autopilot"))
	if err != nil {
		logger.Error("metrics init failed", "error", err)
		os.Exit(1)
	}

	client, err := discord.New(cfg.PlatformToken, logger)
	if err != nil {
		logger.Error("chat client init failed", "error", err)
		os.Exit(1)
	}

	// The approver needs the admin check, which lives on the manager; bind
	// late through the pointer.
	var mgr *session.Manager
	approver := approval.New(client, git, scanner, func(ctx context.Context, channelID, userID string) bool {
		return mgr != nil && mgr.IsAdmin(ctx, channelID, userID)
	}, logger)
	approver.AutoApprove = cfg.AutoApprovePush

	mgr = session.NewManager(session.Deps{
		Config:   cfg,
		Store:    db,
		Grants:   grantStore,
		Msgr:     client,
		Factory:  newAgentFactory(logger),
		WS:       ws,
		Approver: approver,
		Bus:      eventBus,
		Metrics:  instruments,
		Scanner:  scanner,
		Logger:   logger,
	})

	cmdHandler := commands.NewHandler(cfg, mgr, db, grantStore, ws, scanner, logger)
	client.OnPrompt = mgr.HandlePrompt
	client.OnCommand = func(ctx context.Context, inv discord.CommandInvocation) {
		reply := cmdHandler.Handle(ctx, commands.Request{
			Name:      inv.Name,
			ChannelID: inv.ChannelID,
			UserID:    inv.UserID,
			Options:   inv.Options,
		})
		if err := inv.Reply(reply, true); err != nil {
			logger.Warn("command reply failed", "command", inv.Name, "error", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Boot order: recover durable state before any platform event arrives.
	if err := mgr.Bootstrap(ctx); err != nil {
		logger.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
	if err := mgr.StartSweeps(); err != nil {
		logger.Error("sweeps failed to start", "error", err)
		os.Exit(1)
	}

	if err := client.Start(); err != nil {
		logger.Error("chat login failed", "error", err)
		os.Exit(1)
	}
	if err := client.RegisterCommands(commandDefs()); err != nil {
		logger.Warn("slash command registration failed", "error", err)
	}

	watcher := config.NewWatcher(cfg.BaseRoot, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				fresh, err := config.Load()
				if err != nil {
					logger.Warn("config reload rejected", "error", err)
					continue
				}
				mgr.UpdateAllowlists(session.Allowlists{
					Guilds:   fresh.GuildAllowlist,
					Channels: fresh.ChannelAllowlist,
					DMUsers:  fresh.DMUserAllowlist,
				})
				logger.Info("allowlists reloaded")
			}
		}()
	}

	logger.Info("ready")
	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Force-exit if the graceful path wedges.
	watchdog := time.AfterFunc(cfg.ShutdownTimeout, func() {
		fmt.Fprintln(os.Stderr, "shutdown watchdog fired, exiting unclean")
		os.Exit(1)
	})
	defer watchdog.Stop()

	offlineCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if cfg.AdminChannelID != "" {
		_, _ = client.Send(offlineCtx, cfg.AdminChannelID, "Going offline for shutdown.")
	}
	cancel()

	if err := client.Close(); err != nil {
		logger.Warn("chat client close", "error", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	mgr.Shutdown(shutdownCtx)
	cancel()
	if err := db.Close(); err != nil {
		logger.Warn("store close", "error", err)
	}
	logger.Info("shutdown complete")
}

// commandDefs declares the admin slash-command surface.
func commandDefs() []*discordgo.ApplicationCommand {
	modeChoices := []*discordgo.ApplicationCommandOptionChoice{
		{Name: "read-only", Value: "ro"},
		{Name: "read-write", Value: "rw"},
	}
	return []*discordgo.ApplicationCommand{
		{
			Name: "grant", Description: "Grant the agent time-bounded access to a path",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "path", Description: "Absolute path", Required: true},
				{Type: discordgo.ApplicationCommandOptionString, Name: "mode", Description: "Access mode", Required: true, Choices: modeChoices},
				{Type: discordgo.ApplicationCommandOptionInteger, Name: "ttl", Description: "Minutes until expiry (default 60)"},
			},
		},
		{
			Name: "revoke", Description: "Revoke a path grant",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "path", Description: "Granted path", Required: true},
			},
		},
		{Name: "reset", Description: "Destroy this channel's session and workspace"},
		{
			Name: "stop", Description: "Abort the running task",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionBoolean, Name: "clear_queue", Description: "Also clear queued tasks"},
			},
		},
		{Name: "pause", Description: "Pause queue processing"},
		{Name: "resume", Description: "Resume queue processing"},
		{
			Name: "set-repo", Description: "Point this channel at a repository",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "repo", Description: "owner/repo or hosting URL", Required: true},
			},
		},
		{
			Name: "set-branch", Description: "Set the base branch for this channel",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "name", Description: "Branch name", Required: true},
			},
		},
		{
			Name: "set-model", Description: "Hot-swap the agent model",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "id", Description: "Model identifier", Required: true},
			},
		},
		{
			Name: "responder", Description: "Allow a user to answer agent questions here",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "user", Description: "User id", Required: true},
				{Type: discordgo.ApplicationCommandOptionBoolean, Name: "remove", Description: "Remove instead of add"},
			},
		},
		{Name: "config", Description: "Show the current configuration"},
	}
}

// loadDotEnv loads KEY=VALUE pairs from a local .env file without
// overriding variables already set in the environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.Trim(strings.TrimSpace(v), `"'`)
		if k != "" && os.Getenv(k) == "" {
			_ = os.Setenv(k, v)
		}
	}
}

var _ chat.Messenger = (*discord.Client)(nil)
