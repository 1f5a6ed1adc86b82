package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/clawgate/internal/admission"
	"github.com/nextlevelbuilder/clawgate/internal/agent"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/channels/discord"
	"github.com/nextlevelbuilder/clawgate/internal/channels/telegram"
	"github.com/nextlevelbuilder/clawgate/internal/channels/web"
	"github.com/nextlevelbuilder/clawgate/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/heartbeat"
	"github.com/nextlevelbuilder/clawgate/internal/scheduler"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/internal/store"
	"github.com/nextlevelbuilder/clawgate/internal/telemetry"
)

// Inbound dedupe sizing: webhook retries and reconnect replays arrive within
// minutes, not hours.
const (
	dedupeTTL = 10 * time.Minute
	dedupeMax = 10000
)

func runGateway() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}

	// Persistent state.
	stateDir := cfg.StateDirPath()
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		slog.Error("cannot create state dir", "dir", stateDir, "error", err)
		os.Exit(1)
	}
	allowStore := store.NewAllowFromStore(stateDir)
	pairingStore := store.NewPairingStore(stateDir)
	convRefs := store.NewConvRefStore(stateDir)
	sessStore := store.NewSessionStore(stateDir)

	// Core plumbing.
	msgBus := bus.NewMessageBus()
	diagBus := bus.NewDiagnosticsBus()
	dedupe := bus.NewDedupeCache(dedupeTTL, dedupeMax)

	manager := channels.NewManager(time.Duration(cfg.Gateway.DrainTimeoutSec) * time.Second)
	breakers := registerAdapters(cfg, msgBus, diagBus, convRefs, manager)

	// Admission: pairing replies go out through the channel manager.
	pairing := admission.NewPairing(pairingStore, allowStore, manager)
	ctrl := admission.NewController(cfg, dedupe, allowStore, pairing, diagBus, connectedAtFunc(manager))

	router := sessions.NewRouter(cfg)
	runner := agent.EchoRunner{}

	turn := makeTurnFunc(cfg, manager, breakers, diagBus, runner, sessStore)
	sched := scheduler.New(turn, diagBus, scheduler.Options{
		MaxConcurrentTurns: cfg.Gateway.MaxConcurrentTurns,
		LaneIdleAfter:      time.Duration(cfg.Gateway.LaneIdleSec) * time.Second,
		StuckThreshold:     time.Duration(cfg.Gateway.StuckThresholdSec) * time.Second,
		StuckGrace:         time.Duration(cfg.Gateway.StuckGraceSec) * time.Second,
		DebounceWindow:     cfg.DebounceWindowMs,
	})
	sched.Start(ctx)

	// Hot reload starts only after the initial wiring has read the config,
	// so startup reads never race with a reload.
	stopWatch, err := config.Watch(cfgPath, cfg)
	if err != nil {
		slog.Warn("config hot reload unavailable", "error", err)
	} else {
		defer stopWatch()
	}

	if err := manager.StartAll(ctx); err != nil {
		slog.Error("channel startup failed", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		consumeInbound(gctx, msgBus, ctrl, router, sched, manager)
		return nil
	})

	if cfg.Heartbeat.HeartbeatEnabled() {
		hb, hbErr := heartbeat.New(cfg.Heartbeat.Schedule, diagBus, sched)
		if hbErr != nil {
			slog.Error("heartbeat disabled", "error", hbErr)
		} else {
			g.Go(func() error { return hb.Run(gctx) })
		}
	}

	slog.Info("gateway running", "channels", manager.Names(), "state_dir", stateDir)
	<-gctx.Done()

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_ = manager.StopAll(shutdownCtx)
	msgBus.Close()
	sched.Shutdown()
	_ = g.Wait()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}
	slog.Info("gateway stopped")
}

// registerAdapters builds the enabled channel adapters and one circuit
// breaker per adapter.
func registerAdapters(cfg *config.Config, msgBus *bus.MessageBus, diagBus *bus.DiagnosticsBus, convRefs *store.ConvRefStore, manager *channels.Manager) map[string]*channels.Breaker {
	breakers := make(map[string]*channels.Breaker)

	register := func(ch channels.Channel, br *channels.Breaker) {
		manager.Register(ch)
		breakers[ch.Name()] = br
	}

	if tg := cfg.Channels.Telegram; tg.Enabled {
		ch, err := telegram.New(tg, msgBus)
		if err != nil {
			slog.Error("telegram adapter disabled", "error", err)
		} else {
			register(ch, channels.NewBreaker("telegram", breakerOptions(&tg.ChannelCommon), diagBus))
		}
	}
	if dc := cfg.Channels.Discord; dc.Enabled {
		ch, err := discord.New(dc, msgBus)
		if err != nil {
			slog.Error("discord adapter disabled", "error", err)
		} else {
			register(ch, channels.NewBreaker("discord", breakerOptions(&dc.ChannelCommon), diagBus))
		}
	}
	if wa := cfg.Channels.WhatsApp; wa.Enabled {
		// The WhatsApp breaker is shared with the adapter so bridge connect
		// failures count toward opening it.
		br := channels.NewBreaker("whatsapp", breakerOptions(&wa.ChannelCommon), diagBus)
		ch, err := whatsapp.New(wa, msgBus, br)
		if err != nil {
			slog.Error("whatsapp adapter disabled", "error", err)
		} else {
			register(ch, br)
		}
	}
	if wb := cfg.Channels.Web; wb.Enabled {
		register(web.New(wb, msgBus, diagBus, convRefs), channels.NewBreaker("web", breakerOptions(&wb.ChannelCommon), diagBus))
	}

	return breakers
}

func breakerOptions(common *config.ChannelCommon) channels.BreakerOptions {
	var opts channels.BreakerOptions
	if common == nil || common.Breaker == nil {
		return opts
	}
	b := common.Breaker
	opts.FailureThreshold = b.FailureThreshold
	opts.BackoffBase = time.Duration(b.BackoffBaseMs) * time.Millisecond
	opts.BackoffCap = time.Duration(b.BackoffCapMs) * time.Millisecond
	return opts
}

// connectedAtFunc exposes adapter connect times to admission for historical
// backlog suppression.
func connectedAtFunc(manager *channels.Manager) admission.ConnectedAtFunc {
	return func(channel string) time.Time {
		ch, ok := manager.Get(channel)
		if !ok {
			return time.Time{}
		}
		if c, ok := ch.(interface{ ConnectedAt() time.Time }); ok {
			return c.ConnectedAt()
		}
		return time.Time{}
	}
}
