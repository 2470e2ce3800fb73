package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinyland-inc/relayclaw/cmd/relayclaw/internal"
	"github.com/tinyland-inc/relayclaw/pkg/admin"
	"github.com/tinyland-inc/relayclaw/pkg/bus"
	"github.com/tinyland-inc/relayclaw/pkg/channels"
	"github.com/tinyland-inc/relayclaw/pkg/config"
	"github.com/tinyland-inc/relayclaw/pkg/health"
	"github.com/tinyland-inc/relayclaw/pkg/logger"
	"github.com/tinyland-inc/relayclaw/pkg/poller"
	"github.com/tinyland-inc/relayclaw/pkg/relay"
	"github.com/tinyland-inc/relayclaw/pkg/retry"
)

const shutdownTimeout = 10 * time.Second

// RetryPolicy builds the delivery retry policy from config.
func RetryPolicy(cfg *config.Config) retry.Policy {
	policy := retry.Policy{
		MaxAttempts: cfg.Relay.MaxAttempts,
		Delay:       cfg.RetryDelay(),
	}
	if cfg.Relay.LinearBackoff {
		policy.Backoff = retry.Linear(cfg.RetryDelay())
	}
	return policy
}

func gatewayCmd(debug bool) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
		fmt.Println("🔍 Debug mode enabled")
	}

	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if cfg.Telegram.Token == "" {
		return errors.New("telegram.token is not set; run `relayclaw auth` or set RELAYCLAW_TELEGRAM_TOKEN")
	}

	lock, err := internal.LockDataDir(cfg)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	stores, err := internal.OpenStores(cfg)
	if err != nil {
		return err
	}

	msgBus := bus.NewMessageBus()

	telegram, err := channels.NewTelegramChannel(cfg.Telegram, msgBus)
	if err != nil {
		return fmt.Errorf("error creating telegram channel: %w", err)
	}
	telegram.SetChannelPosts(cfg.PushEnabled())

	dispatcher := relay.NewDispatcher(relay.DispatcherConfig{
		Transport:   telegram,
		Settings:    stores.Settings,
		Rules:       stores.Rules,
		Cursors:     stores.Cursors,
		Bus:         msgBus,
		Meter:       relay.NewMeterStore(),
		Policy:      RetryPolicy(cfg),
		AutoDisable: cfg.Relay.AutoDisable,
	})
	engine := relay.NewEngine(dispatcher, msgBus, stores.Settings, stores.Cursors, relay.EngineOptions{
		SendInterval:  cfg.SendInterval(),
		GapPolicy:     cfg.Relay.GapPolicy,
		RetryInterval: cfg.PollInterval(),
	})

	handler := admin.NewHandler(admin.Options{
		Authorizer: telegram,
		Resolver:   telegram,
		Settings:   stores.Settings,
		Rules:      stores.Rules,
		Cursors:    stores.Cursors,
		Meter:      dispatcher.Meter(),
		Pending:    engine.Pending,

		DroppedAlerts: msgBus.DroppedAlerts,
	})
	telegram.SetCommandHandler(handler.HandleText)

	notifier := relay.NewNotifier(telegram, msgBus, cfg.Telegram.Admins)

	snap := stores.Settings.Snapshot()
	fmt.Printf("\n%s Relay status:\n", internal.Logo)
	fmt.Printf("  • Mode: %s\n", cfg.Relay.Mode)
	fmt.Printf("  • Sources: %d\n", len(snap.Sources))
	if snap.Target != nil {
		fmt.Printf("  • Target: %s\n", snap.Target)
	} else {
		fmt.Println("  • Target: not set")
	}
	fmt.Printf("  • Forwarding: %v\n", snap.Enabled)
	fmt.Printf("  • Replacements: %d\n", stores.Rules.Snapshot().Len())
	if len(cfg.Telegram.Admins) == 0 {
		fmt.Println("⚠ Warning: telegram.admins is empty; every admin command will be refused")
	}

	logger.InfoCF("gateway", "Relay initialized", map[string]any{
		"mode":       cfg.Relay.Mode,
		"sources":    len(snap.Sources),
		"enabled":    snap.Enabled,
		"data_dir":   cfg.DataPath(),
		"gap_policy": cfg.Relay.GapPolicy,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := telegram.Start(ctx); err != nil {
		return fmt.Errorf("error starting telegram: %w", err)
	}
	if cfg.PushEnabled() {
		fmt.Println("✓ Telegram listener started (channel posts + admin commands)")
	} else {
		fmt.Println("✓ Telegram listener started (admin commands only)")
	}

	var workers errgroup.Group
	workers.Go(func() error { return engine.Run(ctx) })
	workers.Go(func() error { return notifier.Run(ctx) })
	workers.Go(func() error {
		if err := stores.Rules.Watch(ctx); err != nil {
			logger.WarnCF("gateway", "Replacement file watcher disabled", map[string]any{"error": err.Error()})
		}
		return nil
	})
	fmt.Println("✓ Forwarding worker started")

	if cfg.PullEnabled() {
		p := poller.New(
			poller.NewWebPreviewFetcher(cfg.Relay.PreviewBaseURL, nil),
			stores.Settings,
			stores.Cursors,
			msgBus,
			poller.Options{
				Interval:    cfg.PollInterval(),
				Concurrency: cfg.Relay.PollConcurrency,
				MaxBatch:    cfg.Relay.MaxBatch,
				AlertAfter:  cfg.Relay.PollAlertAfter,
			},
		)
		workers.Go(func() error { return p.Run(ctx) })
		fmt.Printf("✓ Poller started (every %s)\n", cfg.PollInterval())
	}

	healthServer := health.NewServer(cfg.Gateway.Host, cfg.Gateway.Port)
	healthServer.SetReady(true)
	healthServer.RegisterCheck("forwarding_worker", func() error {
		if !engine.IsRunning() {
			return errors.New("not running")
		}
		return nil
	})
	healthServer.RegisterCheck("telegram", func() error {
		if !telegram.IsRunning() {
			return errors.New("not running")
		}
		return nil
	})
	go func() {
		if err := healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("health", "Health server error", map[string]any{"error": err.Error()})
		}
	}()
	fmt.Printf("✓ Health endpoints available at http://%s:%d/health and /ready\n", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	healthServer.SetReady(false)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()

	// Stop ingestion first so the worker is not handed new items, then let
	// the in-flight delivery finish.
	if err := telegram.Stop(stopCtx); err != nil {
		logger.WarnCF("gateway", "Telegram listener did not stop cleanly", map[string]any{"error": err.Error()})
	}
	cancel()
	_ = workers.Wait()
	msgBus.Close()
	_ = healthServer.Stop(stopCtx)

	if err := stores.Cursors.Persist(); err != nil {
		logger.ErrorCF("gateway", "Failed to persist cursors", map[string]any{"error": err.Error()})
	}
	fmt.Println("✓ Gateway stopped")

	return nil
}
