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

	"golang.org/x/sync/errgroup"

	"github.com/harworth/field-sync/internal/api"
	"github.com/harworth/field-sync/internal/captures"
	"github.com/harworth/field-sync/internal/config"
	"github.com/harworth/field-sync/internal/connectivity"
	"github.com/harworth/field-sync/internal/logging"
	"github.com/harworth/field-sync/internal/store"
	"github.com/harworth/field-sync/internal/syncer"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("field-sync starting",
		slog.String("version", Version),
		slog.String("server", cfg.ServerURL),
		slog.String("device", cfg.DeviceName),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	scope, err := cfg.LoadScope()
	if err != nil {
		return fmt.Errorf("loading scope: %w", err)
	}

	if len(scope) > 0 {
		logger.Info("pull scope limited", slog.Int("inspections", len(scope)))
	}

	client := api.NewClient(&http.Client{}, cfg.ServerURL, cfg.DeviceName)

	s := syncer.New(syncer.Config{
		Store:  st,
		API:    client,
		Logger: logger,
		Scope:  scope,
	})

	monitor := connectivity.New(cfg.PresenceURL, cfg.DeviceName, logger)

	// Captures wake both halves: the monitor retries its dial sooner
	// and the sync loop runs a cycle.
	trigger := &syncTrigger{ch: make(chan struct{}, 1), monitor: monitor}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return monitor.Run(gctx)
	})

	if cfg.CapturesDir != "" {
		watcher := captures.NewWatcher(cfg.CapturesDir, st, trigger, logger)
		g.Go(func() error {
			return watcher.Watch(gctx)
		})
	} else {
		logger.Info("captures watcher disabled, FIELD_SYNC_CAPTURES_DIR not set")
	}

	g.Go(func() error {
		return runSyncLoop(gctx, cfg, s, monitor, trigger, logger)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("field-sync stopped")
		return nil
	}

	return err
}

// syncTrigger fans a capture notification out to the connectivity
// monitor and the sync loop. Extra nudges while one is pending are
// dropped.
type syncTrigger struct {
	ch      chan struct{}
	monitor *connectivity.Monitor
}

func (t *syncTrigger) Nudge() {
	t.monitor.Nudge()

	select {
	case t.ch <- struct{}{}:
	default:
	}
}

// runSyncLoop fires sync cycles on the interval ticker, on connectivity
// transitions to online, on new captures, and on SIGUSR1. A cycle
// already in flight absorbs overlapping triggers.
func runSyncLoop(ctx context.Context, cfg *config.Config, s *syncer.Syncer, monitor *connectivity.Monitor, trigger *syncTrigger, logger *slog.Logger) error {
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)

	ticker := time.NewTicker(cfg.SyncInterval)
	defer ticker.Stop()

	// One immediate cycle picks up whatever accumulated while the agent
	// was down.
	runCycle(ctx, s, logger, "startup")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			runCycle(ctx, s, logger, "interval")

		case state := <-monitor.Events():
			if state != connectivity.StateOnline {
				continue
			}

			runCycle(ctx, s, logger, "reconnect")

		case <-trigger.ch:
			runCycle(ctx, s, logger, "capture")

		case <-usr1:
			logger.Info("sync requested via SIGUSR1")
			runCycle(ctx, s, logger, "signal")
		}
	}
}

func runCycle(ctx context.Context, s *syncer.Syncer, logger *slog.Logger, trigger string) {
	res, err := s.Sync(ctx)

	switch {
	case errors.Is(err, syncer.ErrSyncInProgress):
		logger.Debug("sync already running, trigger absorbed", slog.String("trigger", trigger))

	case err != nil:
		logger.Warn("sync cycle error",
			slog.String("trigger", trigger),
			slog.String("error", err.Error()),
		)

	case res.Failed():
		logger.Warn("sync cycle finished with failures",
			slog.String("trigger", trigger),
			slog.Int("retained", res.Retained),
			slog.Int("errors", len(res.Errors)),
		)
	}
}
