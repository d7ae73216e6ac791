package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/gridwave/sched-sync/internal/config"
	scherr "github.com/gridwave/sched-sync/internal/errors"
	"github.com/gridwave/sched-sync/internal/logging"
	"github.com/gridwave/sched-sync/internal/sched"
	"github.com/gridwave/sched-sync/internal/state"
)

var Version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println(Version)
		return
	}

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
	logger.Info("sched-sync starting",
		slog.String("version", Version),
		slog.String("entity_id", cfg.EntityID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	snapshots, err := state.Open(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("opening snapshot store: %w", err)
	}
	defer snapshots.Close()

	// Surface the last-known grid before the first round trip completes.
	if schedules, mode, err := snapshots.Grid(cfg.EntityID); err == nil && schedules != nil {
		logger.Info("loaded snapshot",
			slog.String("entity_id", cfg.EntityID),
			slog.String("mode", mode),
			slog.Int("modes", len(schedules)),
		)
	}

	channel := sched.NewWSChannel(cfg.ServerURL, cfg.AccessToken, logging.ForComponent(logger, "transport"))
	defer channel.Close()

	client := sched.NewClient(sched.Config{
		Channel:              channel,
		EntityID:             cfg.EntityID,
		InitialBackoff:       cfg.InitialBackoff,
		MaxBackoff:           cfg.MaxBackoff,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		LivenessInterval:     cfg.LivenessInterval,
		ConfirmGracePeriod:   cfg.ConfirmGracePeriod,
		Store:                snapshots,
	}, logging.ForComponent(logger, "sync"))

	tailEvents(client, logger)

	terminal := make(chan struct{})
	client.OnStatus(func(status sched.ConnectionStatus) {
		logger.Info("connection status",
			slog.Bool("connected", status.Connected),
			slog.Bool("reconnecting", status.Reconnecting),
			slog.String("error", status.Err),
		)
		if !status.Connected && !status.Reconnecting && status.Err != "" {
			// Retry ceiling reached; nothing more will happen without
			// an explicit reconnect, so shut down.
			select {
			case <-terminal:
			default:
				close(terminal)
			}
		}
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		client.Connect(gctx)
		defer client.Disconnect()

		if _, err := client.FetchGrid(gctx); err != nil {
			logger.Warn("initial grid fetch failed", slog.String("error", err.Error()))
		}

		select {
		case <-gctx.Done():
			return gctx.Err()
		case <-terminal:
			return scherr.ErrMaxReconnects
		}
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("sched-sync stopped")
		return nil
	}

	return err
}

// tailEvents logs every sync event so a dashboard-less deployment still
// has an audit trail of schedule churn.
func tailEvents(client *sched.Client, logger *slog.Logger) {
	client.OnEvent(sched.EventScheduleUpdated, func(ev sched.SyncEvent) {
		logger.Info("schedule updated",
			slog.String("entity_id", ev.EntityID),
			slog.String("mode", ev.Mode),
			slog.Int("changes", len(ev.Changes)),
			slog.Bool("optimistic", ev.Optimistic),
			slog.Bool("rollback", ev.Rollback),
			slog.Bool("conflict", ev.Conflict),
		)
	})

	client.OnEvent(sched.EventPresenceChanged, func(ev sched.SyncEvent) {
		logger.Info("presence changed",
			slog.String("entity_id", ev.EntityID),
			slog.String("old_mode", ev.OldMode),
			slog.String("new_mode", ev.NewMode),
		)
	})
}
