package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/config"
	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/core/services"
)

// MaintenanceWorker runs the periodic background passes that keep
// presence and read state honest: staleness sweeps, stats refresh,
// read-count resync and channel health probes.
type MaintenanceWorker struct {
	log      *slog.Logger
	clock    clock.Clock
	cfg      config.RealtimeConfig
	manager  *services.RealtimeManager
	receipts *services.ReceiptService
	presence *services.PresenceService
}

func NewMaintenanceWorker(
	log *slog.Logger,
	clk clock.Clock,
	cfg config.RealtimeConfig,
	manager *services.RealtimeManager,
	receipts *services.ReceiptService,
	presence *services.PresenceService,
) *MaintenanceWorker {
	return &MaintenanceWorker{
		log:      log,
		clock:    clk,
		cfg:      cfg,
		manager:  manager,
		receipts: receipts,
		presence: presence,
	}
}

// Run blocks until ctx is cancelled. Each pass runs on its own ticker so
// a slow sweep never delays a health probe.
func (w *MaintenanceWorker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.loop(ctx, "presence sweep", w.cfg.SweepInterval, w.presence.SweepOnce)
	})
	g.Go(func() error {
		return w.loop(ctx, "stats refresh", w.cfg.StatsRefresh, w.presence.RefreshStats)
	})
	g.Go(func() error {
		return w.loop(ctx, "read resync", w.cfg.ResyncInterval, w.receipts.ResyncOnce)
	})
	g.Go(func() error {
		return w.loop(ctx, "health probe", w.cfg.HealthInterval, func(ctx context.Context) error {
			w.manager.ProbeHealth(ctx)
			return nil
		})
	})

	return g.Wait()
}

func (w *MaintenanceWorker) loop(ctx context.Context, name string, every time.Duration, pass func(ctx context.Context) error) error {
	ticker := w.clock.Ticker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.InfoContext(ctx, "worker - "+name+" - stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := pass(ctx); err != nil {
				w.log.ErrorContext(ctx, "worker - "+name+" - pass failed", "err", err)
			}
		}
	}
}
