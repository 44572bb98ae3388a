package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/app/registry"
	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/app/server"
	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/app/worker"
	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/config"
	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/core/services"
	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/platform/logger"
	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/platform/telemetry"
	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/plugins/postgres"
	redisPlugin "github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/plugins/redis"
)

func main() {
	// Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Config
	cfg := config.Load()

	// Logger
	log := logger.NewLogger(*cfg)
	log.Info("starting application")

	otelShutdown, err := telemetry.InitTelemetry(ctx, *cfg)
	if err != nil {
		log.Error("failed to initialize telemetry", "err", err)
	}
	defer func() {
		if otelShutdown == nil {
			return
		}
		log.Info("flushing telemetry...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			log.Error("telemetry shutdown failed", "err", err)
		}
	}()

	// Infra
	var pdb *sql.DB
	if pdb, err = postgres.New(ctx, *cfg.Postgres); err != nil {
		log.Error("postgres connection failed", "DSN", cfg.Postgres.DSN, "err", err)
		return
	}
	defer pdb.Close()
	log.Info("postgres connected")

	migration, err := postgres.Migrate(pdb)
	if err != nil {
		log.Error("migrations failed", "err", err)
		return
	}
	log.Info("migrations applied", "version", migration.Version, "changed", migration.Changed)

	var rdb *redis.Client
	if rdb, err = redisPlugin.NewRedisClient(ctx, *cfg.Redis); err != nil {
		log.Error("redis connection failed", "url", cfg.Redis.URL, "err", err)
		return
	}
	defer rdb.Close()
	log.Info("redis connected")

	// Adapters
	receiptStore := postgres.NewReceiptStore(pdb)
	presenceStore := postgres.NewPresenceStore(pdb)
	txManager := postgres.NewTxManager(pdb)
	channel := redisPlugin.NewBroadcaster(log, rdb)

	// Core services
	clk := clock.New()
	hub := registry.NewRegistry()
	tokenSvc := services.NewTokenService(cfg.SecretToken)
	typingSvc := services.NewTypingService(log, clk, channel, cfg.Realtime.TypingTimeout)
	receiptSvc := services.NewReceiptService(log, clk, receiptStore, channel, txManager, services.ReceiptConfig{
		Debounce:   cfg.Realtime.ReadDebounce,
		BatchSize:  cfg.Realtime.BatchSize,
		BatchDelay: cfg.Realtime.BatchDelay,
	})
	presenceSvc := services.NewPresenceService(log, clk, presenceStore, channel, services.PresenceConfig{
		HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
		AwayThreshold:     cfg.Realtime.AwayThreshold,
		OfflineThreshold:  cfg.Realtime.OfflineThreshold,
		StatsRefresh:      cfg.Realtime.StatsRefresh,
	})
	manager := services.NewRealtimeManager(log, clk, channel, typingSvc, receiptSvc, presenceSvc)
	if err := manager.Start(ctx); err != nil {
		log.Error("realtime manager start failed", "err", err)
		return
	}
	defer manager.Stop()

	// Server and maintenance worker
	srv := server.NewServer(cfg.Service.Addr, log, tokenSvc, manager, typingSvc, receiptSvc, presenceSvc, hub)
	maint := worker.NewMaintenanceWorker(log, clk, *cfg.Realtime, manager, receiptSvc, presenceSvc)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := maint.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("application stopped with error", "err", err)
		return
	}
	log.Info("application stopped")
}
