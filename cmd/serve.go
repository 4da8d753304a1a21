package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/chatalloc/internal/allocator"
	"github.com/nextlevelbuilder/chatalloc/internal/bus"
	"github.com/nextlevelbuilder/chatalloc/internal/config"
	"github.com/nextlevelbuilder/chatalloc/internal/directory"
	httpapi "github.com/nextlevelbuilder/chatalloc/internal/http"
	"github.com/nextlevelbuilder/chatalloc/internal/store"
	"github.com/nextlevelbuilder/chatalloc/internal/store/pg"
	"github.com/nextlevelbuilder/chatalloc/internal/store/sqlite"
	"github.com/nextlevelbuilder/chatalloc/internal/sweeper"
	"github.com/nextlevelbuilder/chatalloc/internal/telemetry"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the allocation service",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("failed to set up telemetry", "error", err)
		os.Exit(1)
	}

	stores, err := openStores(cfg)
	if err != nil {
		slog.Error("failed to open stores", "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	dir := directory.New(
		cfg.Directory.BaseURL,
		cfg.Directory.AppID,
		cfg.Directory.SecretKey,
		cfg.Directory.DivisionID,
		time.Duration(cfg.Directory.TimeoutSec)*time.Second,
	)

	events := bus.NewMessageBus()
	events.Subscribe("log", func(e bus.Event) {
		slog.Debug("allocation event", "event", e.Name, "payload", e.Payload)
	})

	engine := allocator.New(stores.Rooms, stores.Load, stores.Guard, dir, events, cfg.Allocation.ToEngineOptions())
	defer engine.Close()

	// Hot-reload allocation tunables on config file changes.
	stopWatch, err := config.Watch(cfgPath, func(fresh *config.Config) {
		engine.SetOptions(fresh.Allocation.ToEngineOptions())
	})
	if err != nil {
		slog.Warn("config watch disabled", "error", err)
	} else {
		defer stopWatch()
	}

	sweep, err := sweeper.New(engine, cfg.Allocation.SweepSchedule)
	if err != nil {
		slog.Error("invalid sweep schedule", "error", err)
		os.Exit(1)
	}

	limiter := httpapi.NewWebhookRateLimiter(cfg.Server.RateLimitRPM)
	server := httpapi.NewServer(
		cfg.Server.Host,
		cfg.Server.Port,
		httpapi.NewWebhooksHandler(engine, limiter),
		httpapi.NewRoomsHandler(stores.Rooms, dir, cfg.Server.Token),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.ListenAndServe)
	g.Go(func() error {
		sweep.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown error", "error", err)
		}
		return shutdownTelemetry(shutdownCtx)
	})

	slog.Info("chatalloc started",
		"version", Version,
		"mode", cfg.Database.Mode,
		"capacity_limit", cfg.Allocation.MaxCustomers,
	)
	if err := g.Wait(); err != nil {
		slog.Error("service stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("chatalloc stopped")
}

func openStores(cfg *config.Config) (*store.Stores, error) {
	storeCfg := store.StoreConfig{
		PostgresDSN: cfg.Database.PostgresDSN,
		SQLitePath:  cfg.Database.SQLitePath,
	}
	if cfg.IsManagedMode() {
		return pg.NewPGStores(storeCfg)
	}
	return sqlite.NewSQLiteStores(storeCfg)
}
