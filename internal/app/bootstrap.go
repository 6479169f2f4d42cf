package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"collswap/internal/api"
	"collswap/internal/chainsync"
	"collswap/internal/domain"
	"collswap/internal/engine"
	"collswap/internal/infra"
	"collswap/internal/infra/chainfeed"
	"collswap/internal/infra/relay"
	"collswap/internal/infra/storage"
	"collswap/internal/service"
	"collswap/internal/settlement"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const shutdownTimeout = 5 * time.Second

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	ConfigPath string

	Config   *infra.Config
	Storage  *storage.Storage
	Metrics  *infra.Metrics
	Registry *prometheus.Registry
	Syncer   *chainsync.Syncer
	Feed     domain.EventFeed
	Backfill domain.Backfiller
	Service  *service.OrderService
	Router   *gin.Engine
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap(configPath string) *Bootstrap {
	return &Bootstrap{ConfigPath: configPath}
}

// Initialize loads config, installs the logger and opens the store.
func (b *Bootstrap) Initialize() error {
	// 1. Load Config
	cfg, err := infra.LoadConfig(b.ConfigPath)
	if err != nil {
		return err
	}
	b.Config = cfg

	// 2. Setup Logger
	slog.SetDefault(infra.NewLogger(cfg))
	slog.Info("🚀 Bootstrapping order book", slog.String("config", b.ConfigPath))

	// 3. Initialize Storage (DB)
	store, err := storage.NewStorage(cfg.Database.Path)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Database initialized")
	return nil
}

// Wire builds every component on top of an initialized Bootstrap.
func (b *Bootstrap) Wire() error {
	if b.Config == nil || b.Storage == nil {
		return errors.New("bootstrap: Initialize must run before Wire")
	}
	cfg := b.Config

	// Metrics
	b.Metrics = infra.GlobalMetrics
	b.Registry = prometheus.NewRegistry()
	b.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := b.Metrics.Register(b.Registry); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	// Settlement
	matcher := engine.NewMatcher(b.Storage)
	var settler service.Settler
	if cfg.ContractConfigured() {
		gateway := relay.NewClient(cfg)
		settler = settlement.NewBridge(b.Storage, gateway, cfg.SettlementTimeout(), b.Metrics)
		slog.Info("✅ Settlement gateway configured", slog.String("gateway", cfg.Settlement.GatewayURL))
	} else {
		slog.Warn("Settlement gateway not configured, fills are disabled")
	}

	// Chain sync
	opts := chainsync.Options{
		KnownTokens: cfg.Chain.KnownTokens,
		FeedName:    cfg.Chain.Feed,
		Metrics:     b.Metrics,
	}
	if cfg.Chain.RestURL != "" {
		b.Backfill = chainfeed.NewRESTBackfill(cfg.Chain.RestURL, b.Metrics)
		opts.Backfill = b.Backfill
	}
	b.Syncer = chainsync.NewSyncer(cfg.Chain.InboxSize, b.Storage, opts)

	switch cfg.Chain.Feed {
	case infra.FeedWebSocket:
		b.Feed = chainfeed.NewWSFeed(cfg.Chain.WSURL, b.Syncer.Inbox(), b.Metrics)
	case infra.FeedNATS:
		b.Feed = chainfeed.NewNATSFeed(cfg.Chain.NATSURL, cfg.Chain.NATSSubject, b.Syncer.Inbox(), b.Metrics)
	}

	// Service + HTTP
	b.Service = service.NewOrderService(b.Storage, matcher, settler, b.Syncer, b.Metrics)
	gin.SetMode(gin.ReleaseMode)
	handler := api.NewHandler(b.Service, b.Registry)
	if cfg.Chain.WebhookSecret != "" {
		handler.SetIngest(chainfeed.NewWebhook(cfg.Chain.WebhookSecret, b.Syncer.Inbox(), b.Metrics).Handle)
		slog.Info("✅ Chain push endpoint enabled")
	}
	b.Router = api.NewRouter(handler, api.NewHTTPMetrics(b.Registry))
	return nil
}

// Serve starts the sync loop, the feed and the HTTP server, and blocks
// until ctx is cancelled or the server fails.
func (b *Bootstrap) Serve(ctx context.Context) error {
	last, err := b.Syncer.Prime(ctx)
	if err != nil {
		return err
	}
	go b.Syncer.Run(ctx)

	if b.Backfill != nil {
		go func() {
			report, err := b.Syncer.TriggerSync(ctx)
			if err != nil {
				slog.Warn("Startup backfill failed", slog.Any("error", err))
				return
			}
			slog.Info("✅ Startup backfill done",
				slog.Int("applied", report.Applied),
				slog.Uint64("last_seq", report.LastSeq))
		}()
	}

	if b.Feed != nil {
		if err := b.Feed.Start(ctx, last+1); err != nil {
			slog.Error("Failed to start chain feed", slog.String("feed", b.Feed.Name()), slog.Any("error", err))
		} else {
			defer b.Feed.Stop()
			slog.Info("✅ Chain feed started", slog.String("feed", b.Feed.Name()), slog.Uint64("from_seq", last+1))
		}
	}

	srv := &http.Server{
		Addr:              b.Config.HTTP.Addr,
		Handler:           b.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	slog.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Close releases the store.
func (b *Bootstrap) Close() {
	if b.Storage == nil {
		return
	}
	if err := b.Storage.Close(); err != nil {
		slog.Error("Failed to close storage", slog.Any("error", err))
	}
}
