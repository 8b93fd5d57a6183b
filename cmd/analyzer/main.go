// Command analyzer is the entry point for the Polymarket market-data
// synchronization engine. It loads configuration, validates it, wires the
// stream client, REST layer, and reconciler together, and streams the
// engine's output to the log until interrupted. A terminal dashboard would
// consume the same channels instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/mneves75/polymarket-analyzer-sub002/internal/config"
	"github.com/mneves75/polymarket-analyzer-sub002/internal/engine"
	"github.com/mneves75/polymarket-analyzer-sub002/internal/httpx"
	"github.com/mneves75/polymarket-analyzer-sub002/internal/platform/polymarket"
	"github.com/mneves75/polymarket-analyzer-sub002/internal/ratelimit"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	// Re-create the logger at the configured level.
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	coord, err := wire(cfg, logger)
	if err != nil {
		logger.Error("failed to build engine", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("analyzer starting",
		slog.Int("assets", len(cfg.Polymarket.AssetIDs)),
		slog.String("config", *configPath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(gctx) })
	g.Go(func() error { return consume(gctx, coord, logger) })

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("engine exited with error", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	logger.Info("analyzer stopped")
}

// wire builds the engine from configuration: rate limiter -> HTTP client ->
// data client -> reconciler, plus the stream client, all under the
// coordinator.
func wire(cfg *config.Config, logger *slog.Logger) (*engine.Coordinator, error) {
	clobURL, err := url.Parse(cfg.Polymarket.ClobHost)
	if err != nil {
		return nil, fmt.Errorf("parse clob host: %w", err)
	}

	rules := []ratelimit.Rule{
		{Key: clobURL.Host, Limit: cfg.RateLimit.HostLimit, Window: cfg.RateLimit.Window.Duration},
	}
	for path, limit := range cfg.RateLimit.Paths {
		rules = append(rules, ratelimit.Rule{
			Key:    clobURL.Host + path,
			Limit:  limit,
			Window: cfg.RateLimit.Window.Duration,
		})
	}

	limiter := ratelimit.New(rules)
	httpClient := httpx.New(limiter, logger)
	data := polymarket.NewDataClient(cfg.Polymarket.ClobHost, httpClient)

	stream, err := polymarket.NewStreamClient(
		cfg.Polymarket.WsURL,
		cfg.Polymarket.AssetIDs,
		cfg.Engine.StaleAfter.Duration,
		logger,
	)
	if err != nil {
		return nil, err
	}

	rec := engine.NewReconciler(data, engine.ReconcilerOptions{
		MaxDepth:       cfg.Engine.MaxDepth,
		ResyncCooldown: cfg.Engine.ResyncCooldown.Duration,
		ResyncDelay:    cfg.Engine.ResyncDelay.Duration,
	}, logger)

	return engine.NewCoordinator(stream, data, rec, cfg.Polymarket.AssetIDs, engine.CoordinatorOptions{
		RefreshInterval: cfg.Engine.RefreshInterval.Duration,
	}, logger)
}

// consume is the stand-in for the dashboard: it drains the coordinator's
// channels and logs what a renderer would display.
func consume(ctx context.Context, coord *engine.Coordinator, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case u := <-coord.Updates():
			logger.Debug("update",
				slog.String("asset_id", u.AssetID),
				slog.String("event", u.EventType),
				slog.Float64("price", u.Price),
				slog.Float64("size", u.Size),
			)

		case book := <-coord.Books():
			logger.Debug("book",
				slog.String("asset_id", book.AssetID),
				slog.Float64("best_bid", book.BestBid()),
				slog.Float64("best_ask", book.BestAsk()),
				slog.Int("bid_levels", len(book.Bids)),
				slog.Int("ask_levels", len(book.Asks)),
			)

		case status := <-coord.Status():
			stats := coord.Stats()
			logger.Info("stream status",
				slog.String("state", status),
				slog.Uint64("reconnects", stats.Reconnects),
				slog.Uint64("resyncs", stats.Resyncs),
				slog.Uint64("dropped", stats.Dropped),
			)
		}
	}
}
