// idx-tape — always-on market data capture for Indonesian equities.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	daemon/daemon.go     — streaming supervisor: follows the exchange clock, starts/stops the streamer
//	stream/streamer.go   — WebSocket orderbook capture with auto-reconnect and heartbeat monitoring
//	jobs/engine.go       — historical crawl engine: durable jobs walking the running-trade API day by day
//	fetch/fetch.go       — paginated REST client for historical trades
//	protocol/codec.go    — binary wire codec for the vendor's orderbook feed
//	auth/token.go        — bearer token store (JWT expiry tracking, survives restarts)
//	storage/             — append-only CSV sinks and the watchlist/daily-stats file
//	clock/clock.go       — IDX trading calendar (WIB sessions, lunch break, Friday hours)
//	bus/bus.go           — in-process event fan-out for state changes and job progress
//
// What it captures:
//
//	While the market is open, the daemon keeps a WebSocket subscription alive
//	for the watchlist and appends every L2 orderbook update to per-ticker,
//	per-day CSV files. Off-hours (or any time), crawl jobs backfill historical
//	tick-by-tick trades through the paginated REST endpoint, politely and
//	resumably — a job survives restarts and pauses itself when the bearer
//	token expires.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"idx-tape/internal/auth"
	"idx-tape/internal/bus"
	"idx-tape/internal/config"
	"idx-tape/internal/daemon"
	"idx-tape/internal/fetch"
	"idx-tape/internal/jobs"
	"idx-tape/internal/storage"
	"idx-tape/internal/stream"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TAPE_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Auth: token store plus per-connect trading key client
	tokenStore, err := auth.NewStore(cfg.Store.StateDir, logger)
	if err != nil {
		logger.Error("failed to open token store", "error", err)
		os.Exit(1)
	}
	if cfg.API.SeedBearerToken != "" {
		if exp, err := tokenStore.Set(cfg.API.SeedBearerToken, ""); err != nil {
			logger.Error("seed bearer token rejected", "error", err)
			os.Exit(1)
		} else {
			logger.Info("bearer token seeded from environment", "expires", exp)
		}
	}
	keys := auth.NewKeyClient(cfg.API.TradingKeyURL, cfg.API.UserAgent, cfg.API.Origin, tokenStore, logger)

	// Storage
	bookSink, err := storage.NewOrderbookSink(cfg.Store.OrderbookDir, logger)
	if err != nil {
		logger.Error("failed to open orderbook sink", "error", err)
		os.Exit(1)
	}
	tradeSink, err := storage.NewTradeSink(cfg.Store.DataDir, logger)
	if err != nil {
		logger.Error("failed to open trade sink", "error", err)
		os.Exit(1)
	}
	watch, err := storage.NewWatchlistStore(cfg.Store.StateDir, logger)
	if err != nil {
		logger.Error("failed to open watchlist store", "error", err)
		os.Exit(1)
	}

	b := bus.New(logger)

	// Historical crawl engine over the durable job store
	jobStore, err := jobs.OpenStore(cfg.Store.JobsDir, logger)
	if err != nil {
		logger.Error("failed to open job store", "error", err)
		os.Exit(1)
	}
	fetcher := fetch.New(cfg.API.RunningTradeURL, cfg.API.UserAgent, cfg.API.Origin,
		cfg.Crawl.RetryCount, tokenStore, logger)
	engine, err := jobs.NewEngine(jobStore, fetcher, tradeSink, b, cfg.Crawl, logger)
	if err != nil {
		logger.Error("failed to create crawl engine", "error", err)
		os.Exit(1)
	}

	// Streaming supervisor; each market session gets a fresh streamer
	factory := func(tickers []string) daemon.Stream {
		return stream.New(cfg.API.WebSocketURL, cfg.API.UserAgent, cfg.API.Origin,
			tickers, cfg.Stream.MaxRetries, cfg.Stream.MaxFrameBytes, cfg.Stream.CloseTimeout,
			tokenStore, keys, bookSink, logger)
	}
	d := daemon.New(factory, tokenStore, watch, b, cfg.Daemon.TickInterval, logger)

	// A fresh token means paused crawl jobs can pick back up
	d.SetTokenRefresh(func() {
		if n := engine.AutoResumePaused(); n > 0 {
			logger.Info("resumed paused jobs after token refresh", "jobs", n)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine.Start(ctx)
	d.Start(ctx)

	logger.Info("idx-tape started",
		"tickers", d.Tickers(),
		"tick_interval", cfg.Daemon.TickInterval,
		"data_dir", cfg.Store.DataDir,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	d.Stop()
	engine.Stop()
	if err := jobStore.Close(); err != nil {
		logger.Error("failed to close job store", "error", err)
	}
	b.Close()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
