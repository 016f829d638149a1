// poly-copy — a self-hosted trading automation server for Polymarket.
//
// It watches the on-venue activity of a chosen set of public wallet addresses
// and optionally mirrors their trades from the operator's own account (copy
// trading); independently, it runs algorithmic strategies that subscribe to
// the live market feed, watch short-lived markets near resolution, and place
// orders when configured price conditions hold.
//
// Architecture:
//
//	main.go                 — entry point: env + config, store, wiring, signals
//	config/config.go        — viper config with DATABASE_PATH/PORT/... env contract
//	store/                  — gorm/sqlite persistence (credentials, users, trades, strategies)
//	bus/bus.go              — in-process topic pub/sub feeding the UI bridge
//	venue/ratelimit.go      — token buckets per upstream API
//	venue/client.go         — authenticated REST client with HMAC signing + retry
//	venue/signer.go         — EIP-712 order signing for the CTF exchange
//	venue/ws.go             — pooled market WebSocket feed with auto-resubscribe
//	metadata/               — Gamma fetcher + TTL market-info cache
//	copytrade/              — wallet watcher + copy executor
//	strategy/               — engine/registry + per-strategy runners (time-decay)
//	api/                    — CRUD surface + WebSocket bridge for the UI
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/led0r/poly-copy/internal/api"
	"github.com/led0r/poly-copy/internal/bus"
	"github.com/led0r/poly-copy/internal/config"
	"github.com/led0r/poly-copy/internal/copytrade"
	"github.com/led0r/poly-copy/internal/metadata"
	"github.com/led0r/poly-copy/internal/store"
	"github.com/led0r/poly-copy/internal/strategy"
	"github.com/led0r/poly-copy/internal/venue"
)

// storeCredentials adapts the persisted credentials row to the venue layer.
// Credentials are read live per request so settings changes apply immediately.
type storeCredentials struct {
	store *store.Store
}

func (s storeCredentials) Credentials() (venue.Credentials, error) {
	row, err := s.store.GetCredentials()
	if err != nil {
		return venue.Credentials{}, err
	}
	return venue.Credentials{
		APIKey:        row.APIKey,
		APISecret:     row.APISecret,
		APIPassphrase: row.APIPassphrase,
		WalletAddress: row.WalletAddress,
		SignerAddress: row.SignerAddress,
		PrivateKey:    row.PrivateKey,
	}, nil
}

func main() {
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLY_CONFIG"); p != "" {
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

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err, "path", cfg.Database.Path)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shared infrastructure.
	eventBus := bus.New(logger)
	rl := venue.NewRateLimiter(logger)
	go rl.Run(ctx)

	creds := storeCredentials{store: st}
	auth := venue.NewAuth(creds, logger)
	client := venue.NewClient(cfg.API.CLOBBaseURL, cfg.API.DataBaseURL, auth, rl, logger)
	signer := venue.NewOrderSigner(creds, logger)

	cache := metadata.NewCache(logger)
	go cache.Run(ctx)
	fetcher := metadata.NewFetcher(cfg.API.GammaBaseURL, cfg.API.SearchBaseURL, rl, cache, logger)

	feed := venue.NewFeed(cfg.API.WSMarketURL, eventBus, cache.Lookup, logger)
	go func() {
		if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("market feed terminated", "error", err)
		}
	}()

	// Copy trading.
	watcher := copytrade.NewWatcher(st, client, eventBus, cfg.CopyTrading.BasePollInterval, cfg.CopyTrading.PollBudgetShare, logger)
	executor := copytrade.NewExecutor(st, client, signer, fetcher, creds, eventBus, logger)
	go watcher.Run(ctx)
	go executor.Run(ctx)

	// Strategy engine: recover strategies that were running before restart.
	engine := strategy.NewEngine(ctx, strategy.Deps{
		Store:   st,
		Feed:    feed,
		Client:  client,
		Signer:  signer,
		Fetcher: fetcher,
		Creds:   creds,
		Bus:     eventBus,
		Logger:  logger,
	})
	engine.AutoStart()

	// Operator surface.
	server := api.NewServer(cfg.Server, api.Deps{
		Store:    st,
		Watcher:  watcher,
		Executor: executor,
		Engine:   engine,
		Fetcher:  fetcher,
		Feed:     feed,
		Bus:      eventBus,
	}, logger)
	go func() {
		if err := server.Start(ctx); err != nil {
			logger.Error("api server failed", "error", err)
		}
	}()

	logger.Info("poly-copy started",
		"port", cfg.Server.Port,
		"database", cfg.Database.Path,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if err := server.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}
	engine.StopAll()
	cancel()
	if err := st.Close(); err != nil {
		logger.Error("failed to close store", "error", err)
	}

	logger.Info("shutdown complete")
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
