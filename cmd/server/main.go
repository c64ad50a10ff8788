package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crowemi-trades/internal/broker"
	"crowemi-trades/internal/config"
	"crowemi-trades/internal/logger"
	"crowemi-trades/internal/notify"
	"crowemi-trades/internal/store"
	"crowemi-trades/internal/trader"
	"go.uber.org/zap"
)

// main serves the HTTP trigger surface: POST /run fires a trading pass, plus
// health, status and profit endpoints for monitoring.
func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	// Initialize the ledger store
	st, err := store.New(&cfg.Store, log)
	if err != nil {
		log.Fatal("Failed to open ledger store", zap.Error(err))
	}
	defer st.Close()
	if err := st.Ping(); err != nil {
		log.Fatal("Ledger store is unreachable", zap.Error(err))
	}
	log.Info("Ledger store connection successful.")

	// Initialize broker gateways, one per asset class. Coinbase is optional;
	// without credentials crypto watchlist entries fail to route and get skipped.
	stock := broker.NewAlpaca(&cfg.Alpaca, log)
	var crypto broker.Gateway
	if cfg.Coinbase.ApiKey != "" {
		crypto, err = broker.NewCoinbase(&cfg.Coinbase, log)
		if err != nil {
			log.Fatal("Failed to initialize Coinbase gateway", zap.Error(err))
		}
	}
	gateways := broker.NewFactory(stock, crypto)

	// Initialize the alert channel
	var notifier notify.Notifier = notify.Nop{}
	if cfg.Telegram.BotID != "" {
		notifier = notify.NewTelegram(&cfg.Telegram, log)
	}

	runner := trader.NewRunner(log, &cfg, st, gateways, notifier)
	api := trader.NewAPIServer(runner, st, cfg.Server.Port, log)
	api.Start()

	// Wait for shutdown signal
	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
	<-sigchan
	log.Info("Shutdown signal received, gracefully shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := api.Stop(ctx); err != nil {
		log.Error("API server shutdown failed", zap.Error(err))
	}

	log.Info("Server has been shut down.")
}
