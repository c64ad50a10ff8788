package main

import (
	"fmt"
	"os"

	"crowemi-trades/internal/broker"
	"crowemi-trades/internal/config"
	"crowemi-trades/internal/logger"
	"crowemi-trades/internal/notify"
	"crowemi-trades/internal/store"
	"crowemi-trades/internal/trader"
	"go.uber.org/zap"
)

// main runs exactly one trading pass and exits, for cron and job schedulers.
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
	sessionID, err := runner.Run()
	if err != nil {
		log.Error("Trading run failed", zap.String("session", sessionID), zap.Error(err))
		os.Exit(1)
	}

	log.Info("Trading run complete", zap.String("session", sessionID))
}
