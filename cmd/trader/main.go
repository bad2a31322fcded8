package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coinbase-cycle-bot-go/internal/coinbase"
	"coinbase-cycle-bot-go/internal/compound"
	"coinbase-cycle-bot-go/internal/config"
	"coinbase-cycle-bot-go/internal/database"
	"coinbase-cycle-bot-go/internal/engine"
	"coinbase-cycle-bot-go/internal/indicator"
	"coinbase-cycle-bot-go/internal/logger"
	"coinbase-cycle-bot-go/internal/pricing"
	"coinbase-cycle-bot-go/internal/retry"
	"go.uber.org/zap"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	// Initialize database
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")

	// Initialize Coinbase REST client and verify connectivity. The product
	// stats also carry the increments everything downstream rounds against.
	restClient := coinbase.NewRestClient(&cfg.Coinbase, log)
	stats, err := restClient.GetProductStats(context.Background(), cfg.Trading.ProductID)
	if err != nil {
		log.Fatal("Failed to fetch product stats from Coinbase API", zap.Error(err))
	}
	log.Info("Successfully connected to Coinbase API.",
		zap.String("product_id", stats.ProductID),
		zap.String("base_increment", stats.BaseIncrement),
		zap.String("quote_increment", stats.QuoteIncrement),
	)

	increments := compound.Increments{Base: stats.BaseIncrement, Quote: stats.QuoteIncrement}
	ledger, err := compound.NewLedger(cfg.Trading.CompoundingMode, cfg.Trading.CompoundPercent, increments, log)
	if err != nil {
		log.Fatal("Invalid compounding configuration", zap.Error(err))
	}

	calculator := indicator.NewCalculator(restClient, cfg.Trading.ProductID,
		cfg.Trading.ChartInterval, cfg.Trading.NumIntervals, log)

	searchPolicy := pricing.Policy{
		PollInterval:  time.Duration(cfg.Trading.PricePollSeconds) * time.Second,
		MaxIterations: cfg.Trading.MaxIterations,
		SearchTimeout: time.Duration(cfg.Trading.SearchTimeoutSec) * time.Second,
	}
	decider := pricing.NewDecider(calculator, restClient, cfg.Trading.ProductID,
		stats.QuoteIncrement, cfg.Trading.WindowSize, cfg.Trading.RSIPeriod,
		cfg.Trading.StartingSizeB, cfg.Trading.StartingSizeQ, searchPolicy, log)

	journal := engine.NewJournal(db, log)
	fillPolicy := retry.Policy{
		MaxIterations: cfg.Trading.MaxIterations,
		Delay:         cfg.Trading.WaitPeriod(),
		Timeout:       time.Duration(cfg.Trading.SearchTimeoutSec) * time.Second,
	}

	cycleEngine := engine.NewEngine(&cfg, restClient, decider, ledger, journal, increments, fillPolicy, log)

	apiServer := engine.NewAPIServer(cycleEngine, log)
	apiServer.Start()

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		if err := cycleEngine.Stop(stopCtx); err != nil {
			log.Error("Failed to cancel open orders on shutdown", zap.Error(err))
		}
		cancel()
	}()

	cycleEngine.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Error("Failed to stop API server", zap.Error(err))
	}

	log.Info("Bot has been shut down.")
}
