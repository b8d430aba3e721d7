package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"binance-signal-bot-go/internal/alert"
	"binance-signal-bot-go/internal/binance"
	"binance-signal-bot-go/internal/config"
	"binance-signal-bot-go/internal/database"
	"binance-signal-bot-go/internal/decision"
	"binance-signal-bot-go/internal/indicator"
	"binance-signal-bot-go/internal/logger"
	"binance-signal-bot-go/internal/metrics"
	"binance-signal-bot-go/internal/policy"
	"binance-signal-bot-go/internal/trader"
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
	db, err := database.NewDatabase(&cfg)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")

	// Initialize Binance REST client
	restClient := binance.NewRestClient(&cfg.Binance, log)
	if _, err := restClient.GetServerTime(context.Background()); err != nil {
		log.Fatal("Failed to connect to Binance API", zap.Error(err))
	}
	log.Info("Successfully connected to Binance API.")

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	// Assemble the pipeline
	tracer := decision.NewTracer(db, log)
	policies := policy.NewStore(db, cfg.Trading.Exchange, log)
	provider := indicator.NewHTTPProvider(&cfg.Indicator, log)

	dispatcher := alert.NewDispatcher(alert.NewWebhookSender(&cfg.Alerts), &cfg.Alerts, log)
	dispatcher.SetDeliveredHook(func(ok bool) {
		metrics.Alerts.WithLabelValues(strconv.FormatBool(ok)).Inc()
	})
	go dispatcher.Run(ctx)

	gate := trader.NewSignalGate(db,
		time.Duration(cfg.Trading.MinSignalInterval)*time.Second,
		cfg.Trading.MinPriceDeltaPct, log)
	counter := trader.NewPositionCounter(db, log)
	admission := trader.NewAdmissionController(db, tracer, counter, &cfg.Trading,
		time.Duration(cfg.Indicator.StaleSecs)*time.Second, log)
	lifecycle := trader.NewLifecycleManager(restClient, db, tracer, dispatcher, &cfg.Trading, log)
	reconciler := trader.NewReconciler(restClient, db, policies, lifecycle, &cfg.Trading, log)

	engine := trader.NewEngine(&cfg, provider, policies, gate, admission, lifecycle, reconciler, dispatcher, log)

	apiServer := trader.NewAPIServer(engine, policies, tracer, cfg.Server.Port, log)
	apiServer.Start()

	engine.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Error("API server shutdown failed", zap.Error(err))
	}

	log.Info("Bot has been shut down.")
}
