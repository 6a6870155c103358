package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"tradeCore/config"
	"tradeCore/internal/adapters/binanceclient"
	"tradeCore/internal/adapters/logger"
	"tradeCore/internal/adapters/wshub"
	"tradeCore/internal/domain"
	"tradeCore/internal/engine"
	"tradeCore/internal/marketdata"
	"tradeCore/internal/metrics"
	"tradeCore/internal/orders"
	"tradeCore/internal/resilience"
	"tradeCore/internal/state"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	ctx := context.Background()
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize WebSocket Hub (Broadcaster Adapter)
	hub, err := wshub.New(appLogger.WithComponent("wshub"), cfg.WSListenAddr, cfg.BatchInterval)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize websocket hub")
		log.Fatalf("FATAL: Failed to initialize websocket hub: %v", err)
	}
	if err := hub.Start(ctx); err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to start websocket hub")
		log.Fatalf("FATAL: Failed to start websocket hub: %v", err)
	}
	defer func() {
		if err := hub.Stop(context.Background()); err != nil {
			appLogger.Error(context.Background(), err, "Error stopping websocket hub")
		}
	}()

	// 4. Initialize Metrics and Error Registry
	mets := metrics.New()
	registry := resilience.NewRegistry(appLogger.WithComponent("errors"))

	metricsServer := &http.Server{Addr: cfg.MetricsListenAddr, Handler: mets.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error(context.Background(), err, "Metrics listener failed", map[string]interface{}{"addr": cfg.MetricsListenAddr})
		}
	}()
	defer func() {
		if err := metricsServer.Shutdown(context.Background()); err != nil {
			appLogger.Error(context.Background(), err, "Error stopping metrics listener")
		}
	}()

	// 5. Initialize Broker Connection (Binance Adapter)
	broker, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger.WithComponent("binance"),
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	appLogger.Info(ctx, "Binance client initialized")

	// 6. Initialize Core Subsystems
	tracker, err := orders.NewTracker(appLogger.WithComponent("orders"), hub, registry, cfg.OrderHistoryMax)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize order tracker")
		log.Fatalf("FATAL: Failed to initialize order tracker: %v", err)
	}

	stateMgr, err := state.NewManager(appLogger.WithComponent("state"), hub, domain.TradingMode(cfg.TradingMode), cfg.SnapshotInterval)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize state manager")
		log.Fatalf("FATAL: Failed to initialize state manager: %v", err)
	}

	processor, err := marketdata.NewProcessor(appLogger.WithComponent("marketdata"), hub, cfg.BarBufferCapacity)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize market data processor")
		log.Fatalf("FATAL: Failed to initialize market data processor: %v", err)
	}

	// 7. Initialize Trading Engine
	eng, err := engine.New(appLogger.WithComponent("engine"), hub, registry, mets, tracker, stateMgr, processor, broker, engine.Options{
		Host:                   cfg.BrokerHost,
		Port:                   cfg.BrokerPort,
		ClientID:               cfg.ClientID,
		LatencyBudget:          cfg.LatencyBudget,
		EventQueueSize:         cfg.EventQueueSize,
		BreakerThreshold:       cfg.BreakerThreshold,
		BreakerTimeout:         cfg.BreakerTimeout,
		RecoveryMaxAttempts:    cfg.RecoveryMaxAttempts,
		RecoveryHealthInterval: cfg.HealthCheckInterval,
		RetryPolicy: resilience.RetryPolicy{
			MaxAttempts:  cfg.RetryMaxAttempts,
			InitialDelay: cfg.RetryInitialDelay,
			MaxDelay:     cfg.RetryMaxDelay,
			Base:         2.0,
			Jitter:       true,
		},
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize trading engine")
		log.Fatalf("FATAL: Failed to initialize trading engine: %v", err)
	}
	appLogger.Info(ctx, "Trading engine initialized")

	// 8. Start the Engine and Subscribe Configured Symbols
	if err := eng.Start(ctx); err != nil {
		appLogger.Error(ctx, err, "FATAL: Trading engine failed to start")
		log.Fatalf("FATAL: Trading engine failed to start: %v", err)
	}
	for _, symbol := range cfg.Symbols {
		if err := eng.Subscribe(ctx, symbol); err != nil {
			appLogger.Error(ctx, err, "Market data subscription failed", map[string]interface{}{"symbol": symbol})
		}
	}

	// 9. Run Until Interrupted
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	appLogger.Info(ctx, "Shutdown signal received", map[string]interface{}{"signal": sig.String()})

	eng.Stop(context.Background())
	appLogger.Info(ctx, "Application finished gracefully.")
}
