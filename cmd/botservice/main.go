package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"xfactor-bot-go/internal/activity"
	"xfactor-bot-go/internal/bot"
	"xfactor-bot-go/internal/broker"
	"xfactor-bot-go/internal/config"
	"xfactor-bot-go/internal/database"
	"xfactor-bot-go/internal/logger"
	"xfactor-bot-go/internal/marketdata"
	"xfactor-bot-go/internal/scheduler"
	"xfactor-bot-go/internal/server"
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

	// Broker registry with the built-in adapter factories
	registry := broker.NewRegistry(&cfg.Brokers, log)
	registry.RegisterFactory("paper", broker.PaperFactory)
	registry.RegisterFactory("alpaca", broker.RESTFactory("alpaca", log))
	registry.RegisterFactory("tradier", broker.RESTFactory("tradier", log))

	// Reconnect brokers remembered from the previous run
	connections := database.NewConnectionStore(db)
	callTimeout := time.Duration(cfg.Brokers.CallTimeoutSeconds) * time.Second
	for t, err := range connections.AutoConnectAll(registry, callTimeout) {
		log.Warn("Saved broker connection failed",
			zap.String("broker", string(t)), zap.Error(err))
	}

	// Market data provider behind the shared cache
	provider := marketdata.NewHTTPProvider(&cfg.Market, log)
	data := marketdata.NewCache(provider,
		time.Duration(cfg.Market.CacheTTLSeconds)*time.Second,
		time.Duration(cfg.Market.FetchTimeoutSeconds)*time.Second,
		cfg.Market.MaxConcurrentFetch, log)

	// Bot manager and its collaborators
	activityLog := activity.NewLog(cfg.Bots.ActivityLogSize)
	trades := database.NewTradeStore(db)
	manager := bot.NewManager(&cfg.Bots, registry, data, activityLog, trades, log)

	// Market-hours scheduler
	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		log.Fatal("Invalid scheduler timezone", zap.Error(err))
	}
	calendar, err := scheduler.NewCalendar(&cfg.Scheduler)
	if err != nil {
		log.Fatal("Invalid market calendar", zap.Error(err))
	}
	sched := scheduler.New(&cfg.Scheduler, calendar,
		scheduler.SystemClock{Location: loc}, manager.HandleTrigger, log)

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	go registry.Run(ctx)
	go sched.Run(ctx)

	api := server.NewAPIServer(cfg.Server.Port, manager, registry, sched, data, activityLog, log)
	api.Start()

	<-ctx.Done()

	// Stop accepting requests, then stop the bots and drop the brokers.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := api.Stop(shutdownCtx); err != nil {
		log.Error("API shutdown failed", zap.Error(err))
	}
	for id, err := range manager.StopAll() {
		log.Error("Bot did not stop cleanly", zap.String("bot_id", id), zap.Error(err))
	}
	registry.Close(shutdownCtx)

	log.Info("Bot service has been shut down.")
}
