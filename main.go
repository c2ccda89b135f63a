package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autotrade-core/internal/api"
	"autotrade-core/internal/broker"
	"autotrade-core/internal/engine"
	"autotrade-core/internal/events"
	"autotrade-core/internal/market"
	"autotrade-core/internal/monitor"
	"autotrade-core/internal/notify"
	"autotrade-core/internal/orchestrator"
	"autotrade-core/internal/plan"
	"autotrade-core/internal/prediction"
	"autotrade-core/internal/session"
	"autotrade-core/pkg/cache"
	"autotrade-core/pkg/config"
	"autotrade-core/pkg/crypto"
	"autotrade-core/pkg/db"
)

var buildVersion = "dev"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("starting auto-trading core on port %s, db %s", cfg.Port, cfg.DBPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()
	publisher := notify.NewPublisher(bus)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations failed: %v", err)
	}
	queries := database.Queries()

	if err := plan.Seed(ctx, queries, cfg.PlansPath); err != nil {
		log.Fatalf("plan seed failed: %v", err)
	}

	// Market calendar gate
	calendar, err := market.LoadCalendar(cfg.CalendarPath)
	if err != nil {
		log.Fatalf("calendar load failed: %v", err)
	}
	calendar.Start(ctx, cfg.CalendarRefresh)

	// Prediction client
	var predictor prediction.Predictor
	if cfg.UseMockPredictor {
		log.Println("using mock predictor")
		predictor = prediction.NewMockPredictor()
	} else {
		predictor = prediction.NewClient(cfg.PredictionBaseURL, cfg.PredictionTimeout)
	}

	// Broker adapter. Only the paper venue ships in this binary; live
	// adapters register here.
	if cfg.BrokerMode != "paper" {
		log.Fatalf("unsupported broker mode %q", cfg.BrokerMode)
	}
	adapter := broker.NewPaper(broker.PaperConfig{
		InitialBalance: cfg.PaperInitialBalance,
		FeeRate:        0.0004,
		SlippageBps:    2,
		LatencyMinMs:   5,
		LatencyMaxMs:   40,
		FillDelay:      2 * time.Second,
	})
	funds := broker.NewFundsService(adapter, queries, cfg.BalanceSyncInterval)

	// Broker credential encryption
	encKey := cfg.CredentialsKeyBase64
	if encKey == "" {
		encKey, err = crypto.GenerateKey()
		if err != nil {
			log.Fatalf("generate credentials key failed: %v", err)
		}
		log.Println("CREDENTIALS_KEY not set, using ephemeral key (broker links reset on restart)")
	}
	encryptor, err := crypto.NewEncryptorFromBase64(encKey)
	if err != nil {
		log.Fatalf("credentials key invalid: %v", err)
	}

	// Session state machine + orchestrator
	sessions := session.NewManager(queries, publisher)
	sessions.StartSweeper(ctx, cfg.SweepInterval)

	metrics := monitor.NewSystemMetrics()
	quotes := cache.NewShardedQuoteCache()

	orch := orchestrator.New(queries, sessions, calendar, predictor, adapter, funds, publisher, quotes, metrics, orchestrator.Config{
		WatchSymbols:      cfg.WatchSymbols,
		PredictionTimeout: cfg.PredictionTimeout,
		OrderPlaceTimeout: cfg.OrderPlaceTimeout,
		FillPollTimeout:   cfg.FillPollTimeout,
	})
	go orch.CancelQueue().Run(ctx)

	scheduler := orchestrator.NewScheduler(orch, cfg.TickInterval, cfg.TickWorkers)
	go scheduler.Run(ctx)

	poller := orchestrator.NewFillPoller(orch, cfg.FillPollInterval, 30*time.Second)
	go poller.Run(ctx)

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := quotes.Cleanup(10 * time.Minute); removed > 0 {
					log.Printf("quote cache: evicted %d stale symbols", removed)
				}
			}
		}
	}()

	// Engine service facade
	engine.Version = buildVersion
	engService := engine.NewImpl(queries, sessions, calendar, engine.Config{
		BrokerMode:       cfg.BrokerMode,
		UseMockPredictor: cfg.UseMockPredictor,
		WatchSymbols:     cfg.WatchSymbols,
	})

	// API
	server := api.NewServer(bus, queries, engService, funds, metrics, encryptor, cfg.JWTSecret)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("api server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")
}
