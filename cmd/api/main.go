package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"

	"chanpass/api/routes"
	"chanpass/internal/accounts"
	"chanpass/internal/ledger"
	"chanpass/internal/settlement"
	"chanpass/internal/webhooks/ipn"
	"chanpass/pkg/config"
	"chanpass/pkg/db"
	"chanpass/pkg/logger"
	"chanpass/pkg/migrate"
	"chanpass/pkg/nowpayments"
	"chanpass/pkg/outbox"
	"chanpass/pkg/redis"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	processorClient, err := nowpayments.NewClient(cfg.Processor)
	if err != nil {
		logg.Error(context.Background(), "failed to build processor client", err)
		os.Exit(1)
	}

	ledgerRepo := ledger.NewRepository(dbClient.DB())
	accountsRepo := accounts.NewRepository(dbClient.DB())
	outboxService := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg)

	engine, err := settlement.NewEngine(settlement.EngineParams{
		Ledger:            ledgerRepo,
		Accounts:          accountsRepo,
		Outbox:            outboxService,
		Processor:         processorClient,
		TransactionRunner: dbClient,
		Logger:            logg,
		InvoiceTTL:        cfg.Processor.InvoiceTTL,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to build settlement engine", err)
		os.Exit(1)
	}

	ipnGuard, err := ipn.NewIdempotencyGuard(redisClient, cfg.Outbox.IdempotencyTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to build ipn idempotency guard", err)
		os.Exit(1)
	}
	ipnService, err := ipn.NewService(ipn.ServiceParams{
		Secret: cfg.Processor.IPNSecret,
		Engine: engine,
		Replay: ipn.NewReplayGuard(cfg.Processor.ReplayWindow, nil),
		Guard:  ipnGuard,
		Logger: logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to build ipn service", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr:    addr,
		Handler: routes.NewRouter(cfg, logg, dbClient, redisClient, ipnService, engine, accountsRepo),
	}

	shutdownCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	go func() {
		<-shutdownCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logg.Error(ctx, "error shutting down api server", err)
		}
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "api server shutting down gracefully")
}
