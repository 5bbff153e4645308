package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"chanpass/internal/access"
	"chanpass/internal/accounts"
	"chanpass/internal/cron"
	"chanpass/internal/ledger"
	"chanpass/internal/notify"
	"chanpass/internal/settlement"
	"chanpass/pkg/config"
	"chanpass/pkg/db"
	"chanpass/pkg/logger"
	"chanpass/pkg/metrics"
	"chanpass/pkg/migrate"
	"chanpass/pkg/nowpayments"
	"chanpass/pkg/outbox"
	"chanpass/pkg/redis"
	"chanpass/pkg/telegram"
)

const lockKeyFormat = "cp:cron-worker:lock:%s"

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
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
	chatClient, err := telegram.NewClient(cfg.Chat)
	if err != nil {
		logg.Error(context.Background(), "failed to build chat client", err)
		os.Exit(1)
	}

	ledgerRepo := ledger.NewRepository(dbClient.DB())
	accountsRepo := accounts.NewRepository(dbClient.DB())
	outboxRepo := outbox.NewRepository(dbClient.DB())
	outboxService := outbox.NewService(outboxRepo, logg)
	sink := notify.NewSink(chatClient, cfg.Chat.AdminChatID, logg)

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

	accessEngine, err := access.NewEngine(access.EngineParams{
		Accounts:          accountsRepo,
		Outbox:            outboxService,
		Chat:              chatClient,
		TransactionRunner: dbClient,
		Logger:            logg,
		BanDuration:       cfg.Chat.BanDuration,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to build access engine", err)
		os.Exit(1)
	}

	reconcileJob, err := cron.NewReconcileJob(cron.ReconcileJobParams{
		Logger:    logg,
		Ledger:    ledgerRepo,
		Processor: processorClient,
		Engine:    engine,
		Sink:      sink,
		Lookback:  cfg.Cron.ReconcileLookback,
		Interval:  cfg.Cron.ReconcileInterval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to build reconcile job", err)
		os.Exit(1)
	}
	expireJob, err := cron.NewExpireJob(cron.ExpireJobParams{
		Logger:   logg,
		Accounts: accountsRepo,
		Access:   accessEngine,
		Interval: cfg.Cron.ExpireInterval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to build expire job", err)
		os.Exit(1)
	}
	retentionJob, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:     logg,
		Repository: outboxRepo,
		Retention:  cfg.Cron.OutboxRetentionDays,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to build outbox retention job", err)
		os.Exit(1)
	}

	metricsCollector := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)
	lock, err := cron.NewRedisLock(redisClient, lockKey(cfg.App.Env), 0)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	registry := cron.NewRegistry(expireJob, reconcileJob, retentionJob)
	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metricsCollector,
		Tick:     cfg.Cron.TickInterval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": "cron-worker",
	})
	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func lockKey(env string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf(lockKeyFormat, env)
}
