package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/joho/godotenv"

	"chanpass/internal/access"
	"chanpass/internal/accounts"
	consumers "chanpass/internal/consumers/access"
	"chanpass/internal/notify"
	"chanpass/internal/worker"
	"chanpass/pkg/config"
	"chanpass/pkg/db"
	"chanpass/pkg/logger"
	"chanpass/pkg/outbox/idempotency"
	"chanpass/pkg/pubsub"
	"chanpass/pkg/redis"
	"chanpass/pkg/telegram"
)

func main() {
	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: "access-worker"})

	_ = godotenv.Load()

	cfg, err := config.Load()
	requireResource(ctx, logg, "config", err)

	logg = logger.New(logger.Options{
		ServiceName: "access-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	requireResource(ctx, logg, "database", err)
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(ctx, "failed to close database client", err)
		}
	}()

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	requireResource(ctx, logg, "redis", err)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(ctx, "failed to close redis client", err)
		}
	}()

	pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg)
	requireResource(ctx, logg, "pubsub", err)
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(ctx, "failed to close pubsub client", err)
		}
	}()

	chatClient, err := telegram.NewClient(cfg.Chat)
	requireResource(ctx, logg, "chat client", err)

	subscription := pubsubClient.AccessSubscription()
	if subscription == nil {
		requireResource(ctx, logg, "access subscription", errors.New("subscription not configured"))
	}

	manager, err := idempotency.NewManager(redisClient, cfg.Outbox.IdempotencyTTL)
	requireResource(ctx, logg, "idempotency manager", err)

	accountsRepo := accounts.NewRepository(dbClient.DB())

	engine, err := access.NewEngine(access.EngineParams{
		Accounts:    accountsRepo,
		Chat:        chatClient,
		Logger:      logg,
		BanDuration: cfg.Chat.BanDuration,
	})
	requireResource(ctx, logg, "access engine", err)

	sink := notify.NewSink(chatClient, cfg.Chat.AdminChatID, logg)

	consumer, err := consumers.NewConsumer(engine, sink, logg)
	requireResource(ctx, logg, "access consumer", err)

	service, err := worker.NewService(subscription, consumer, manager, logg)
	requireResource(ctx, logg, "access worker service", err)

	poller, err := worker.NewJoinRequestPoller(chatClient, engine, logg)
	requireResource(ctx, logg, "join request poller", err)

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	runCtx = logg.WithFields(runCtx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": "access-worker",
	})
	logg.Info(runCtx, "access worker ready")

	go func() {
		if err := poller.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logg.Error(runCtx, "join request poller failed", err)
		}
	}()

	if err := service.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(runCtx, "access worker failed", err)
		os.Exit(1)
	}
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
