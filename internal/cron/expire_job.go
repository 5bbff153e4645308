package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"chanpass/pkg/db/models"
	"chanpass/pkg/enums"
	"chanpass/pkg/logger"
	"chanpass/pkg/outbox"
)

type expiredAccounts interface {
	ListExpiredSubscribers(ctx context.Context, now time.Time) ([]models.Subscriber, error)
	ListExpiredClients(ctx context.Context, now time.Time) ([]models.Client, error)
	UpdateClient(ctx context.Context, id uuid.UUID, updates map[string]any) error
}

type accessRevoker interface {
	RequestRevoke(ctx context.Context, subscriberID uuid.UUID, actor *outbox.ActorRef, reason string) error
}

// ExpireJobParams configures the hourly expiration sweep.
type ExpireJobParams struct {
	Logger   *logger.Logger
	Accounts expiredAccounts
	Access   accessRevoker
	Interval time.Duration
	Now      func() time.Time
}

// NewExpireJob builds the sweep that lapses subscriptions whose paid period
// has ended.
func NewExpireJob(params ExpireJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Accounts == nil {
		return nil, fmt.Errorf("accounts repository required")
	}
	if params.Access == nil {
		return nil, fmt.Errorf("access engine required")
	}
	interval := params.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &expireJob{
		logg:     params.Logger,
		accounts: params.Accounts,
		access:   params.Access,
		interval: interval,
		now:      now,
	}, nil
}

type expireJob struct {
	logg     *logger.Logger
	accounts expiredAccounts
	access   accessRevoker
	interval time.Duration
	now      func() time.Time
}

func (j *expireJob) Name() string { return "expire-sweep" }

func (j *expireJob) Interval() time.Duration { return j.interval }

// Run lapses every active subscriber past their period end, queueing the
// channel revoke through the outbox, then marks lapsed clients expired.
func (j *expireJob) Run(ctx context.Context) error {
	now := j.now().UTC()

	var errs error
	subscribers, err := j.accounts.ListExpiredSubscribers(ctx, now)
	if err != nil {
		return fmt.Errorf("list expired subscribers: %w", err)
	}
	for _, subscriber := range subscribers {
		if err := j.access.RequestRevoke(ctx, subscriber.ID, nil, "expired"); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("expire subscriber %s: %w", subscriber.ID, err))
			j.logg.Error(j.logg.WithField(ctx, "subscriber_id", subscriber.ID.String()), "expire revoke failed", err)
		}
	}

	clients, err := j.accounts.ListExpiredClients(ctx, now)
	if err != nil {
		return multierr.Append(errs, fmt.Errorf("list expired clients: %w", err))
	}
	for _, client := range clients {
		if err := j.accounts.UpdateClient(ctx, client.ID, map[string]any{
			"status": enums.SubscriptionStatusExpired,
		}); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("expire client %s: %w", client.ID, err))
			j.logg.Error(j.logg.WithField(ctx, "client_id", client.ID.String()), "client expire failed", err)
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"subscribers": len(subscribers),
		"clients":     len(clients),
	})
	j.logg.Info(logCtx, "expiration sweep complete")
	return errs
}
