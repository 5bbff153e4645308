package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"chanpass/internal/accounts"
	"chanpass/pkg/db/models"
	"chanpass/pkg/enums"
	pkgerrors "chanpass/pkg/errors"
	"chanpass/pkg/logger"
	"chanpass/pkg/outbox"
	"chanpass/pkg/outbox/payloads"
	"chanpass/pkg/telegram"
)

type chatClient interface {
	CreateInviteLink(ctx context.Context, channelID int64) (*telegram.InviteLink, error)
	BanChatMember(ctx context.Context, channelID, userID int64, until time.Time) error
	UnbanChatMember(ctx context.Context, channelID, userID int64) error
	ApproveJoinRequest(ctx context.Context, channelID, userID int64) error
	DeclineJoinRequest(ctx context.Context, channelID, userID int64) error
	SendMessage(ctx context.Context, chatID int64, text string) error
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Engine owns channel-membership side effects. The settlement engine decides
// WHO has access; this engine makes the chat provider agree, and its failures
// never travel back into settlement state.
type Engine struct {
	accounts    accounts.Repository
	outbox      *outbox.Service
	chat        chatClient
	txRunner    txRunner
	logg        *logger.Logger
	banDuration time.Duration
	now         func() time.Time
}

// EngineParams groups dependencies for the access engine.
type EngineParams struct {
	Accounts          accounts.Repository
	Outbox            *outbox.Service
	Chat              chatClient
	TransactionRunner txRunner
	Logger            *logger.Logger
	BanDuration       time.Duration
	Now               func() time.Time
}

// NewEngine builds the access engine with the required dependencies.
func NewEngine(params EngineParams) (*Engine, error) {
	if params.Accounts == nil {
		return nil, fmt.Errorf("accounts repository required")
	}
	if params.Chat == nil {
		return nil, fmt.Errorf("chat client required")
	}
	if params.BanDuration <= 0 {
		params.BanDuration = 45 * time.Second
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	return &Engine{
		accounts:    params.Accounts,
		outbox:      params.Outbox,
		chat:        params.Chat,
		txRunner:    params.TransactionRunner,
		logg:        params.Logger,
		banDuration: params.BanDuration,
		now:         params.Now,
	}, nil
}

// ExecuteGrant performs the provider side of an access grant: a fresh
// single-use invite link delivered to the subscriber. Settlement-originated
// grants were already logged inside the settlement transaction; grants pushed
// by an operator are logged here, at execution time.
func (e *Engine) ExecuteGrant(ctx context.Context, event payloads.AccessGrantRequestedEvent, actor *outbox.ActorRef) error {
	link, err := e.chat.CreateInviteLink(ctx, event.ChannelID)
	if err != nil {
		return fmt.Errorf("create invite link: %w", err)
	}

	message := fmt.Sprintf("Your access is active until %s. Join here: %s",
		event.PeriodEnd.Format("2006-01-02"), link.InviteLink)
	if err := e.chat.SendMessage(ctx, event.ChatUserID, message); err != nil {
		return fmt.Errorf("deliver invite link: %w", err)
	}

	if actor != nil && actor.Performer != enums.AccessPerformerSystem {
		entry := &models.AccessLogEntry{
			SubscriberID: event.SubscriberID,
			ChannelID:    event.ChannelID,
			Action:       enums.AccessActionGrant,
			PerformedBy:  actor.Performer,
			Reason:       "operator grant",
		}
		if err := e.accounts.CreateAccessLogEntry(ctx, entry); err != nil {
			return fmt.Errorf("log grant: %w", err)
		}
	}

	if e.logg != nil {
		logCtx := e.logg.WithFields(ctx, map[string]any{
			"subscriber_id": event.SubscriberID.String(),
			"channel_id":    event.ChannelID,
		})
		e.logg.Info(logCtx, "access granted")
	}
	return nil
}

// ExecuteRevoke kicks the subscriber out of the channel. The short ban is
// lifted immediately so the user can buy again and rejoin; a lapsed
// subscription is not a permanent ban.
func (e *Engine) ExecuteRevoke(ctx context.Context, event payloads.AccessRevokeRequestedEvent, actor *outbox.ActorRef) error {
	until := e.now().Add(e.banDuration)
	if err := e.chat.BanChatMember(ctx, event.ChannelID, event.ChatUserID, until); err != nil {
		return fmt.Errorf("ban member: %w", err)
	}
	if err := e.chat.UnbanChatMember(ctx, event.ChannelID, event.ChatUserID); err != nil {
		return fmt.Errorf("unban member: %w", err)
	}

	performer := enums.AccessPerformerSystem
	if actor != nil && actor.Performer != "" {
		performer = actor.Performer
	}
	entry := &models.AccessLogEntry{
		SubscriberID: event.SubscriberID,
		ChannelID:    event.ChannelID,
		Action:       enums.AccessActionRevoke,
		PerformedBy:  performer,
		Reason:       event.Reason,
	}
	if err := e.accounts.CreateAccessLogEntry(ctx, entry); err != nil {
		return fmt.Errorf("log revoke: %w", err)
	}

	if e.logg != nil {
		logCtx := e.logg.WithFields(ctx, map[string]any{
			"subscriber_id": event.SubscriberID.String(),
			"channel_id":    event.ChannelID,
			"reason":        event.Reason,
		})
		e.logg.Info(logCtx, "access revoked")
	}
	return nil
}

// RequestRevoke flips the subscriber's status and queues the provider-side
// revoke through the outbox, so the state change commits even when the chat
// provider is down.
func (e *Engine) RequestRevoke(ctx context.Context, subscriberID uuid.UUID, actor *outbox.ActorRef, reason string) error {
	if subscriberID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "subscriber id is required")
	}
	if e.txRunner == nil || e.outbox == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "revoke pipeline not configured")
	}

	subscriber, err := e.accounts.FindSubscriberByID(ctx, subscriberID)
	if err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			return pkgerrors.New(pkgerrors.CodeNotFound, "subscriber not found")
		}
		return err
	}
	client, err := e.accounts.FindClientByID(ctx, subscriber.ClientID)
	if err != nil {
		return err
	}

	nextStatus := enums.SubscriptionStatusRevoked
	if reason == "expired" {
		nextStatus = enums.SubscriptionStatusExpired
	}

	return e.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		accountsRepo := e.accounts.WithTx(tx)
		if err := accountsRepo.UpdateSubscriber(ctx, subscriber.ID, map[string]any{
			"status": nextStatus,
		}); err != nil {
			return err
		}
		return e.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventAccessRevokeRequested,
			AggregateType: enums.AggregateSubscriber,
			AggregateID:   subscriber.ID,
			Actor:         actor,
			Data: payloads.AccessRevokeRequestedEvent{
				SubscriberID: subscriber.ID,
				ClientID:     client.ID,
				ChannelID:    client.ChannelID,
				ChatUserID:   subscriber.ChatUserID,
				Reason:       reason,
			},
		})
	})
}

// HandleJoinRequest moderates a pending channel join request: active
// subscribers are admitted, everyone else is declined.
func (e *Engine) HandleJoinRequest(ctx context.Context, channelID, chatUserID int64) error {
	client, err := e.accounts.FindClientByChannelID(ctx, channelID)
	if err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			return e.chat.DeclineJoinRequest(ctx, channelID, chatUserID)
		}
		return err
	}

	subscriber, err := e.accounts.FindSubscriberByChatUser(ctx, client.ID, chatUserID)
	if err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			return e.chat.DeclineJoinRequest(ctx, channelID, chatUserID)
		}
		return err
	}

	if subscriber.Status == enums.SubscriptionStatusActive {
		return e.chat.ApproveJoinRequest(ctx, channelID, chatUserID)
	}
	return e.chat.DeclineJoinRequest(ctx, channelID, chatUserID)
}
